package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

const batchPath = "/api/execution-records/batch"

// MonitorClient is a core.Persistence that posts records to the monitor API.
type MonitorClient struct {
	baseURL    string
	token      string
	client     *http.Client
	maxElapsed time.Duration
}

// MonitorOption configures a MonitorClient.
type MonitorOption func(*MonitorClient)

// WithToken sets the bearer token sent with each request.
func WithToken(token string) MonitorOption {
	return func(c *MonitorClient) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) MonitorOption {
	return func(c *MonitorClient) { c.client = hc }
}

// WithMaxElapsed bounds the total time spent retrying one batch.
func WithMaxElapsed(d time.Duration) MonitorOption {
	return func(c *MonitorClient) { c.maxElapsed = d }
}

// NewMonitorClient creates a monitor API client.
func NewMonitorClient(baseURL string, opts ...MonitorOption) *MonitorClient {
	c := &MonitorClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type batchRequest struct {
	Records []core.ExecutionRecord `json:"records"`
}

type batchResponse struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected"`
}

// SaveBatch posts the batch. Transport errors and 5xx responses are retried
// with exponential backoff; 4xx fails the whole batch. Records the server
// neither accepts nor rejects are reported as failed.
func (c *MonitorClient) SaveBatch(ctx context.Context, records []core.ExecutionRecord) []error {
	errs := make([]error, len(records))
	if len(records) == 0 {
		return errs
	}

	body, err := json.Marshal(batchRequest{Records: records})
	if err != nil {
		return failAll(errs, err)
	}

	var resp batchResponse
	op := func() error {
		r, err := c.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	notify := func(err error, wait time.Duration) {
		logger.Warn("monitor: batch of %d failed, retrying in %s: %v", len(records), wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return failAll(errs, err)
	}

	accepted := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
	}
	for i, r := range records {
		switch {
		case accepted[r.ID]:
		case resp.Rejected[r.ID] != "":
			errs[i] = core.ErrPersistence.WithMessage("monitor rejected record: " + resp.Rejected[r.ID])
		default:
			errs[i] = core.ErrPersistence.WithMessage("monitor did not acknowledge record")
		}
	}
	return errs
}

// post sends one request. Client errors are wrapped as permanent.
func (c *MonitorClient) post(ctx context.Context, body []byte) (batchResponse, error) {
	var out batchResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return out, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}

	if resp.StatusCode >= 500 {
		return out, fmt.Errorf("monitor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 300 {
		return out, backoff.Permanent(fmt.Errorf("monitor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, backoff.Permanent(fmt.Errorf("invalid monitor response: %w", err))
	}
	return out, nil
}

func failAll(errs []error, err error) []error {
	wrapped := core.ErrPersistence.WithCause(err)
	for i := range errs {
		errs[i] = wrapped
	}
	return errs
}
