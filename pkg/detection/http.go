package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// HTTPDetector calls an external YOLO inference service.
//
// Request:  POST {endpoint} {"image": "<base64 png>", "class": "...", "threshold": 0.5}
// Response: {"found": true, "class_name": "...", "confidence": 0.91,
//
//	"bbox": [x1, y1, x2, y2], "center": [x, y]}
type HTTPDetector struct {
	endpoint string
	client   *http.Client
}

type detectRequest struct {
	Image     string  `json:"image"`
	Class     string  `json:"class"`
	Threshold float64 `json:"threshold"`
}

type detectResponse struct {
	Found      bool    `json:"found"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       []int   `json:"bbox"`
	Center     []int   `json:"center"`
	Error      string  `json:"error"`
}

// NewHTTPDetector creates a detector client for endpoint.
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Detect implements core.Detector.
func (d *HTTPDetector) Detect(ctx context.Context, frame image.Image, targetClass string, threshold float64) (core.DetectionResult, error) {
	if frame == nil {
		return core.DetectionResult{}, fmt.Errorf("no frame")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return core.DetectionResult{}, fmt.Errorf("encode frame: %w", err)
	}

	body, err := json.Marshal(detectRequest{
		Image:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		Class:     targetClass,
		Threshold: threshold,
	})
	if err != nil {
		return core.DetectionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return core.DetectionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return core.DetectionResult{}, fmt.Errorf("detector request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.DetectionResult{}, fmt.Errorf("read detector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.DetectionResult{}, fmt.Errorf("detector returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var dr detectResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return core.DetectionResult{}, fmt.Errorf("decode detector response: %w", err)
	}
	if dr.Error != "" {
		return core.DetectionResult{}, fmt.Errorf("detector: %s", dr.Error)
	}

	return dr.toResult(), nil
}

func (r detectResponse) toResult() core.DetectionResult {
	result := core.DetectionResult{
		Found:      r.Found,
		ClassName:  r.ClassName,
		Confidence: r.Confidence,
	}
	if len(r.BBox) == 4 {
		result.BBox = &core.BBox{X1: r.BBox[0], Y1: r.BBox[1], X2: r.BBox[2], Y2: r.BBox[3]}
	}
	if len(r.Center) == 2 {
		result.Center = &core.Point{X: r.Center[0], Y: r.Center[1]}
	} else if result.BBox != nil {
		c := result.BBox.Center()
		result.Center = &c
	}
	return result
}
