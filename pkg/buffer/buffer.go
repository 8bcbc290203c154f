// Package buffer holds execution records until they are persisted in batches.
//
// Producers (one per device) add records at UI-action cadence; a flush copies
// the current records, writes them through a core.Persistence, and removes
// only the records that were confirmed written. Records that fail stay for
// the next flush. Memory is bounded by a hard limit: when it is reached the
// oldest half is dropped.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// Defaults.
const (
	DefaultHardLimit      = 1000
	DefaultEmergencyRatio = 0.9
	DefaultFlushWait      = 30 * time.Second
	DefaultBatchSize      = 50
)

// Config configures a Buffer.
type Config struct {
	HardLimit      int           // Size at which the oldest half is dropped before appending
	EmergencyRatio float64       // Fraction of HardLimit that triggers an async flush
	FlushWait      time.Duration // Max time Add waits for an in-progress flush
	BatchSize      int           // Records per SaveBatch call
	FlushInterval  time.Duration // Auto-flush period for Start; 0 disables
}

func (c Config) withDefaults() Config {
	if c.HardLimit <= 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.EmergencyRatio <= 0 {
		c.EmergencyRatio = DefaultEmergencyRatio
	}
	if c.FlushWait <= 0 {
		c.FlushWait = DefaultFlushWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Stats is a snapshot of buffer state.
type Stats struct {
	TotalCached     int     `json:"totalCached"`
	SuccessCount    int     `json:"successCount"`
	FailureCount    int     `json:"failureCount"`
	SuccessRate     float64 `json:"successRate"`
	Persisted       int64   `json:"persisted"`
	PersistFailures int64   `json:"persistFailures"`
	Dropped         int64   `json:"dropped"`
	Flushes         int64   `json:"flushes"`
	Flushing        bool    `json:"flushing"`
}

// Buffer is a bounded, concurrency-safe record buffer.
type Buffer struct {
	cfg         Config
	persistence core.Persistence

	mu               sync.Mutex
	records          []core.ExecutionRecord
	flushing         bool
	flushDone        chan struct{} // closed when the current flush ends
	emergencyPending bool
	closed           bool

	persisted       int64
	persistFailures int64
	dropped         int64
	flushes         int64

	bg   sync.WaitGroup // auto-flush loop and emergency flushes
	stop chan struct{}
}

// New creates a Buffer writing to persistence. With a nil persistence records
// are kept (up to the hard limit) and Flush persists nothing.
func New(persistence core.Persistence, cfg Config) *Buffer {
	return &Buffer{
		cfg:         cfg.withDefaults(),
		persistence: persistence,
		stop:        make(chan struct{}),
	}
}

// Add appends rec. If a flush is running, Add waits up to FlushWait for it to
// finish. At the hard limit the oldest half is dropped first. Records without
// an ID are given one; IDs identify records across flushes.
func (b *Buffer) Add(rec core.ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	b.mu.Lock()
	b.waitForFlushLocked()

	if n := len(b.records); n >= b.cfg.HardLimit {
		drop := (n + 1) / 2
		b.records = append(b.records[:0:0], b.records[drop:]...)
		b.dropped += int64(drop)
		logger.Warn("result buffer at hard limit %d: dropped %d oldest records", b.cfg.HardLimit, drop)
	}
	b.records = append(b.records, rec)

	trigger := len(b.records) >= b.emergencyThreshold() &&
		!b.flushing && !b.emergencyPending && !b.closed && b.persistence != nil
	if trigger {
		b.emergencyPending = true
		b.bg.Add(1)
	}
	b.mu.Unlock()

	if trigger {
		logger.Info("result buffer reached emergency threshold, flushing")
		go func() {
			defer b.bg.Done()
			b.Flush(context.Background())
			b.mu.Lock()
			b.emergencyPending = false
			b.mu.Unlock()
		}()
	}
}

// Flush persists a snapshot of the buffered records and returns how many were
// confirmed written. Only confirmed records are removed. If another flush is
// already running, Flush returns 0 immediately.
func (b *Buffer) Flush(ctx context.Context) int {
	b.mu.Lock()
	if b.flushing || len(b.records) == 0 || b.persistence == nil {
		b.mu.Unlock()
		return 0
	}
	b.flushing = true
	b.flushDone = make(chan struct{})
	snapshot := make([]core.ExecutionRecord, len(b.records))
	copy(snapshot, b.records)
	b.mu.Unlock()

	start := time.Now()
	written, failures := b.persist(ctx, snapshot)

	b.mu.Lock()
	kept := make([]core.ExecutionRecord, 0, len(b.records))
	for _, rec := range b.records {
		if _, ok := written[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	b.records = kept
	b.persisted += int64(len(written))
	b.persistFailures += int64(failures)
	b.flushes++
	b.flushing = false
	close(b.flushDone)
	remaining := len(b.records)
	b.mu.Unlock()

	logger.Info("flushed %d/%d records in %v (%d failed, %d remaining)",
		len(written), len(snapshot), time.Since(start).Round(time.Millisecond), failures, remaining)
	return len(written)
}

// Start runs the auto-flush loop until ctx is cancelled or Close is called.
func (b *Buffer) Start(ctx context.Context) {
	if b.cfg.FlushInterval <= 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.bg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.bg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	}()
}

// Close stops background flushing, waits for it, and performs a final flush.
// Returns the number of records persisted by the final flush.
func (b *Buffer) Close(ctx context.Context) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	b.bg.Wait()

	b.mu.Lock()
	b.waitForFlushLocked()
	b.mu.Unlock()

	n := b.Flush(ctx)
	if left := b.Len(); left > 0 {
		logger.Warn("result buffer closed with %d unpersisted records", left)
	}
	return n
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Snapshot returns a copy of the buffered records, oldest first.
func (b *Buffer) Snapshot() []core.ExecutionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.ExecutionRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalCached:     len(b.records),
		Persisted:       b.persisted,
		PersistFailures: b.persistFailures,
		Dropped:         b.dropped,
		Flushes:         b.flushes,
		Flushing:        b.flushing,
	}
	for _, rec := range b.records {
		if rec.Success {
			s.SuccessCount++
		} else {
			s.FailureCount++
		}
	}
	if s.TotalCached > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.TotalCached)
	}
	return s
}

func (b *Buffer) emergencyThreshold() int {
	t := int(float64(b.cfg.HardLimit) * b.cfg.EmergencyRatio)
	if t < 1 {
		t = 1
	}
	return t
}

// waitForFlushLocked blocks (releasing mu) until the running flush ends or
// FlushWait elapses. Must be called with mu held; returns with mu held.
func (b *Buffer) waitForFlushLocked() {
	if !b.flushing {
		return
	}
	timer := time.NewTimer(b.cfg.FlushWait)
	defer timer.Stop()

	for b.flushing {
		done := b.flushDone
		b.mu.Unlock()
		select {
		case <-done:
			b.mu.Lock()
		case <-timer.C:
			b.mu.Lock()
			logger.Warn("waited %v for flush, appending anyway", b.cfg.FlushWait)
			return
		}
	}
}

// persist writes records in batches. Returns the IDs confirmed written and the failure count.
func (b *Buffer) persist(ctx context.Context, records []core.ExecutionRecord) (map[string]struct{}, int) {
	written := make(map[string]struct{}, len(records))
	failures := 0

	for start := 0; start < len(records); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(records))
		batch := records[start:end]

		errs := b.saveBatch(ctx, batch)
		for i, rec := range batch {
			if errs[i] != nil {
				failures++
				logger.Debug("persist record %s (%s) failed: %v", rec.ID, rec.ButtonClass, errs[i])
				continue
			}
			written[rec.ID] = struct{}{}
		}
	}
	return written, failures
}

// saveBatch calls the persistence backend, converting panics and malformed
// replies into per-record errors.
func (b *Buffer) saveBatch(ctx context.Context, batch []core.ExecutionRecord) (errs []error) {
	failAll := func(cause error) []error {
		out := make([]error, len(batch))
		for i := range out {
			out[i] = core.ErrPersistence.WithCause(cause)
		}
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("persistence panicked: %v", r)
			errs = failAll(fmt.Errorf("panic: %v", r))
		}
	}()

	errs = b.persistence.SaveBatch(ctx, batch)
	if len(errs) != len(batch) {
		logger.Error("persistence returned %d results for %d records", len(errs), len(batch))
		return failAll(fmt.Errorf("result count mismatch: got %d, want %d", len(errs), len(batch)))
	}
	return errs
}
