// Package engine wires the shared detection cache, result buffer and
// concurrency advisor together and fans a script out over devices.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/vision-runner/pkg/advisor"
	"github.com/devicelab-dev/vision-runner/pkg/buffer"
	"github.com/devicelab-dev/vision-runner/pkg/config"
	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/detection"
	"github.com/devicelab-dev/vision-runner/pkg/executor"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// Options configures an Engine.
type Options struct {
	Cache   detection.CacheConfig
	Service detection.ServiceConfig
	Buffer  buffer.Config
	Advisor advisor.Config

	// LoadProbe feeds the advisor; nil reads /proc.
	LoadProbe advisor.LoadProbe

	// MaxConcurrency caps parallel devices below the advisor's threshold.
	// 0 = advisor decides.
	MaxConcurrency int

	// FailFast cancels the remaining devices once one device fails.
	FailFast bool
}

// OptionsFromConfig maps the file/env configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Cache:   cfg.CacheOptions(),
		Service: cfg.ServiceOptions(),
		Buffer:  cfg.BufferOptions(),
		Advisor: cfg.AdvisorOptions(),
	}
}

// RunConfig configures one RunDevices call.
type RunConfig struct {
	Settings executor.Settings

	// Live progress callbacks. May be called from several goroutines.
	OnDeviceStart    func(deviceID string)
	OnDeviceComplete func(result *executor.RunResult)
	OnStepComplete   func(deviceID string, idx int, desc string, outcome *executor.StepOutcome)
}

// RunResult aggregates per-device results of one RunDevices call.
type RunResult struct {
	RunID          string
	Status         core.StepStatus
	Concurrency    int
	Duration       int64 // wall clock milliseconds
	TotalDevices   int
	PassedDevices  int
	FailedDevices  int
	SkippedDevices int
	Devices        []*executor.RunResult
}

// Stats is a snapshot of the engine's shared components.
type Stats struct {
	Detection detection.ServiceStats `json:"detection"`
	Buffer    buffer.Stats           `json:"buffer"`
	Threshold int                    `json:"threshold"`
	Trend     string                 `json:"trend"`
	Samples   int                    `json:"samples"`
}

var errDeviceFailed = errors.New("device failed")

// Engine owns the components shared by every device worker.
type Engine struct {
	cache   *detection.Cache
	service *detection.Service
	buffer  *buffer.Buffer
	advisor *advisor.Advisor
	opts    Options

	mu     sync.Mutex
	closed bool
}

// New creates an Engine that detects with detector and persists through persistence.
func New(detector core.Detector, persistence core.Persistence, opts Options) *Engine {
	probe := opts.LoadProbe
	if probe == nil {
		probe = advisor.ProcLoadProbe{}
	}
	cache := detection.NewCache(opts.Cache)
	return &Engine{
		cache:   cache,
		service: detection.NewService(detector, cache, opts.Service),
		buffer:  buffer.New(persistence, opts.Buffer),
		advisor: advisor.New(opts.Advisor, probe),
		opts:    opts,
	}
}

// Start begins background flushing of buffered records.
func (e *Engine) Start(ctx context.Context) {
	e.buffer.Start(ctx)
}

func (e *Engine) Service() *detection.Service { return e.service }
func (e *Engine) Buffer() *buffer.Buffer       { return e.buffer }
func (e *Engine) Advisor() *advisor.Advisor    { return e.advisor }

// Stats returns a snapshot of cache, buffer and advisor state.
func (e *Engine) Stats() Stats {
	return Stats{
		Detection: e.service.Stats(),
		Buffer:    e.buffer.Stats(),
		Threshold: e.advisor.AutoAdjustThreshold(),
		Trend:     e.advisor.Trend().String(),
		Samples:   len(e.advisor.Samples()),
	}
}

// Concurrency returns how many devices RunDevices would run in parallel.
func (e *Engine) Concurrency(devices int) int {
	limit := e.advisor.AutoAdjustThreshold()
	if e.opts.MaxConcurrency > 0 && e.opts.MaxConcurrency < limit {
		limit = e.opts.MaxConcurrency
	}
	if devices > 0 && devices < limit {
		limit = devices
	}
	return limit
}

// RunDevices executes steps on every device. At most Concurrency(len(devices))
// devices run at once. The run's device count and wall time are fed back
// into the advisor.
func (e *Engine) RunDevices(ctx context.Context, devices []core.DeviceController, steps []executor.Step, cfg RunConfig) (*RunResult, error) {
	if len(devices) == 0 {
		return nil, core.ErrMissingRequired.WithMessage("no devices to run on")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("engine is closed")
	}

	limit := e.Concurrency(len(devices))
	runID := uuid.NewString()
	logger.Info("run %s: %d steps on %d devices (concurrency %d)", runID, len(steps), len(devices), limit)

	results := make([]*executor.RunResult, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	start := time.Now()
	for i, dev := range devices {
		g.Go(func() error {
			res := e.runDevice(gctx, dev, steps, cfg)
			results[i] = res
			if cfg.OnDeviceComplete != nil {
				cfg.OnDeviceComplete(res)
			}
			if e.opts.FailFast && res.Status != core.StatusPassed {
				return errDeviceFailed
			}
			return nil
		})
	}
	_ = g.Wait()
	wall := time.Since(start)

	e.advisor.RecordPerformance(len(devices), wall.Seconds())

	result := buildRunResult(runID, results, wall.Milliseconds())
	result.Concurrency = limit
	logger.Info("run %s: %s in %v (%d passed, %d failed, %d skipped)", runID, result.Status,
		wall.Round(time.Millisecond), result.PassedDevices, result.FailedDevices, result.SkippedDevices)
	return result, nil
}

// runDevice runs steps on one device; a panic anywhere becomes an errored result.
func (e *Engine) runDevice(ctx context.Context, dev core.DeviceController, steps []executor.Step, cfg RunConfig) (res *executor.RunResult) {
	deviceID := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("[%s] device worker panicked: %v", deviceID, rec)
			res = &executor.RunResult{
				DeviceID:   deviceID,
				Status:     core.StatusErrored,
				Error:      fmt.Sprintf("panic: %v", rec),
				StepsTotal: len(steps),
			}
		}
	}()
	deviceID = dev.DeviceID()

	if ctx.Err() != nil {
		return &executor.RunResult{
			DeviceID:     deviceID,
			Status:       core.StatusSkipped,
			Error:        "execution cancelled",
			StepsTotal:   len(steps),
			StepsSkipped: len(steps),
		}
	}

	if cfg.OnDeviceStart != nil {
		cfg.OnDeviceStart(deviceID)
	}

	rc := executor.RunnerConfig{Settings: cfg.Settings}
	if cfg.OnStepComplete != nil {
		rc.OnStepComplete = func(idx int, desc string, outcome *executor.StepOutcome) {
			cfg.OnStepComplete(deviceID, idx, desc, outcome)
		}
	}
	return executor.New(dev, e.service, e.buffer, rc).Run(ctx, steps)
}

func buildRunResult(runID string, devices []*executor.RunResult, wallClock int64) *RunResult {
	result := &RunResult{
		RunID:        runID,
		Status:       core.StatusPassed,
		Duration:     wallClock,
		TotalDevices: len(devices),
		Devices:      devices,
	}
	for _, d := range devices {
		switch d.Status {
		case core.StatusPassed:
			result.PassedDevices++
		case core.StatusSkipped:
			result.SkippedDevices++
		default:
			result.FailedDevices++
		}
	}
	switch {
	case result.FailedDevices > 0:
		result.Status = core.StatusFailed
	case result.SkippedDevices > 0:
		result.Status = core.StatusSkipped
	}
	return result
}

// Close stops background flushing and persists what is still buffered.
// Returns the number of records written by the final flush.
func (e *Engine) Close(ctx context.Context) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	e.closed = true
	e.mu.Unlock()
	return e.buffer.Close(ctx)
}
