// Package executor runs priority steps against a device: detect candidates in
// order, act on the first match, fall back when all miss.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Settings Settings

	// Live progress callbacks
	OnStepStart    func(idx int, desc string)
	OnStepComplete func(idx int, desc string, outcome *StepOutcome)
}

// RunResult contains the outcome of running a script on one device.
type RunResult struct {
	DeviceID     string
	Status       core.StepStatus
	Duration     int64 // milliseconds
	Error        string
	Aborted      bool // Stopped early because a step failed and ErrorContinue is false
	StepsTotal   int
	StepsPassed  int
	StepsFailed  int
	StepsSkipped int
	Steps        []StepResult
}

// StepResult is one step's row in a RunResult.
type StepResult struct {
	Index    int
	Name     string
	Status   core.StepStatus
	Tries    int
	Attempts int
	Matched  string // Class of the matched candidate, "" if none
	Fallback bool
	Duration int64 // milliseconds
	Error    string
}

// Runner executes a script's steps in order on one device.
type Runner struct {
	config RunnerConfig
	exec   *PriorityStepExecutor
}

// New creates a Runner for device.
func New(device core.DeviceController, det DetectionSource, sink RecordSink, cfg RunnerConfig) *Runner {
	return &Runner{
		config: cfg,
		exec:   NewPriorityStepExecutor(device, det, sink, cfg.Settings),
	}
}

// Run executes steps. A failed step aborts the rest unless ErrorContinue is set.
// Unexpected panics are converted into an errored result for this device.
func (r *Runner) Run(ctx context.Context, steps []Step) (result *RunResult) {
	start := time.Now()
	deviceID := r.exec.device.DeviceID()
	result = &RunResult{
		DeviceID:   deviceID,
		Status:     core.StatusPassed,
		StepsTotal: len(steps),
		Steps:      make([]StepResult, len(steps)),
	}
	for i, s := range steps {
		result.Steps[i] = StepResult{Index: i, Name: s.Describe(), Status: core.StatusPending}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("[%s] runner panicked: %v", deviceID, rec)
			result.Status = core.StatusErrored
			result.Error = fmt.Sprintf("panic: %v", rec)
			r.skipPending(result)
		}
		result.Duration = time.Since(start).Milliseconds()
	}()

	for i, step := range steps {
		if ctx.Err() != nil {
			result.Error = "execution cancelled"
			if result.Status == core.StatusPassed {
				result.Status = core.StatusSkipped
			}
			break
		}

		desc := step.Describe()
		if r.config.OnStepStart != nil {
			r.config.OnStepStart(i, desc)
		}
		result.Steps[i].Status = core.StatusRunning

		outcome := r.exec.ExecuteStep(ctx, step)

		sr := &result.Steps[i]
		sr.Status = outcome.Status()
		sr.Tries = outcome.Tries
		sr.Attempts = outcome.Attempts
		sr.Fallback = outcome.FallbackExecuted
		sr.Duration = outcome.Duration.Milliseconds()
		if outcome.Matched != nil {
			sr.Matched = outcome.Matched.TargetClass
		}
		if outcome.Err != nil {
			sr.Error = outcome.Err.Error()
		}

		if r.config.OnStepComplete != nil {
			r.config.OnStepComplete(i, desc, outcome)
		}

		if outcome.Succeeded() {
			result.StepsPassed++
			continue
		}

		result.StepsFailed++
		result.Status = core.StatusFailed
		if result.Error == "" {
			result.Error = fmt.Sprintf("step %d (%s): %s", i+1, desc, sr.Error)
		}
		if !r.exec.settings.ErrorContinue {
			logger.Warn("[%s] aborting script after step %d", deviceID, i+1)
			result.Aborted = true
			result.Error = core.ErrScriptAborted.WithCause(outcome.Err).Error()
			break
		}
	}

	r.skipPending(result)
	return result
}

func (r *Runner) skipPending(result *RunResult) {
	for i := range result.Steps {
		switch result.Steps[i].Status {
		case core.StatusPending, core.StatusRunning:
			result.Steps[i].Status = core.StatusSkipped
			result.StepsSkipped++
		}
	}
}
