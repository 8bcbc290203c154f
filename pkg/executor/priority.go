package executor

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/detection"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// DetectionSource answers detection requests, typically a *detection.Service.
type DetectionSource interface {
	Detect(ctx context.Context, frame image.Image, deviceID, target string, threshold float64) (detection.Outcome, error)
}

// RecordSink receives one ExecutionRecord per detection attempt, typically a *buffer.Buffer.
type RecordSink interface {
	Add(rec core.ExecutionRecord)
}

// PriorityStepExecutor runs steps for one device. Not safe for concurrent use;
// create one per device.
type PriorityStepExecutor struct {
	device    core.DeviceController
	detection DetectionSource
	sink      RecordSink
	settings  Settings
	shots     *screenshotSaver

	now func() time.Time
}

// NewPriorityStepExecutor creates an executor for device.
func NewPriorityStepExecutor(device core.DeviceController, det DetectionSource, sink RecordSink, settings Settings) *PriorityStepExecutor {
	settings = settings.withDefaults()
	e := &PriorityStepExecutor{
		device:    device,
		detection: det,
		sink:      sink,
		settings:  settings,
		now:       time.Now,
	}
	if settings.ScreenshotDir != "" {
		e.shots = newScreenshotSaver(settings.ScreenshotDir)
	}
	return e
}

// Settings returns the effective settings.
func (e *PriorityStepExecutor) Settings() Settings {
	return e.settings
}

// ExecuteStep runs step, re-attempting the whole step up to MaxTryTime times
// while it ends in StateFailed. A cancelled ctx stops retrying.
func (e *PriorityStepExecutor) ExecuteStep(ctx context.Context, step Step) *StepOutcome {
	start := e.now()
	out := &StepOutcome{MatchedIndex: -1}

	maxTry := step.MaxTryTime
	if maxTry <= 0 {
		maxTry = e.settings.MaxTryTime
	}

	op := func() error {
		out.Tries++
		e.tryOnce(ctx, step, out)
		if out.State == StateSuccess {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(out.Err)
		}
		return out.Err
	}

	// WithMaxRetries treats 0 as unlimited, so a single try needs StopBackOff.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if maxTry > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(e.settings.RetryDelay), uint64(maxTry-1))
	}
	b := backoff.WithContext(policy, ctx)
	notify := func(err error, wait time.Duration) {
		logger.Info("[%s] step %q failed (try %d/%d): %v", e.device.DeviceID(), step.Describe(), out.Tries, maxTry, err)
	}
	_ = backoff.RetryNotify(op, b, notify)

	out.Duration = e.now().Sub(start)
	return out
}

// tryOnce runs one pass of the state machine, overwriting out's per-try fields.
func (e *PriorityStepExecutor) tryOnce(ctx context.Context, step Step, out *StepOutcome) {
	out.State = StateAttemptingCandidate
	out.Matched = nil
	out.MatchedIndex = -1
	out.FallbackExecuted = false
	out.Err = nil

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] step %q panicked: %v", e.device.DeviceID(), step.Describe(), r)
			out.State = StateFailed
			out.Err = fmt.Errorf("step panicked: %v", r)
		}
	}()

	if step.Kind == KindAction {
		e.runFixedAction(ctx, step, out)
		return
	}

	// KindDetect shares one frame across candidates; the screen does not
	// change until an action runs.
	var frame image.Image
	var frameErr error
	if step.Kind == KindDetect {
		frame, frameErr = e.capture(ctx)
	}

	var lastErr error
	for i := range step.Candidates {
		if ctx.Err() != nil {
			out.State = StateFailed
			out.Err = ctx.Err()
			return
		}
		cand := step.Candidates[i]
		out.Attempts++

		var res core.DetectionResult
		var found bool
		if step.Kind == KindWaitVisible {
			res, found, lastErr = e.waitVisible(ctx, step, cand)
		} else {
			res, found, lastErr = e.detectOnce(ctx, frame, frameErr, cand)
		}
		if !found {
			continue
		}

		out.Matched = &step.Candidates[i]
		out.MatchedIndex = i

		point, _ := res.Target()
		action := resolveAction(cand.Action).At(point)
		if err := e.device.Execute(ctx, action); err != nil {
			logger.Warn("[%s] %s found but %s failed: %v", e.device.DeviceID(), cand.TargetClass, action.Describe(), err)
			out.State = StateFailed
			out.Err = core.ErrActionExecution.WithCause(err).WithDetails(map[string]interface{}{
				"class":  cand.TargetClass,
				"action": string(action.Type),
			})
			return
		}
		logger.Info("[%s] %s found (%.2f), %s", e.device.DeviceID(), cand.TargetClass, res.Confidence, action.Describe())
		out.State = StateSuccess
		return
	}

	if step.Fallback == nil {
		out.State = StateFailed
		switch {
		case step.Kind == KindWaitVisible:
			out.Err = core.ErrWaitTimeout.WithCause(lastErr)
		case len(step.Candidates) == 0:
			out.Err = core.ErrStepExhausted.WithMessage("step has no candidates and no fallback")
		default:
			out.Err = core.ErrStepExhausted.WithCause(lastErr)
		}
		return
	}

	out.State = StateExecutingFallback
	out.FallbackExecuted = true
	if err := e.device.Execute(ctx, *step.Fallback); err != nil {
		logger.Warn("[%s] fallback %s failed: %v", e.device.DeviceID(), step.Fallback.Describe(), err)
		out.State = StateFailed
		out.Err = core.ErrActionExecution.WithCause(err).WithDetails(map[string]interface{}{
			"action":   string(step.Fallback.Type),
			"fallback": true,
		})
		return
	}
	logger.Info("[%s] no candidate found, fallback %s", e.device.DeviceID(), step.Fallback.Describe())
	out.State = StateSuccess
}

func (e *PriorityStepExecutor) runFixedAction(ctx context.Context, step Step, out *StepOutcome) {
	if step.Action == nil {
		out.State = StateFailed
		out.Err = core.ErrMissingRequired.WithMessage("action step has no action")
		return
	}
	if err := e.device.Execute(ctx, *step.Action); err != nil {
		out.State = StateFailed
		out.Err = core.ErrActionExecution.WithCause(err)
		return
	}
	out.State = StateSuccess
}

// detectOnce runs a single detection attempt and records it.
func (e *PriorityStepExecutor) detectOnce(ctx context.Context, frame image.Image, frameErr error, cand Candidate) (core.DetectionResult, bool, error) {
	start := e.now()
	if frameErr != nil {
		e.record(cand, start, detection.Outcome{}, frameErr, nil)
		return core.DetectionResult{}, false, frameErr
	}
	o, err := e.detect(ctx, frame, cand)
	e.record(cand, start, o, err, frame)
	return o.Result, err == nil && o.Result.Found, err
}

// waitVisible polls cand until found or the wait timeout elapses. The whole
// wait is one attempt and produces one record.
func (e *PriorityStepExecutor) waitVisible(ctx context.Context, step Step, cand Candidate) (core.DetectionResult, bool, error) {
	timeout := step.WaitTimeout
	if timeout <= 0 {
		timeout = e.settings.WaitTimeout
	}
	start := e.now()
	deadline := start.Add(timeout)

	var (
		o       detection.Outcome
		lastErr error
		frame   image.Image
	)
	for {
		var err error
		frame, err = e.capture(ctx)
		if err == nil {
			o, err = e.detect(ctx, frame, cand)
			if err == nil && o.Result.Found {
				e.record(cand, start, o, nil, frame)
				return o.Result, true, nil
			}
		}
		lastErr = err

		if !e.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			e.record(cand, start, o, lastErr, frame)
			return core.DetectionResult{}, false, lastErr
		case <-time.After(e.settings.PollInterval):
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%s not visible after %s", cand.TargetClass, timeout)
	}
	e.record(cand, start, o, lastErr, frame)
	return core.DetectionResult{}, false, lastErr
}

// detect calls the detection source. Errors and panics are misses.
func (e *PriorityStepExecutor) detect(ctx context.Context, frame image.Image, cand Candidate) (o detection.Outcome, err error) {
	threshold := cand.Threshold
	if threshold <= 0 {
		threshold = e.settings.DefaultThreshold
	}
	defer func() {
		if r := recover(); r != nil {
			o = detection.Outcome{}
			err = core.ErrDetectorInvocation.WithCause(fmt.Errorf("panic: %v", r))
		}
	}()
	o, err = e.detection.Detect(ctx, frame, e.device.DeviceID(), cand.TargetClass, threshold)
	if err != nil {
		logger.Debug("[%s] detect %s: %v", e.device.DeviceID(), cand.TargetClass, err)
	}
	return o, err
}

func (e *PriorityStepExecutor) capture(ctx context.Context) (image.Image, error) {
	frame, err := e.device.Screenshot(ctx)
	if err != nil {
		return nil, core.ErrScreenCapture.WithCause(err)
	}
	return frame, nil
}

// record emits the ExecutionRecord for one attempt.
func (e *PriorityStepExecutor) record(cand Candidate, start time.Time, o detection.Outcome, err error, frame image.Image) {
	if e.sink == nil {
		return
	}
	found := err == nil && o.Result.Found
	rec := core.ExecutionRecord{
		ID:              uuid.NewString(),
		ProjectName:     e.settings.ProjectName,
		ButtonClass:     cand.TargetClass,
		Success:         found,
		Scenario:        e.settings.Scenario,
		DetectionTimeMs: e.now().Sub(start).Milliseconds(),
		Confidence:      o.Result.Confidence,
		Cached:          o.Cached,
		DeviceID:        e.device.DeviceID(),
		Timestamp:       e.now(),
	}
	if found {
		if p, ok := o.Result.Target(); ok {
			rec.Coordinates = &p
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if !found && e.shots != nil && frame != nil {
		if path, serr := e.shots.Save(e.device.DeviceID(), cand.TargetClass, frame); serr != nil {
			logger.Warn("[%s] failed to save screenshot: %v", e.device.DeviceID(), serr)
		} else {
			rec.ScreenshotPath = path
		}
	}
	e.sink.Add(rec)
}

// resolveAction defaults an empty action to a click on the detected target.
func resolveAction(a core.Action) core.Action {
	if a.Type == "" {
		a.Type = core.ActionClick
	}
	return a
}
