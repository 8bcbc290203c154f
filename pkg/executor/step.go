package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Kind selects how a step looks for its candidates.
type Kind int

const (
	// KindDetect tries each candidate once on the current screen.
	KindDetect Kind = iota
	// KindWaitVisible polls each candidate until it appears or WaitTimeout elapses.
	KindWaitVisible
	// KindAction runs a fixed action with no detection.
	KindAction
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindDetect:
		return "detect"
	case KindWaitVisible:
		return "wait"
	case KindAction:
		return "action"
	default:
		return "unknown"
	}
}

// Candidate is one (target class, action) pair, tried in priority order.
type Candidate struct {
	TargetClass string
	Action      core.Action
	Threshold   float64 // 0 = Settings.DefaultThreshold
}

// Step is a read-only unit of a script.
type Step struct {
	Name        string
	Kind        Kind
	Candidates  []Candidate   // KindDetect, KindWaitVisible
	Fallback    *core.Action  // Run when every candidate misses; nil = none
	Action      *core.Action  // KindAction
	WaitTimeout time.Duration // KindWaitVisible; 0 = Settings.WaitTimeout
	MaxTryTime  int           // Whole-step attempts; 0 = Settings.MaxTryTime
}

// Describe returns a short human-readable description.
func (s Step) Describe() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case KindAction:
		if s.Action != nil {
			return s.Action.Describe()
		}
		return "action"
	default:
		classes := make([]string, len(s.Candidates))
		for i, c := range s.Candidates {
			classes[i] = c.TargetClass
		}
		desc := fmt.Sprintf("%s [%s]", s.Kind, strings.Join(classes, ", "))
		if s.Fallback != nil {
			desc += " fallback " + s.Fallback.Describe()
		}
		return desc
	}
}

// Settings are script-wide execution settings.
type Settings struct {
	WaitTimeout      time.Duration // Default wait for KindWaitVisible (120s)
	MaxTryTime       int           // Default whole-step attempts (3)
	ErrorContinue    bool          // Keep running after a failed step
	DefaultThreshold float64       // Confidence threshold when a candidate has none (0.5)
	PollInterval     time.Duration // Delay between polls of a wait step (500ms)
	RetryDelay       time.Duration // Delay before re-attempting a failed step
	ProjectName      string
	Scenario         string
	ScreenshotDir    string // Save frames of failed detections here; "" = off
}

// Setting defaults.
const (
	DefaultWaitTimeout  = 120 * time.Second
	DefaultMaxTryTime   = 3
	DefaultThreshold    = 0.5
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRetryDelay   = time.Second
)

// DefaultSettings returns settings with every default applied.
func DefaultSettings() Settings {
	return Settings{
		WaitTimeout:      DefaultWaitTimeout,
		MaxTryTime:       DefaultMaxTryTime,
		ErrorContinue:    true,
		DefaultThreshold: DefaultThreshold,
		PollInterval:     DefaultPollInterval,
		RetryDelay:       DefaultRetryDelay,
	}
}

// withDefaults fills zero values. RetryDelay 0 means retry immediately.
func (s Settings) withDefaults() Settings {
	if s.WaitTimeout <= 0 {
		s.WaitTimeout = DefaultWaitTimeout
	}
	if s.MaxTryTime <= 0 {
		s.MaxTryTime = DefaultMaxTryTime
	}
	if s.DefaultThreshold <= 0 {
		s.DefaultThreshold = DefaultThreshold
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	return s
}

// State is a PriorityStepExecutor state.
type State int

const (
	StateAttemptingCandidate State = iota
	StateExecutingFallback
	StateSuccess
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateAttemptingCandidate:
		return "attempting_candidate"
	case StateExecutingFallback:
		return "executing_fallback"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepOutcome is the result of ExecuteStep. Fields describe the last try.
type StepOutcome struct {
	State            State
	Matched          *Candidate // Candidate whose detection succeeded
	MatchedIndex     int        // -1 if none
	FallbackExecuted bool
	Attempts         int // Detection attempts across all tries
	Tries            int // Whole-step tries
	Err              error
	Duration         time.Duration
}

// Succeeded reports whether the step ended in StateSuccess.
func (o *StepOutcome) Succeeded() bool {
	return o.State == StateSuccess
}

// Status maps the outcome to a step status.
func (o *StepOutcome) Status() core.StepStatus {
	if o.State == StateSuccess {
		return core.StatusPassed
	}
	switch core.CategoryOf(o.Err) {
	case core.ErrCategoryAction, core.ErrCategoryDetection, core.ErrCategoryTimeout:
		return core.StatusFailed
	default:
		return core.StatusErrored
	}
}
