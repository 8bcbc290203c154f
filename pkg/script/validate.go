package script

import (
	"fmt"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	File    string
	Line    int
	Message string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Validate returns every problem found in the script; empty means valid.
func (s *Script) Validate() []error {
	var errs []error
	add := func(line int, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{File: s.SourcePath, Line: line, Message: fmt.Sprintf(format, args...)})
	}

	if len(s.Steps) == 0 {
		add(0, "script has no steps")
	}
	st := s.Settings
	if st.WaitTimeout < 0 || st.PollInterval < 0 || st.RetryDelay < 0 {
		add(0, "settings: durations must not be negative")
	}
	if st.MaxTryTime < 0 {
		add(0, "settings: max_try_time must not be negative")
	}
	if !validThreshold(st.DefaultThreshold) {
		add(0, "settings: default_threshold %.2f out of range (0, 1]", st.DefaultThreshold)
	}

	for i, step := range s.Steps {
		n := i + 1
		if step.WaitTimeout < 0 || step.MaxTryTime < 0 {
			add(step.Line, "step %d: wait_timeout and max_try_time must not be negative", n)
		}

		switch step.Type {
		case TypeDetect, TypeWait:
			if len(step.Candidates) == 0 {
				add(step.Line, "step %d: %s step needs at least one candidate", n, step.Type)
			}
			for j, c := range step.Candidates {
				if c.Class == "" {
					add(step.Line, "step %d candidate %d: class is required", n, j+1)
				}
				if !validThreshold(c.Threshold) {
					add(step.Line, "step %d candidate %d: threshold %.2f out of range (0, 1]", n, j+1, c.Threshold)
				}
				a := c.Action
				if a.Type == "" {
					a.Type = core.ActionClick
				}
				if err := a.Validate(); err != nil {
					add(step.Line, "step %d candidate %d: %v", n, j+1, err)
				}
			}
			if step.Fallback != nil {
				if err := step.Fallback.Validate(); err != nil {
					add(step.Line, "step %d fallback: %v", n, err)
				} else if step.Fallback.Type == core.ActionClick {
					add(step.Line, "step %d fallback: click needs a detected target, use tap", n)
				}
			}
		case TypeAction:
			if step.Action == nil {
				add(step.Line, "step %d: action step needs an action", n)
			} else if err := step.Action.Validate(); err != nil {
				add(step.Line, "step %d: %v", n, err)
			} else if step.Action.Type == core.ActionClick {
				add(step.Line, "step %d: click needs a detected target, use tap", n)
			}
		default:
			add(step.Line, "step %d: unknown step type %q", n, step.Type)
		}
	}
	return errs
}

// validThreshold accepts 0 (inherit) or a value in (0, 1].
func validThreshold(v float64) bool {
	return v >= 0 && v <= 1
}
