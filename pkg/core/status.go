package core

// StepStatus represents the execution status of a script step
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusRunning                   // Currently executing
	StatusPassed                    // A candidate matched, or the fallback ran cleanly
	StatusFailed                    // Every attempt (candidates + fallback) was exhausted
	StatusErrored                   // Unexpected error (panic, cancelled context)
	StatusSkipped                   // Not run because the script was aborted
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates success
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed
}

// ErrorCategory classifies the type of error for debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone        ErrorCategory = iota // No error
	ErrCategoryDetection                        // Target class not visible on screen
	ErrCategoryDetector                         // Detector crashed or could not be reached
	ErrCategoryAction                           // Device action (ADB command) failed
	ErrCategoryPersistence                      // Record could not be written
	ErrCategoryTimeout                          // Wait or context deadline exceeded
	ErrCategoryConfig                           // Invalid configuration or script
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryDetection:
		return "detection"
	case ErrCategoryDetector:
		return "detector"
	case ErrCategoryAction:
		return "action"
	case ErrCategoryPersistence:
		return "persistence"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}
