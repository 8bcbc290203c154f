package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: target_not_found, action_failed, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an ExecutionError with the same code.
// Derived copies (WithCause, WithMessage) still match their predefined error.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Detection outcomes. A miss is expected and drives fallback logic.
	ErrTargetNotFound = &ExecutionError{
		Category: ErrCategoryDetection,
		Code:     "target_not_found",
		Message:  "target not found on screen",
	}
	ErrDetectorInvocation = &ExecutionError{
		Category: ErrCategoryDetector,
		Code:     "detector_invocation",
		Message:  "detector invocation failed",
	}
	ErrScreenCapture = &ExecutionError{
		Category: ErrCategoryDetector,
		Code:     "screen_capture",
		Message:  "screen capture failed",
	}

	// Action errors
	ErrActionExecution = &ExecutionError{
		Category: ErrCategoryAction,
		Code:     "action_failed",
		Message:  "device action failed",
	}
	ErrUnsupportedAction = &ExecutionError{
		Category: ErrCategoryAction,
		Code:     "unsupported_action",
		Message:  "unsupported action type",
	}

	// Step and script outcomes
	ErrStepExhausted = &ExecutionError{
		Category: ErrCategoryDetection,
		Code:     "step_exhausted",
		Message:  "all candidates and fallback exhausted",
	}
	ErrScriptAborted = &ExecutionError{
		Category: ErrCategoryDetection,
		Code:     "script_aborted",
		Message:  "script aborted after step failure",
	}

	// Persistence errors
	ErrPersistence = &ExecutionError{
		Category: ErrCategoryPersistence,
		Code:     "persistence_failed",
		Message:  "record could not be persisted",
	}

	// Timeout errors
	ErrWaitTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "wait_timeout",
		Message:  "target did not become visible in time",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
	ErrMissingRequired = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "missing_required",
		Message:  "missing required field",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of err if it is (or wraps) an ExecutionError.
func CategoryOf(err error) ErrorCategory {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ErrCategoryNone
}
