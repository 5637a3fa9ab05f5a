package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanNotFound is returned when a plan id cannot be resolved
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInstanceNotFound is returned for unknown instance ids
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrToolNotFound is returned when the registry has no such tool. It is never retried.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout is returned when a single tool attempt exceeds its timeout
	ErrToolTimeout = errors.New("tool timed out")

	// ErrInvalidTransition is returned when an operation does not apply to the instance's status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned for malformed ledger or history requests
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError describes a structural problem with a plan
type ValidationError struct {
	StepID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.StepID == "" {
		return "invalid plan: " + e.Message
	}
	return fmt.Sprintf("invalid plan: step %q: %s", e.StepID, e.Message)
}

// CycleError reports a dependency cycle reachable from StepID
type CycleError struct {
	StepID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("invalid plan: circular dependency detected involving step %q", e.StepID)
}

// As lets errors.As match a CycleError as a ValidationError
func (e *CycleError) As(target any) bool {
	if v, ok := target.(**ValidationError); ok {
		*v = &ValidationError{StepID: e.StepID, Message: "circular dependency detected"}
		return true
	}
	return false
}

// ToolExecutionError wraps the last error of a tool call that exhausted its attempts
type ToolExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a plan validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
