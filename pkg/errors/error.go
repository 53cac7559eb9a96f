// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Protocol errors (100-199): Malformed messages, unknown verbs, version mismatches
//   - Transport errors (200-299): Socket bind, connect and delivery failures
//   - Strategy/startup errors (300-399): Strategy loading and initialization failures
//   - Health errors (400-499): Heartbeat timeouts and exhausted restart budgets
//   - Pool errors (500-599): Process spawn and lifecycle failures
//   - Journal errors (600-699): Lifecycle journal persistence failures
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeDelivery, "send failed after retries")
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeSpawnFailed, "failed to spawn worker", originalErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodeRestartExhausted) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// StartupError carries the worker's own reported initialization failure,
// so callers of StartStrategy see the real cause rather than a generic failure.
type StartupError struct {
	WorkerID string // Worker that failed to start
	State    string // State the worker reported when it failed
	Payload  string // Error payload reported by the worker process itself
}

// NewStartupError creates a new StartupError.
func NewStartupError(workerID, state, payload string) *StartupError {
	return &StartupError{
		WorkerID: workerID,
		State:    state,
		Payload:  payload,
	}
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("worker %s failed to start (state %s): %s", e.WorkerID, e.State, e.Payload)
}

// IsStartupError checks if an error is a StartupError.
// It uses errors.As to check the error chain.
func IsStartupError(err error) bool {
	var startupErr *StartupError

	return errors.As(err, &startupErr)
}
