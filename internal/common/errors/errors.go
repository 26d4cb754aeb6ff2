// Package errors provides the application error taxonomy used across the
// session broker: a single AppError type carrying a stable string code and
// the HTTP status that code maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These are part of the wire contract: callers
// match on the string, not on HTTP status alone.
const (
	CodeUnavailable       = "UNAVAILABLE"
	CodeDuplicate         = "DUPLICATE"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeNoAccount         = "NO_ACCOUNT"
	CodeValidation        = "VALIDATION"
	CodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	CodeInternal          = "INTERNAL"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// SessionNotFound creates a session-not-found error.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       CodeSessionNotFound,
		Message:    fmt.Sprintf("session %q not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// TaskNotFound creates a task-not-found error.
func TaskNotFound(taskID string) *AppError {
	return &AppError{
		Code:       CodeTaskNotFound,
		Message:    fmt.Sprintf("task %q not found", taskID),
		HTTPStatus: http.StatusNotFound,
	}
}

// Unavailable creates an UNAVAILABLE error with a 409 status, the form used
// for an admission conflict.
func Unavailable(message string) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Duplicate creates an idempotent-replay error. Callers typically treat this
// as a success path (returning the prior resource), not a failure.
func Duplicate(message string) *AppError {
	return &AppError{
		Code:       CodeDuplicate,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// InvalidState creates an illegal-state-transition error.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NoAccount creates an error for a batch with no resolvable account identity.
func NoAccount(message string) *AppError {
	return &AppError{
		Code:       CodeNoAccount,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a request-validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// DeadlineExceeded creates an error for a request whose context deadline
// fired before a Store/Queue operation completed.
func DeadlineExceeded(message string) *AppError {
	return &AppError{
		Code:       CodeDeadlineExceeded,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Internal creates an internal-error with a wrapped underlying cause. Used
// both for unexpected bugs and for state invariant violations that should
// be impossible but must surface loudly if they ever occur.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If err is already an AppError its code and status are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if err is not an AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
