// Package errors provides custom error types for the datachat client.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"

	// Stream outcome codes. A stream error covers both transport failures
	// and explicit protocol error events; aborted is a user cancellation
	// and must never be presented as a failure.
	ErrCodeStreamError = "STREAM_ERROR"
	ErrCodeAborted     = "ABORTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error (e.g. duplicate message_id).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StreamError creates an error for a failed stream: a rejected submission,
// a dropped connection, or an explicit protocol error event. The message is
// surfaced verbatim to the caller.
func StreamError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStreamError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Aborted creates an error representing a user-initiated cancellation.
func Aborted(err error) *AppError {
	return &AppError{
		Code:       ErrCodeAborted,
		Message:    "stream cancelled",
		HTTPStatus: http.StatusRequestTimeout,
		Err:        err,
	}
}

// FromHTTPStatus maps a non-2xx backend response to an AppError carrying the
// textual error body.
func FromHTTPStatus(status int, body string) *AppError {
	code := ErrCodeInternalError
	switch status {
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusBadRequest:
		code = ErrCodeBadRequest
	case http.StatusConflict:
		code = ErrCodeConflict
	}
	return &AppError{
		Code:       code,
		Message:    body,
		HTTPStatus: status,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
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
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// IsAborted checks if the error represents a user cancellation.
func IsAborted(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAborted
	}
	return false
}

// IsStreamError checks if the error is a stream failure (transport or
// explicit protocol error event).
func IsStreamError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeStreamError
	}
	return false
}
