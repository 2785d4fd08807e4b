package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest            = "BAD_REQUEST"
	ErrUnauthorized          = "UNAUTHORIZED"
	ErrForbidden             = "FORBIDDEN"
	ErrNotFound              = "NOT_FOUND"
	ErrConflict              = "CONFLICT"
	ErrInvalidTransition     = "INVALID_TRANSITION"
	ErrInternalError         = "INTERNAL_ERROR"
	ErrBackendUnavailable    = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout        = "BACKEND_TIMEOUT"
	ErrWriteFailed           = "WRITE_FAILED"
	ErrClassificationTimeout = "CLASSIFICATION_TIMEOUT"
	ErrRunInProgress         = "RUN_IN_PROGRESS"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the error code carried by err, or INTERNAL_ERROR when err
// does not carry one.
func CodeOf(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The context broker is temporarily unavailable",
	}
}

// NewClassificationTimeoutError returns a CLASSIFICATION_TIMEOUT error.
func NewClassificationTimeoutError(reportID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrClassificationTimeout,
		Message: fmt.Sprintf("classification for report %q did not complete in time", reportID),
	}
}

// NewRunInProgressError returns a RUN_IN_PROGRESS error.
func NewRunInProgressError(reportID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunInProgress,
		Message: fmt.Sprintf("a classification run for report %q is already in progress", reportID),
	}
}
