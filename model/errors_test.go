package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Report not found"}
	want := "NOT_FOUND: Report not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewClassificationTimeoutError(t *testing.T) {
	e := NewClassificationTimeoutError("urn:ngsi-ld:CitizenReport:1")
	if e.Code != ErrClassificationTimeout {
		t.Errorf("Code = %q, want %q", e.Code, ErrClassificationTimeout)
	}
}

type codedErr struct{ code string }

func (e codedErr) Error() string     { return e.code }
func (e codedErr) ErrorCode() string { return e.code }

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"envelope", NewNotFoundError("x"), ErrNotFound},
		{"wrapped envelope", fmt.Errorf("ctx: %w", NewConflictError("x")), ErrConflict},
		{"coded error", codedErr{code: ErrWriteFailed}, ErrWriteFailed},
		{"wrapped coded error", fmt.Errorf("patch: %w", codedErr{code: ErrBackendTimeout}), ErrBackendTimeout},
		{"plain error", errors.New("boom"), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
