// Package transport contains the HTTP router, middleware chain, and request
// handlers for the report workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/urbanreflex/reportflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrInvalidTransition:     http.StatusUnprocessableEntity,
	model.ErrInternalError:         http.StatusInternalServerError,
	model.ErrBackendUnavailable:    http.StatusBadGateway,
	model.ErrBackendTimeout:        http.StatusGatewayTimeout,
	model.ErrWriteFailed:           http.StatusBadGateway,
	model.ErrClassificationTimeout: http.StatusGatewayTimeout,
	model.ErrRunInProgress:         http.StatusConflict,
}

// messageForCode is the client-facing message for errors that carry a code
// but no envelope of their own. Upstream response bodies are never echoed.
var messageForCode = map[string]string{
	model.ErrNotFound:           "Report not found",
	model.ErrBackendUnavailable: "The context broker is temporarily unavailable",
	model.ErrBackendTimeout:     "The context broker did not respond in time",
	model.ErrWriteFailed:        "The context broker rejected the update",
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors without a known code become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}

func envelopeFor(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	code := model.CodeOf(err)
	msg, ok := messageForCode[code]
	if !ok {
		return model.NewInternalError()
	}
	return &model.ErrorEnvelope{Code: code, Message: msg}
}
