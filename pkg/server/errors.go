package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/costguard/pkg/controlplane"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/usage"
)

// Error types carried in error responses.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeTooLarge       = "request_too_large"
	ErrorTypeRateLimited    = "rate_limit_exceeded"
	ErrorTypeRejected       = "request_rejected"
	ErrorTypeUnavailable    = "service_unavailable"
	ErrorTypeServerError    = "server_error"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Fields lists schema violations of a rejected ingest batch.
	Fields []usage.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, typ, msg string) {
	writeJSON(w, code, ErrorResponse{Error: ErrorDetail{Type: typ, Message: msg}})
}

// writeErr maps a control plane error to a status code.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *usage.ValidationError
		rejected *routing.RejectedError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Type: ErrorTypeInvalidRequest, Message: verr.Error(), Fields: verr.Errors,
		}})
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, ErrorTypeTooLarge, err.Error())
	case errors.Is(err, usage.ErrEmptyScope),
		errors.Is(err, guard.ErrInvalidScope),
		errors.Is(err, routing.ErrEmptyPrompt),
		errors.Is(err, controlplane.ErrUnsupportedPeriod):
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, err.Error())
	case errors.Is(err, controlplane.ErrUnknownScope):
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, err.Error())
	case errors.As(err, &rejected):
		writeError(w, http.StatusUnprocessableEntity, ErrorTypeRejected, err.Error())
	case errors.Is(err, routing.ErrNoCandidates):
		writeError(w, http.StatusUnprocessableEntity, ErrorTypeRejected, err.Error())
	case errors.Is(err, optimization.ErrAutoRoutingDisabled):
		writeError(w, http.StatusServiceUnavailable, ErrorTypeUnavailable, err.Error())
	default:
		requestLogger(r, s.logger).Error("request failed", errorFields(r, err)...)
		writeError(w, http.StatusInternalServerError, ErrorTypeServerError,
			"An internal error occurred. Please try again later.")
	}
}
