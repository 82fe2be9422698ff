// Package httpserver contains the REST handlers and middleware for the
// generation and gallery API. It stays a thin layer: parsing, validation,
// error mapping; behavior lives in the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lumagallery/luma/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain sentinels onto the error envelope and HTTP
// status. Unrecognized errors surface as internal without leaking detail.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	kind := "internal"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrBadCursor):
		status, kind = http.StatusBadRequest, "bad_cursor"
	case errors.Is(err, domain.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrBackendUnavailable):
		status, kind = http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, domain.ErrBackendRejected):
		status, kind = http.StatusUnprocessableEntity, "backend_rejected"
	case errors.Is(err, domain.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrOutputMissing):
		status, kind = http.StatusInternalServerError, "output_missing"
	default:
		msg = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Kind: kind, Message: msg, Details: details}})
}
