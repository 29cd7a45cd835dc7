package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tasknotif/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrInvalidUserID    = "invalid user id"
	ErrInvalidLimit     = "invalid limit"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrMethodNotAllowed = "method not allowed"
	ErrNotRetryable     = "message is not retryable"
	ErrUnconfigured     = "gateway integration not configured"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps domain sentinels onto status codes. Anything unrecognised is
// a dependency failure and its detail is logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrInvalidMessageType),
		errors.Is(err, domain.ErrInvalidChannel),
		errors.Is(err, domain.ErrInvalidType),
		errors.Is(err, domain.ErrNoRecipients):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrNotFound})
	case errors.Is(err, domain.ErrConfiguration):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: ErrUnconfigured, Detail: err.Error()})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: ErrDependency})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
