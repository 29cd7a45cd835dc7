package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter mounts the liveness and readiness probes. Unmatched routes answer
// with the JSON error body like every other handler.
func NewRouter(readyTimeout time.Duration, checks ...ReadyCheck) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrNotFound})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: ErrMethodNotAllowed})
	})
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return r
}
