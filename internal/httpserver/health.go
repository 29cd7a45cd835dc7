package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyCheck is one named dependency probe, e.g. the database ping.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

type probeBody struct {
	Status string `json:"status"`
	Failed string `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, probeBody{Status: "ok"})
	}
}

// Readyz runs the checks in order under one timeout and reports the first
// one that fails.
func Readyz(timeout time.Duration, checks ...ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				writeJSON(w, http.StatusServiceUnavailable, probeBody{Status: "not ready", Failed: c.Name})
				return
			}
		}
		writeJSON(w, http.StatusOK, probeBody{Status: "ready"})
	}
}
