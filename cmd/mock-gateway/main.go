// Command mock-gateway stands in for the Shihuatong webhook during local runs.
// It verifies the signing headers, decrypts the envelope and answers with a
// configurable outcome.
package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tasknotif/internal/config"
	"tasknotif/internal/httpserver"
	"tasknotif/internal/logging"
	"tasknotif/internal/providers/shihuatong"
)

const (
	outcomeOK        = "ok"
	outcomeReject    = "reject"
	outcomeHTTP500   = "http500"
	outcomeRateLimit = "rate_limit"
	outcomeTimeout   = "timeout"
)

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type server struct {
	creds        shihuatong.Credentials
	mode         string
	outcomes     []string
	successRate  float64
	weights      []weightedOutcome
	delay        time.Duration
	timeoutDelay time.Duration

	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	cfg := config.LoadMockGateway()
	logging.Init("mock-gateway", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg)
	router := httpserver.NewRouter(0)
	router.HandleFunc("/webhook", s.handlePush).Methods(http.MethodPost)
	router.HandleFunc("/webhook/{token}", s.handlePush).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port, "mode", s.mode, "outcomes", s.outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(router)); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config.MockGatewayConfig) *server {
	s := &server{
		creds: shihuatong.Credentials{
			AppCode:   cfg.AppCode,
			AppKey:    cfg.AppKey,
			AppSecret: cfg.AppSecret,
			AESKey:    cfg.AESKey,
			AESIV:     cfg.AESIV,
		},
		mode:         strings.ToLower(cfg.OutcomeMode),
		outcomes:     parseCSV(cfg.Outcomes),
		successRate:  cfg.SuccessRate,
		weights:      parseWeightedOutcomes(cfg.FailureWeights),
		delay:        cfg.Delay,
		timeoutDelay: cfg.TimeoutDelay,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if len(s.weights) == 0 {
		s.weights = []weightedOutcome{{Kind: outcomeReject, Weight: 1}}
	}
	return s
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	env, err := shihuatong.VerifyRequest(r.Header, body, s.creds)
	switch {
	case errors.Is(err, shihuatong.ErrBadHash), errors.Is(err, shihuatong.ErrBadSignature):
		slog.Warn("mock gateway rejected signature", "err", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case err != nil:
		slog.Warn("mock gateway bad payload", "err", err)
		writeJSON(w, http.StatusOK, shihuatong.Response{Status: "1001", FailureMsg: err.Error()})
		return
	}
	text, reminder, err := shihuatong.ParseText(env)
	if err != nil {
		writeJSON(w, http.StatusOK, shihuatong.Response{Status: "1002", FailureMsg: "bad data: " + err.Error()})
		return
	}

	if s.delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.delay):
		}
	}

	outcome := s.nextOutcome()
	slog.Info("mock gateway push",
		"envelope_id", env.ID,
		"hook_token", env.HookToken,
		"mention_all", reminder.All,
		"user_ids", reminder.UserIDs,
		"text_len", len(text),
		"outcome", outcome,
	)
	s.respond(w, r, outcome)
}

func (s *server) respond(w http.ResponseWriter, r *http.Request, outcome string) {
	kind, code, _ := strings.Cut(outcome, ":")
	switch kind {
	case outcomeOK, "success":
		writeJSON(w, http.StatusOK, shihuatong.Response{Status: shihuatong.StatusAccepted})
	case outcomeReject:
		if code == "" {
			code = "40001"
		}
		writeJSON(w, http.StatusOK, shihuatong.Response{Status: code, FailureMsg: "hook token invalid"})
	case outcomeRateLimit, "429":
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case outcomeTimeout:
		select {
		case <-r.Context().Done():
		case <-time.After(s.timeoutDelay):
		}
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	case outcomeHTTP500, "500":
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		status := http.StatusInternalServerError
		if n, err := strconv.Atoi(kind); err == nil && n >= 400 && n < 600 {
			status = n
		}
		http.Error(w, "mock error: "+kind, status)
	}
}

func (s *server) nextOutcome() string {
	switch s.mode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.outcomes[int(idx%uint64(len(s.outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.successRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return outcomeOK
		}
		return pickWeighted(r, s.weights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.outcomes))
		s.rngMu.Unlock()
		return s.outcomes[i]
	default:
		return s.outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{outcomeOK}
	}
	return out
}

// parseWeightedOutcomes reads "kind:weight,kind:weight", skipping malformed pairs.
func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		kind = strings.TrimSpace(kind)
		if err != nil || w <= 0 || kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return outcomeReject
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
