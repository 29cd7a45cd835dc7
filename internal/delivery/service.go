// Package delivery drives one gateway send end to end: it resolves the
// integration, persists a Message per attempt, calls the gateway through the
// limiter and breaker, and records the outcome on the message, the integration
// counters and the integration log.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"tasknotif/internal/domain"
	"tasknotif/internal/observability"
	"tasknotif/internal/providers/shihuatong"
	"tasknotif/internal/store"
	"tasknotif/internal/util"
)

type Store interface {
	ActiveIntegration(ctx context.Context) (domain.Integration, bool, error)
	GetIntegration(ctx context.Context, id int64) (domain.Integration, bool, error)
	EnsureIntegration(ctx context.Context, in store.IntegrationSeed) (domain.Integration, error)
	RecordSendOutcome(ctx context.Context, in store.SendOutcome) error
	InsertIntegrationLog(ctx context.Context, l domain.IntegrationLog) error

	InsertMessage(ctx context.Context, m domain.Message) error
	MarkSending(ctx context.Context, id string, now time.Time) (bool, error)
	FinishMessage(ctx context.Context, in store.MessageResult) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	GetMessageByIdempotencyKey(ctx context.Context, key string) (domain.Message, bool, error)
	ClaimRetry(ctx context.Context, id string, now time.Time) (domain.Message, bool, error)
	ReleaseRetry(ctx context.Context, id string, now time.Time) (bool, error)
}

type Gateway interface {
	Send(ctx context.Context, creds shihuatong.Credentials, env shihuatong.Envelope) (shihuatong.Result, error)
}

type Service struct {
	Store   Store
	Gateway Gateway

	// Seed bootstraps the default integration when none exists. An empty
	// WebhookURL disables bootstrapping.
	Seed store.IntegrationSeed

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	MaxRetries      int
	HealthHookToken string
	Now             func() time.Time
}

// NewBreaker trips on gateway availability problems only. Business rejections
// pass through without counting as failures.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  3,
		Timeout:      30 * time.Second,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool { return !shihuatong.Unhealthy(err) },
	})
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Service) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return domain.DefaultMaxRetries
}

// Send creates and attempts a new message. The returned error is non-nil only
// when no attempt could be recorded (no usable integration, or the message row
// could not be created); every gateway or crypto failure is reported through
// the returned message's status instead. A request whose idempotency key was
// already used returns the earlier message without another gateway call.
func (s *Service) Send(ctx context.Context, req domain.SendRequest) (*domain.Message, error) {
	if req.IdempotencyKey != "" {
		prev, ok, err := s.Store.GetMessageByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("load message by idempotency key: %w", err)
		}
		if ok {
			slog.Info("shihuatong duplicate send skipped", "message_id", prev.ID, "idempotency_key", req.IdempotencyKey)
			return &prev, nil
		}
	}

	integ, err := s.resolveIntegration(ctx, req.IntegrationID)
	if err != nil {
		slog.Error("shihuatong send without integration", "hook_token", req.HookToken, "err", err)
		return nil, err
	}

	msgType := req.Type
	if msgType == "" {
		msgType = domain.MessageText
	}
	now := s.now()
	m := &domain.Message{
		ID:                    util.NewMessageID(),
		IntegrationID:         integ.ID,
		Type:                  msgType,
		Title:                 req.Title,
		Content:               req.Content,
		HookToken:             req.HookToken,
		RecipientIDs:          req.RecipientIDs,
		MentionAll:            req.MentionAll,
		RelatedTaskID:         req.RelatedTaskID,
		RelatedNotificationID: req.RelatedNotificationID,
		IdempotencyKey:        req.IdempotencyKey,
		Status:                domain.MessagePending,
		MaxRetries:            s.maxRetries(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.Store.InsertMessage(ctx, *m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return s.attempt(ctx, integ, m), nil
}

// RetryMessage claims a failed message and sends its content again as a new
// message linked through RetryOf. It returns (nil, nil) when the message is not
// retryable or another caller claimed it first.
func (s *Service) RetryMessage(ctx context.Context, id string) (*domain.Message, error) {
	parent, ok, err := s.Store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !parent.CanRetry() {
		return nil, nil
	}
	integ, err := s.resolveIntegration(ctx, parent.IntegrationID)
	if err != nil {
		return nil, err
	}

	parent, ok, err = s.Store.ClaimRetry(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim retry: %w", err)
	}
	if !ok {
		slog.Info("shihuatong retry not claimed", "message_id", id)
		return nil, nil
	}

	now := s.now()
	m := &domain.Message{
		ID:                    util.NewMessageID(),
		IntegrationID:         integ.ID,
		Type:                  parent.Type,
		Title:                 parent.Title,
		Content:               parent.Content,
		HookToken:             parent.HookToken,
		RecipientIDs:          parent.RecipientIDs,
		MentionAll:            parent.MentionAll,
		RelatedTaskID:         parent.RelatedTaskID,
		RelatedNotificationID: parent.RelatedNotificationID,
		Status:                domain.MessagePending,
		RetryCount:            parent.RetryCount,
		MaxRetries:            parent.MaxRetries,
		RetryOf:               parent.ID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.Store.InsertMessage(ctx, *m); err != nil {
		s.releaseRetry(ctx, parent.ID)
		return nil, fmt.Errorf("insert retry message: %w", err)
	}
	slog.Info("shihuatong retry claimed", "message_id", m.ID, "retry_of", parent.ID, "retry_count", m.RetryCount)
	return s.attempt(ctx, integ, m), nil
}

// releaseRetry returns a claimed parent to FAILED so the sweep can pick it up
// again once the store recovers.
func (s *Service) releaseRetry(ctx context.Context, id string) {
	ok, err := s.Store.ReleaseRetry(context.WithoutCancel(ctx), id, s.now())
	if err != nil {
		slog.Error("shihuatong retry release failed", "message_id", id, "err", err)
		return
	}
	if !ok {
		slog.Warn("shihuatong retry release found no claimed message", "message_id", id)
	}
}

// Retry reports whether the retried attempt succeeded.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	m, err := s.RetryMessage(ctx, id)
	if err != nil || m == nil {
		return false, err
	}
	return m.Status == domain.MessageSuccess, nil
}

func (s *Service) resolveIntegration(ctx context.Context, id int64) (domain.Integration, error) {
	if id != 0 {
		integ, ok, err := s.Store.GetIntegration(ctx, id)
		if err != nil {
			return domain.Integration{}, fmt.Errorf("load integration: %w", err)
		}
		if !ok || integ.Status != domain.IntegrationActive {
			return domain.Integration{}, fmt.Errorf("%w: integration %d is missing or not active", domain.ErrConfiguration, id)
		}
		return integ, nil
	}

	integ, ok, err := s.Store.ActiveIntegration(ctx)
	if err != nil {
		return domain.Integration{}, fmt.Errorf("load integration: %w", err)
	}
	if ok {
		return integ, nil
	}

	seed := s.Seed
	if seed.WebhookURL == "" || seed.AppCode == "" || seed.AESKey == "" || seed.AESIV == "" {
		return domain.Integration{}, fmt.Errorf("%w: no active integration and SHT_* defaults are incomplete", domain.ErrConfiguration)
	}
	if seed.Name == "" {
		seed.Name = "default"
	}
	seed.Now = s.now()
	integ, err = s.Store.EnsureIntegration(ctx, seed)
	if err != nil {
		return domain.Integration{}, fmt.Errorf("create default integration: %w", err)
	}
	if integ.Status != domain.IntegrationActive {
		return domain.Integration{}, fmt.Errorf("%w: integration %q is %s", domain.ErrConfiguration, integ.Name, integ.Status)
	}
	slog.Info("shihuatong default integration ready", "integration_id", integ.ID, "name", integ.Name)
	return integ, nil
}

// attempt runs PENDING -> SENDING -> SUCCESS|FAILED for a persisted message.
func (s *Service) attempt(ctx context.Context, integ domain.Integration, m *domain.Message) *domain.Message {
	start := s.now()
	var res shihuatong.Result

	err := s.markSending(ctx, m, start)
	if err == nil {
		var env shihuatong.Envelope
		env, m.EnvelopeID, err = shihuatong.BuildEnvelope(shihuatong.Outgoing{
			HookToken:  m.HookToken,
			Title:      m.Title,
			Content:    m.Content,
			MsgType:    string(m.Type),
			MentionAll: m.MentionAll,
			UserIDs:    m.RecipientIDs,
		})
		if err == nil {
			res, err = s.post(ctx, credentials(integ), env)
		}
	}

	// The outcome is recorded even if the caller gave up.
	s.finish(context.WithoutCancel(ctx), integ, m, res, err, start)
	return m
}

func (s *Service) markSending(ctx context.Context, m *domain.Message, now time.Time) error {
	ok, err := s.Store.MarkSending(ctx, m.ID, now)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if !ok {
		return fmt.Errorf("message %s is no longer pending", m.ID)
	}
	m.Status = domain.MessageSending
	m.UpdatedAt = now
	return nil
}

func (s *Service) post(ctx context.Context, creds shihuatong.Credentials, env shihuatong.Envelope) (shihuatong.Result, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			observability.GatewaySend.WithLabelValues("rate_limited_local", "0").Inc()
			return shihuatong.Result{}, &shihuatong.TransportError{Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}
	if s.Breaker == nil {
		return s.Gateway.Send(ctx, creds, env)
	}

	var res shihuatong.Result
	_, err := s.Breaker.Execute(func() (any, error) {
		var callErr error
		res, callErr = s.Gateway.Send(ctx, creds, env)
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.GatewaySend.WithLabelValues("cb_open", "0").Inc()
		return res, &shihuatong.TransportError{Err: err}
	}
	return res, err
}

func (s *Service) finish(ctx context.Context, integ domain.Integration, m *domain.Message, res shihuatong.Result, sendErr error, start time.Time) {
	now := s.now()
	elapsed := now.Sub(start)

	m.UpdatedAt = now
	if res.HTTPStatus != 0 {
		m.Response = res.Decoded()
	}
	if sendErr == nil {
		m.Status = domain.MessageSuccess
		m.SentAt = &now
		m.LastError = ""
		m.FailureKind = domain.FailureNone
	} else {
		m.Status = domain.MessageFailed
		m.LastError = sendErr.Error()
		m.FailureKind = Classify(sendErr)
	}

	if err := s.Store.FinishMessage(ctx, store.MessageResult{
		ID:          m.ID,
		Status:      m.Status,
		EnvelopeID:  m.EnvelopeID,
		Response:    m.Response,
		LastError:   m.LastError,
		FailureKind: m.FailureKind,
		SentAt:      m.SentAt,
		Now:         now,
	}); err != nil {
		slog.Error("shihuatong persist message failed", "message_id", m.ID, "err", err)
	}
	if err := s.Store.RecordSendOutcome(ctx, store.SendOutcome{
		IntegrationID: integ.ID,
		Success:       sendErr == nil,
		Now:           now,
	}); err != nil {
		slog.Error("shihuatong counter update failed", "integration_id", integ.ID, "err", err)
	}

	request := map[string]any{
		"message_id":  m.ID,
		"hook_token":  m.HookToken,
		"envelope_id": m.EnvelopeID,
		"retry_of":    m.RetryOf,
		"body":        res.Request,
	}
	status := strconv.Itoa(res.HTTPStatus)
	if sendErr == nil {
		observability.GatewaySend.WithLabelValues("ok", status).Inc()
		s.audit(ctx, integ.ID, domain.LevelInfo, domain.OpSendMessage, "message sent", request, m.Response, elapsed)
		slog.Info("shihuatong message sent",
			"message_id", m.ID,
			"integration_id", integ.ID,
			"envelope_id", m.EnvelopeID,
			"duration", elapsed,
		)
	} else {
		observability.GatewaySend.WithLabelValues(string(m.FailureKind), status).Inc()
		s.audit(ctx, integ.ID, domain.LevelError, domain.OpSendMessage, "message failed: "+m.LastError, request, m.Response, elapsed)
		slog.Error("shihuatong message failed",
			"message_id", m.ID,
			"integration_id", integ.ID,
			"failure_kind", m.FailureKind,
			"http_status", res.HTTPStatus,
			"retry_count", m.RetryCount,
			"err", sendErr,
		)
	}
	if res.HTTPStatus != 0 {
		observability.GatewayLatency.Observe(elapsed.Seconds())
	}
}

func (s *Service) audit(ctx context.Context, integrationID int64, level domain.LogLevel, op domain.OperationType, msg string, req, resp any, elapsed time.Duration) {
	err := s.Store.InsertIntegrationLog(ctx, domain.IntegrationLog{
		IntegrationID: integrationID,
		Level:         level,
		Operation:     op,
		Message:       msg,
		Request:       req,
		Response:      resp,
		ExecutionTime: elapsed,
		CreatedAt:     s.now(),
	})
	if err != nil {
		slog.Warn("integration log write failed", "integration_id", integrationID, "op", op, "err", err)
	}
}

// Classify maps an attempt error onto the persisted failure kind.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}
	var (
		ce *shihuatong.CryptoError
		te *shihuatong.TransportError
		re *shihuatong.RejectedError
		he *shihuatong.HTTPError
	)
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return domain.FailureConfiguration
	case errors.As(err, &ce):
		return domain.FailureCrypto
	case errors.As(err, &te):
		return domain.FailureTransport
	case errors.As(err, &re):
		return domain.FailureRejected
	case errors.As(err, &he):
		return domain.FailureHTTP
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.FailureTransport
	}
	return domain.FailureInternal
}

func credentials(in domain.Integration) shihuatong.Credentials {
	return shihuatong.Credentials{
		WebhookURL: in.WebhookURL,
		AppCode:    in.AppCode,
		AppKey:     in.AppKey,
		AppSecret:  in.AppSecret,
		AESKey:     in.AESKey,
		AESIV:      in.AESIV,
	}
}
