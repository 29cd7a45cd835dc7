package delivery

import (
	"context"
	"time"

	"tasknotif/internal/domain"
)

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthError     = "error"

	defaultHealthHookToken = "test"
)

type HealthReport struct {
	Status          string     `json:"status"`
	IntegrationID   int64      `json:"integrationId,omitempty"`
	IntegrationName string     `json:"integrationName,omitempty"`
	SuccessRate     float64    `json:"successRate"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	TestMessageID   string     `json:"testMessageId,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// HealthCheck pushes a synthetic message to the test hook token and reports
// on the integration it went through.
func (s *Service) HealthCheck(ctx context.Context) HealthReport {
	start := s.now()
	token := s.HealthHookToken
	if token == "" {
		token = defaultHealthHookToken
	}

	m, err := s.Send(ctx, domain.SendRequest{
		HookToken: token,
		Title:     "Health check",
		Content:   "Integration connectivity test",
		Type:      domain.MessageText,
	})
	if err != nil {
		return HealthReport{Status: HealthError, Error: err.Error()}
	}

	rep := HealthReport{Status: HealthHealthy, IntegrationID: m.IntegrationID, TestMessageID: m.ID}
	if m.Status != domain.MessageSuccess {
		rep.Status = HealthUnhealthy
		rep.Error = m.LastError
	}
	if integ, ok, err := s.Store.GetIntegration(ctx, m.IntegrationID); err == nil && ok {
		rep.IntegrationName = integ.Name
		rep.SuccessRate = integ.SuccessRate()
		rep.LastUsedAt = integ.LastUsedAt
	}

	level := domain.LevelInfo
	if rep.Status != HealthHealthy {
		level = domain.LevelWarn
	}
	s.audit(context.WithoutCancel(ctx), m.IntegrationID, level, domain.OpHealthCheck, "health check "+rep.Status,
		map[string]any{"hook_token": token, "message_id": m.ID}, rep, s.now().Sub(start))
	return rep
}
