package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tasknotif/internal/domain"
	"tasknotif/internal/observability"
	sqsqueue "tasknotif/internal/queue/sqs"
	"tasknotif/internal/retry"
	"tasknotif/internal/util"
)

type Delivery interface {
	Send(ctx context.Context, req domain.SendRequest) (*domain.Message, error)
	RetryMessage(ctx context.Context, id string) (*domain.Message, error)
}

type RetryQueue interface {
	EnqueueRetry(ctx context.Context, messageID string, delay time.Duration) error
}

type LogStore interface {
	UpsertNotificationLog(ctx context.Context, l domain.NotificationLog) error
}

// Processor handles one queued job. It returns an error only when the job
// should be redelivered by SQS; delivery failures are recorded on the message
// and, if the policy allows, rescheduled as a delayed retry job.
type Processor struct {
	Delivery Delivery
	Queue    RetryQueue
	Logs     LogStore
	Policy   retry.Policy
	Now      func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) Process(ctx context.Context, job sqsqueue.Job) error {
	switch job.Kind {
	case sqsqueue.JobSend:
		return p.processSend(ctx, job)
	case sqsqueue.JobRetry:
		return p.processRetry(ctx, job)
	}
	slog.Error("worker unknown job kind", "kind", job.Kind)
	return nil
}

func (p *Processor) processSend(ctx context.Context, job sqsqueue.Job) error {
	if job.Send == nil {
		slog.Error("worker send job without payload")
		return nil
	}
	m, err := p.Delivery.Send(ctx, *job.Send)
	if errors.Is(err, domain.ErrConfiguration) {
		// Nothing to retry until the integration is fixed.
		slog.Error("worker send dropped", "hook_token", job.Send.HookToken, "err", err)
		p.reconcileUnsent(ctx, job.Send.RelatedNotificationID, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	p.Settle(ctx, m)
	return nil
}

func (p *Processor) processRetry(ctx context.Context, job sqsqueue.Job) error {
	m, err := p.Delivery.RetryMessage(ctx, job.MessageID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("worker retry for unknown message", "message_id", job.MessageID)
		return nil
	case errors.Is(err, domain.ErrConfiguration):
		slog.Error("worker retry dropped", "message_id", job.MessageID, "err", err)
		return nil
	case err != nil:
		return fmt.Errorf("retry %s: %w", job.MessageID, err)
	case m == nil:
		// Budget spent, already retried, or claimed by the sweep.
		slog.Info("worker retry skipped", "message_id", job.MessageID)
		return nil
	}
	p.Settle(ctx, m)
	return nil
}

// Settle mirrors the attempt onto its notification log and schedules the
// next retry for a failure the policy still allows.
func (p *Processor) Settle(ctx context.Context, m *domain.Message) {
	reconcile(ctx, p.Logs, m, p.now())
	if m.Status != domain.MessageFailed || p.Queue == nil {
		return
	}
	delay, ok := p.Policy.Next(m.RetryCount, m.Failure())
	if !ok {
		return
	}
	if err := p.Queue.EnqueueRetry(ctx, m.ID, delay); err != nil {
		// The scheduled sweep still picks the message up.
		observability.Enqueues.WithLabelValues("retry", "error").Inc()
		slog.Warn("worker retry enqueue failed", "message_id", m.ID, "err", err)
		return
	}
	observability.Enqueues.WithLabelValues("retry", "ok").Inc()
	slog.Info("worker retry scheduled", "message_id", m.ID, "retry_count", m.RetryCount, "delay", delay)
}

func (p *Processor) reconcileUnsent(ctx context.Context, notificationID string, cause error) {
	if notificationID == "" || p.Logs == nil {
		return
	}
	l := domain.NotificationLog{
		NotificationID: notificationID,
		Channel:        domain.ChannelShihuatong,
		Status:         domain.LogFailed,
		Error:          cause.Error(),
		MaxRetries:     domain.DefaultMaxRetries,
		CreatedAt:      p.now(),
	}
	if err := p.Logs.UpsertNotificationLog(ctx, l); err != nil {
		slog.Warn("worker notification log update failed", "notification_id", notificationID, "err", err)
	}
}

// reconcile records a gateway attempt's outcome on the notification that
// produced it. Later attempts overwrite earlier ones.
func reconcile(ctx context.Context, logs LogStore, m *domain.Message, now time.Time) {
	if m.RelatedNotificationID == "" || logs == nil {
		return
	}
	l := domain.NotificationLog{
		NotificationID: m.RelatedNotificationID,
		Channel:        domain.ChannelShihuatong,
		Response:       m.Response,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		CreatedAt:      now,
	}
	if m.Status == domain.MessageSuccess {
		l.Status = domain.LogSuccess
		l.SentAt = m.SentAt
	} else {
		l.Status = domain.LogFailed
		l.Error = m.LastError
	}
	// Detached: the attempt already happened and its log must follow.
	if err := logs.UpsertNotificationLog(context.WithoutCancel(ctx), l); err != nil {
		slog.Warn("worker notification log update failed", "notification_id", l.NotificationID, "message_id", m.ID, "err", err)
		return
	}
	observability.NotificationLogs.WithLabelValues(string(l.Channel), string(l.Status)).Inc()
}
