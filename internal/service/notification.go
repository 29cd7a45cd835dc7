package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tasknotif/internal/channels"
	"tasknotif/internal/domain"
	"tasknotif/internal/observability"
	"tasknotif/internal/store"
	"tasknotif/internal/util"
)

type Store interface {
	GetOrCreateSettings(ctx context.Context, userID int64) (domain.UserNotificationSettings, error)
	GetChannelMapping(ctx context.Context, userID int64) (domain.UserChannelMapping, bool, error)

	InsertNotification(ctx context.Context, n domain.Notification) error
	UpsertNotificationLog(ctx context.Context, l domain.NotificationLog) error
	ListNotificationLogs(ctx context.Context, notificationID string) ([]domain.NotificationLog, error)

	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, userID int64, now time.Time) (bool, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
}

type Queue interface {
	EnqueueSend(ctx context.Context, req domain.SendRequest) error
}

const (
	reasonMissingMapping = "recipient has no active shihuatong mapping"
	reasonNoHookToken    = "shihuatong mapping has no default hook token"
)

type NotificationService struct {
	Store Store
	Queue Queue
	Email channels.Sender
	SMS   channels.Sender

	// Location is the zone do-not-disturb windows are evaluated in. Nil means UTC.
	Location *time.Location
	Now      func() time.Time

	wg sync.WaitGroup
}

func (s *NotificationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *NotificationService) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// Create stores the notification with its filtered channel list and returns it
// immediately. Channel delivery runs in the background; Wait blocks until it
// has finished.
func (s *NotificationService) Create(ctx context.Context, req domain.NotificationRequest) (domain.Notification, error) {
	if err := req.Validate(); err != nil {
		return domain.Notification{}, err
	}
	settings, err := s.Store.GetOrCreateSettings(ctx, req.RecipientID)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("load settings: %w", err)
	}

	requested := req.Channels
	if len(requested) == 0 {
		requested = []domain.Channel{domain.ChannelSystem}
	}
	now := s.now()
	allowed, dropped := FilterChannels(requested, req.Type, settings, now.In(s.location()))
	for _, d := range dropped {
		observability.ChannelFiltered.WithLabelValues(string(d.Channel), d.Reason).Inc()
	}

	n := domain.Notification{
		ID:            util.NewNotificationID(),
		RecipientID:   req.RecipientID,
		SenderID:      req.SenderID,
		Type:          req.Type,
		Title:         req.Title,
		Content:       req.Content,
		RelatedTaskID: req.RelatedTaskID,
		Channels:      allowed,
		Status:        domain.NotificationUnread,
		Extra:         req.Extra,
		CreatedAt:     now,
	}
	if err := s.Store.InsertNotification(ctx, n); err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	slog.Info("notification created",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"type", n.Type,
		"channels", n.Channels,
	)

	// Delivery outlives the request that created the notification.
	bg := context.WithoutCancel(ctx)
	for _, ch := range n.Channels {
		s.wg.Add(1)
		go func(ch domain.Channel) {
			defer s.wg.Done()
			s.dispatch(bg, n, ch)
		}(ch)
	}
	return n, nil
}

// Wait blocks until every dispatched channel has logged its outcome.
func (s *NotificationService) Wait() { s.wg.Wait() }

func (s *NotificationService) dispatch(ctx context.Context, n domain.Notification, ch domain.Channel) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification channel panic", "notification_id", n.ID, "channel", ch, "panic", r)
			s.writeLog(ctx, n.ID, ch, domain.LogFailed, nil, fmt.Sprintf("panic: %v", r))
		}
	}()

	switch ch {
	case domain.ChannelSystem:
		// Persisting the notification is the delivery.
		s.writeLog(ctx, n.ID, ch, domain.LogSuccess, nil, "")
	case domain.ChannelEmail:
		s.sendVia(ctx, s.Email, n, ch)
	case domain.ChannelSMS:
		s.sendVia(ctx, s.SMS, n, ch)
	case domain.ChannelShihuatong:
		s.sendShihuatong(ctx, n)
	default:
		s.writeLog(ctx, n.ID, ch, domain.LogFailed, nil, "unsupported channel")
	}
}

func (s *NotificationService) sendVia(ctx context.Context, sender channels.Sender, n domain.Notification, ch domain.Channel) {
	if sender == nil {
		sender = channels.LogOnly{Channel: ch}
	}
	resp, err := sender.Send(ctx, n)
	if err != nil {
		slog.Error("notification channel send failed", "notification_id", n.ID, "channel", ch, "err", err)
		s.writeLog(ctx, n.ID, ch, domain.LogFailed, resp, err.Error())
		return
	}
	s.writeLog(ctx, n.ID, ch, domain.LogSuccess, resp, "")
}

// sendShihuatong hands the message to the queue. The pending row is written
// before the job exists so the worker's outcome always lands on top of it.
func (s *NotificationService) sendShihuatong(ctx context.Context, n domain.Notification) {
	mapping, ok, err := s.Store.GetChannelMapping(ctx, n.RecipientID)
	if err != nil {
		s.writeLog(ctx, n.ID, domain.ChannelShihuatong, domain.LogFailed, nil, "load mapping: "+err.Error())
		return
	}
	if !ok || mapping.Status != domain.MappingActive {
		slog.Warn("notification recipient has no shihuatong mapping", "notification_id", n.ID, "recipient_id", n.RecipientID)
		s.writeLog(ctx, n.ID, domain.ChannelShihuatong, domain.LogFailed, nil, reasonMissingMapping)
		return
	}
	if mapping.DefaultHookToken == "" {
		s.writeLog(ctx, n.ID, domain.ChannelShihuatong, domain.LogFailed, nil, reasonNoHookToken)
		return
	}

	req := domain.SendRequest{
		HookToken:             mapping.DefaultHookToken,
		Title:                 n.Title,
		Content:               n.Content,
		Type:                  domain.MessageText,
		RecipientIDs:          []string{mapping.ExternalUserID},
		RelatedTaskID:         n.RelatedTaskID,
		RelatedNotificationID: n.ID,
		IdempotencyKey:        n.ID + ":" + string(domain.ChannelShihuatong),
	}
	s.writeLog(ctx, n.ID, domain.ChannelShihuatong, domain.LogPending, nil, "")
	if err := s.Queue.EnqueueSend(ctx, req); err != nil {
		observability.Enqueues.WithLabelValues("send", "error").Inc()
		slog.Error("notification enqueue failed", "notification_id", n.ID, "err", err)
		s.writeLog(ctx, n.ID, domain.ChannelShihuatong, domain.LogFailed, nil, "enqueue: "+err.Error())
		return
	}
	observability.Enqueues.WithLabelValues("send", "ok").Inc()
}

func (s *NotificationService) writeLog(ctx context.Context, notificationID string, ch domain.Channel, status domain.LogStatus, resp map[string]any, errMsg string) {
	now := s.now()
	l := domain.NotificationLog{
		NotificationID: notificationID,
		Channel:        ch,
		Status:         status,
		Response:       resp,
		Error:          errMsg,
		MaxRetries:     domain.DefaultMaxRetries,
		CreatedAt:      now,
	}
	if status == domain.LogSuccess {
		l.SentAt = &now
	}
	if err := s.Store.UpsertNotificationLog(ctx, l); err != nil {
		slog.Error("notification log write failed", "notification_id", notificationID, "channel", ch, "err", err)
		return
	}
	observability.NotificationLogs.WithLabelValues(string(ch), string(status)).Inc()
}

func (s *NotificationService) MarkRead(ctx context.Context, notificationID string, userID int64) (bool, error) {
	return s.Store.MarkNotificationRead(ctx, notificationID, userID, s.now())
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.Store.UnreadCount(ctx, userID)
}

func (s *NotificationService) List(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error) {
	if f.Limit <= 0 {
		f.Limit = store.DefaultListLimit
	}
	return s.Store.ListNotifications(ctx, f)
}

func (s *NotificationService) Logs(ctx context.Context, notificationID string) ([]domain.NotificationLog, error) {
	return s.Store.ListNotificationLogs(ctx, notificationID)
}
