// Package storetest provides an in-memory stand-in for the Postgres store with
// the same conditional-update semantics, for use in tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tasknotif/internal/domain"
	"tasknotif/internal/store"
)

// ErrDuplicateKey mirrors the unique violation on messages.idempotency_key.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

type Store struct {
	mu sync.Mutex

	nextIntegrationID int64
	Integrations      map[int64]*domain.Integration
	Messages          map[string]*domain.Message
	IntegrationLogs   []domain.IntegrationLog
	Mappings          map[int64]domain.UserChannelMapping
	Settings          map[int64]domain.UserNotificationSettings
	Notifications     map[string]*domain.Notification
	NotificationLogs  map[string]map[domain.Channel]domain.NotificationLog

	// Err, when set, is returned by every call.
	Err error
}

func New() *Store {
	return &Store{
		Integrations:     map[int64]*domain.Integration{},
		Messages:         map[string]*domain.Message{},
		Mappings:         map[int64]domain.UserChannelMapping{},
		Settings:         map[int64]domain.UserNotificationSettings{},
		Notifications:    map[string]*domain.Notification{},
		NotificationLogs: map[string]map[domain.Channel]domain.NotificationLog{},
	}
}

// AddIntegration stores in with a fresh id and returns it.
func (s *Store) AddIntegration(in domain.Integration) domain.Integration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIntegrationID++
	in.ID = s.nextIntegrationID
	if in.Status == "" {
		in.Status = domain.IntegrationActive
	}
	s.Integrations[in.ID] = &in
	return in
}

func (s *Store) ActiveIntegration(ctx context.Context) (domain.Integration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Integration{}, false, s.Err
	}
	var best *domain.Integration
	for _, in := range s.Integrations {
		if in.Status == domain.IntegrationActive && (best == nil || in.ID < best.ID) {
			best = in
		}
	}
	if best == nil {
		return domain.Integration{}, false, nil
	}
	return *best, true, nil
}

func (s *Store) GetIntegration(ctx context.Context, id int64) (domain.Integration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Integration{}, false, s.Err
	}
	in, ok := s.Integrations[id]
	if !ok {
		return domain.Integration{}, false, nil
	}
	return *in, true, nil
}

func (s *Store) EnsureIntegration(ctx context.Context, seed store.IntegrationSeed) (domain.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Integration{}, s.Err
	}
	for _, in := range s.Integrations {
		if in.Name == seed.Name {
			return *in, nil
		}
	}
	s.nextIntegrationID++
	in := &domain.Integration{
		ID:         s.nextIntegrationID,
		Name:       seed.Name,
		WebhookURL: seed.WebhookURL,
		AppCode:    seed.AppCode,
		AppKey:     seed.AppKey,
		AppSecret:  seed.AppSecret,
		AESKey:     seed.AESKey,
		AESIV:      seed.AESIV,
		Status:     domain.IntegrationActive,
		CreatedAt:  seed.Now,
		UpdatedAt:  seed.Now,
	}
	s.Integrations[in.ID] = in
	return *in, nil
}

func (s *Store) RecordSendOutcome(ctx context.Context, o store.SendOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	in, ok := s.Integrations[o.IntegrationID]
	if !ok {
		return nil
	}
	in.TotalSent++
	if o.Success {
		in.SuccessSent++
	} else {
		in.FailedSent++
	}
	at := o.Now
	in.LastUsedAt = &at
	in.UpdatedAt = o.Now
	return nil
}

func (s *Store) InsertIntegrationLog(ctx context.Context, l domain.IntegrationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.IntegrationLogs = append(s.IntegrationLogs, l)
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if m.IdempotencyKey != "" {
		for _, other := range s.Messages {
			if other.IdempotencyKey == m.IdempotencyKey {
				return ErrDuplicateKey
			}
		}
	}
	s.Messages[m.ID] = &m
	return nil
}

func (s *Store) GetMessageByIdempotencyKey(ctx context.Context, key string) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Message{}, false, s.Err
	}
	for _, m := range s.Messages {
		if m.IdempotencyKey == key {
			return *m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (s *Store) MarkSending(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	m, ok := s.Messages[id]
	if !ok || m.Status != domain.MessagePending {
		return false, nil
	}
	m.Status = domain.MessageSending
	m.UpdatedAt = now
	return true, nil
}

func (s *Store) FinishMessage(ctx context.Context, in store.MessageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	m, ok := s.Messages[in.ID]
	if !ok {
		return nil
	}
	m.Status = in.Status
	m.EnvelopeID = in.EnvelopeID
	m.Response = in.Response
	m.LastError = in.LastError
	m.FailureKind = in.FailureKind
	m.SentAt = in.SentAt
	m.UpdatedAt = in.Now
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Message{}, false, s.Err
	}
	m, ok := s.Messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return *m, true, nil
}

func (s *Store) ClaimRetry(ctx context.Context, id string, now time.Time) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Message{}, false, s.Err
	}
	m, ok := s.Messages[id]
	if !ok || m.Status != domain.MessageFailed || m.RetryCount >= m.MaxRetries {
		return domain.Message{}, false, nil
	}
	m.Status = domain.MessageRetry
	m.RetryCount++
	m.UpdatedAt = now
	return *m, true, nil
}

func (s *Store) ReleaseRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	m, ok := s.Messages[id]
	if !ok || m.Status != domain.MessageRetry || m.RetryCount == 0 {
		return false, nil
	}
	m.Status = domain.MessageFailed
	m.RetryCount--
	m.UpdatedAt = now
	return true, nil
}

func (s *Store) ListRetryable(ctx context.Context, q store.RetryQuery) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.Message
	for _, m := range s.Messages {
		if m.Status == domain.MessageFailed && m.RetryCount < m.MaxRetries && !m.CreatedAt.Before(q.CreatedAfter) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, m := range s.Messages {
		if m.CreatedAt.Before(cutoff) {
			delete(s.Messages, id)
			n++
		}
	}
	for _, m := range s.Messages {
		if _, ok := s.Messages[m.RetryOf]; m.RetryOf != "" && !ok {
			m.RetryOf = ""
		}
	}
	return n, nil
}

func (s *Store) GetChannelMapping(ctx context.Context, userID int64) (domain.UserChannelMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.UserChannelMapping{}, false, s.Err
	}
	m, ok := s.Mappings[userID]
	return m, ok, nil
}

func (s *Store) GetOrCreateSettings(ctx context.Context, userID int64) (domain.UserNotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.UserNotificationSettings{}, s.Err
	}
	st, ok := s.Settings[userID]
	if !ok {
		st = domain.DefaultSettings(userID)
		s.Settings[userID] = st
	}
	return st, nil
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Notifications[n.ID] = &n
	return nil
}

func (s *Store) UpsertNotificationLog(ctx context.Context, l domain.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	byChannel, ok := s.NotificationLogs[l.NotificationID]
	if !ok {
		byChannel = map[domain.Channel]domain.NotificationLog{}
		s.NotificationLogs[l.NotificationID] = byChannel
	}
	if prev, ok := byChannel[l.Channel]; ok {
		l.CreatedAt = prev.CreatedAt
	}
	byChannel[l.Channel] = l
	return nil
}

func (s *Store) ListNotificationLogs(ctx context.Context, notificationID string) ([]domain.NotificationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.NotificationLog
	for _, l := range s.NotificationLogs[notificationID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// Log returns the log row for one channel, if any.
func (s *Store) Log(notificationID string, ch domain.Channel) (domain.NotificationLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.NotificationLogs[notificationID][ch]
	return l, ok
}

func (s *Store) ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.Notification
	for _, n := range s.Notifications {
		if n.RecipientID != f.UserID {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, userID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	n, ok := s.Notifications[id]
	if !ok || n.RecipientID != userID {
		return false, nil
	}
	n.Status = domain.NotificationRead
	if n.ReadAt == nil {
		at := now
		n.ReadAt = &at
	}
	return true, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	n := 0
	for _, x := range s.Notifications {
		if x.RecipientID == userID && x.Status == domain.NotificationUnread {
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}
