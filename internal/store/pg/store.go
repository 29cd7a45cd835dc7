package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasknotif/internal/domain"
	"tasknotif/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const integrationCols = `
	id, name, webhook_url, app_code, app_key, app_secret, aes_key, aes_iv, status,
	total_sent, success_sent, failed_sent, last_used_at, created_at, updated_at`

func scanIntegration(row pgx.Row) (domain.Integration, error) {
	var in domain.Integration
	err := row.Scan(&in.ID, &in.Name, &in.WebhookURL, &in.AppCode, &in.AppKey, &in.AppSecret,
		&in.AESKey, &in.AESIV, &in.Status, &in.TotalSent, &in.SuccessSent, &in.FailedSent,
		&in.LastUsedAt, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

// ActiveIntegration returns the oldest active integration.
func (s *Store) ActiveIntegration(ctx context.Context) (domain.Integration, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+integrationCols+`
		FROM integrations WHERE status='active' ORDER BY id LIMIT 1`)
	return found(scanIntegration(row))
}

func (s *Store) GetIntegration(ctx context.Context, id int64) (domain.Integration, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+integrationCols+` FROM integrations WHERE id=$1`, id)
	return found(scanIntegration(row))
}

// EnsureIntegration inserts the seed or returns the existing row with the same name.
// Concurrent first sends all end up with the same row.
func (s *Store) EnsureIntegration(ctx context.Context, in store.IntegrationSeed) (domain.Integration, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO integrations (name, webhook_url, app_code, app_key, app_secret, aes_key, aes_iv, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'active',$8,$8)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING `+integrationCols,
		in.Name, in.WebhookURL, in.AppCode, in.AppKey, in.AppSecret, in.AESKey, in.AESIV, in.Now)
	return scanIntegration(row)
}

// RecordSendOutcome bumps the counters atomically so total == success + failed always holds.
func (s *Store) RecordSendOutcome(ctx context.Context, in store.SendOutcome) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE integrations
		SET total_sent   = total_sent + 1,
		    success_sent = success_sent + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_sent  = failed_sent + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_used_at = $3,
		    updated_at   = $3
		WHERE id=$1
	`, in.IntegrationID, in.Success, in.Now)
	return err
}

func (s *Store) InsertIntegrationLog(ctx context.Context, l domain.IntegrationLog) error {
	reqB, _ := json.Marshal(l.Request)
	respB, _ := json.Marshal(l.Response)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO integration_logs (integration_id, level, operation_type, message, request_json, response_json, execution_time_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, l.IntegrationID, l.Level, l.Operation, l.Message, reqB, respB, l.ExecutionTime.Milliseconds(), l.CreatedAt)
	return err
}

const messageCols = `
	id, integration_id, message_type, title, content, hook_token, recipient_ids, mention_all,
	COALESCE(related_task_id,''), COALESCE(related_notification_id,''), COALESCE(envelope_id,''),
	COALESCE(idempotency_key,''), status, response_json, COALESCE(last_error,''), COALESCE(failure_kind,''),
	retry_count, max_retries, COALESCE(retry_of,''), created_at, updated_at, sent_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	var recipients, resp []byte
	err := row.Scan(&m.ID, &m.IntegrationID, &m.Type, &m.Title, &m.Content, &m.HookToken, &recipients,
		&m.MentionAll, &m.RelatedTaskID, &m.RelatedNotificationID, &m.EnvelopeID, &m.IdempotencyKey,
		&m.Status, &resp, &m.LastError, &m.FailureKind, &m.RetryCount, &m.MaxRetries, &m.RetryOf,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt)
	if err != nil {
		return domain.Message{}, err
	}
	_ = json.Unmarshal(recipients, &m.RecipientIDs)
	if len(resp) > 0 {
		_ = json.Unmarshal(resp, &m.Response)
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	recipients := m.RecipientIDs
	if recipients == nil {
		recipients = []string{}
	}
	b, _ := json.Marshal(recipients)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, integration_id, message_type, title, content, hook_token, recipient_ids, mention_all,
		                      related_task_id, related_notification_id, idempotency_key, status, retry_count,
		                      max_retries, retry_of, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
	`, m.ID, m.IntegrationID, m.Type, m.Title, m.Content, m.HookToken, b, m.MentionAll,
		nullIfEmpty(m.RelatedTaskID), nullIfEmpty(m.RelatedNotificationID), nullIfEmpty(m.IdempotencyKey),
		m.Status, m.RetryCount, m.MaxRetries, nullIfEmpty(m.RetryOf), m.CreatedAt)
	return err
}

// MarkSending moves a pending message to sending. It is a no-op for any other state.
func (s *Store) MarkSending(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='sending', updated_at=$2 WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) FinishMessage(ctx context.Context, in store.MessageResult) error {
	var respB []byte
	if in.Response != nil {
		respB, _ = json.Marshal(in.Response)
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET status=$2, envelope_id=$3, response_json=$4, last_error=$5, failure_kind=$6, sent_at=$7, updated_at=$8
		WHERE id=$1
	`, in.ID, in.Status, nullIfEmpty(in.EnvelopeID), respB, nullIfEmpty(in.LastError),
		nullIfEmpty(string(in.FailureKind)), in.SentAt, in.Now)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id=$1`, id)
	return found(scanMessage(row))
}

// ClaimRetry transitions a failed message to retry and consumes one unit of
// its budget. Only one caller can win for a given message.
func (s *Store) ClaimRetry(ctx context.Context, id string, now time.Time) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE messages
		SET status='retry', retry_count=retry_count+1, updated_at=$2
		WHERE id=$1 AND status='failed' AND retry_count < max_retries
		RETURNING `+messageCols, id, now)
	return found(scanMessage(row))
}

// ReleaseRetry hands a claimed message back to the failed state and returns
// the budget unit ClaimRetry took. Used when the retry row could not be written.
func (s *Store) ReleaseRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET status='failed', retry_count=retry_count-1, updated_at=$2
		WHERE id=$1 AND status='retry' AND retry_count > 0
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetMessageByIdempotencyKey(ctx context.Context, key string) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE idempotency_key=$1`, key)
	return found(scanMessage(row))
}

func (s *Store) ListRetryable(ctx context.Context, q store.RetryQuery) ([]domain.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `SELECT `+messageCols+`
		FROM messages
		WHERE status='failed' AND retry_count < max_retries AND created_at >= $1
		ORDER BY created_at
		LIMIT $2`, q.CreatedAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) GetChannelMapping(ctx context.Context, userID int64) (domain.UserChannelMapping, bool, error) {
	var m domain.UserChannelMapping
	row := s.DB.QueryRow(ctx, `
		SELECT user_id, external_user_id, external_username, display_name, default_hook_token, status, verified_at
		FROM user_channel_mappings WHERE user_id=$1
	`, userID)
	err := row.Scan(&m.UserID, &m.ExternalUserID, &m.ExternalUsername, &m.DisplayName,
		&m.DefaultHookToken, &m.Status, &m.VerifiedAt)
	return found(m, err)
}

const settingsCols = `
	user_id, system_notifications, email_notifications, sms_notifications, shihuatong_notifications,
	task_assigned_notifications, task_updated_notifications, task_completed_notifications,
	task_overdue_notifications, task_reviewed_notifications, task_commented_notifications,
	COALESCE(do_not_disturb_start::text, ''),
	COALESCE(do_not_disturb_end::text, '')`

// GetOrCreateSettings returns the user's settings, inserting the defaults on first use.
func (s *Store) GetOrCreateSettings(ctx context.Context, userID int64) (domain.UserNotificationSettings, error) {
	d := domain.DefaultSettings(userID)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO user_notification_settings (
			user_id, system_notifications, email_notifications, sms_notifications, shihuatong_notifications,
			task_assigned_notifications, task_updated_notifications, task_completed_notifications,
			task_overdue_notifications, task_reviewed_notifications, task_commented_notifications)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (user_id) DO UPDATE SET user_id=EXCLUDED.user_id
		RETURNING `+settingsCols,
		d.UserID, d.System, d.Email, d.SMS, d.Shihuatong, d.TaskAssigned, d.TaskUpdated,
		d.TaskCompleted, d.TaskOverdue, d.TaskReviewed, d.TaskCommented)

	var out domain.UserNotificationSettings
	err := row.Scan(&out.UserID, &out.System, &out.Email, &out.SMS, &out.Shihuatong,
		&out.TaskAssigned, &out.TaskUpdated, &out.TaskCompleted, &out.TaskOverdue,
		&out.TaskReviewed, &out.TaskCommented, &out.DoNotDisturbStart, &out.DoNotDisturbEnd)
	return out, err
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	channels, _ := json.Marshal(n.Channels)
	var extra []byte
	if n.Extra != nil {
		extra, _ = json.Marshal(n.Extra)
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, notification_type, title, content, related_task_id,
		                           channels, status, extra_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, n.ID, n.RecipientID, n.SenderID, n.Type, n.Title, n.Content, nullIfEmpty(n.RelatedTaskID),
		channels, n.Status, extra, n.CreatedAt)
	return err
}

// UpsertNotificationLog keeps a single row per (notification, channel).
func (s *Store) UpsertNotificationLog(ctx context.Context, l domain.NotificationLog) error {
	var respB []byte
	if l.Response != nil {
		respB, _ = json.Marshal(l.Response)
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notification_logs (notification_id, channel, status, response_json, error_message,
		                               retry_count, max_retries, created_at, updated_at, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,$9)
		ON CONFLICT (notification_id, channel) DO UPDATE
		SET status=EXCLUDED.status,
		    response_json=EXCLUDED.response_json,
		    error_message=EXCLUDED.error_message,
		    retry_count=EXCLUDED.retry_count,
		    sent_at=EXCLUDED.sent_at,
		    updated_at=EXCLUDED.updated_at
	`, l.NotificationID, l.Channel, l.Status, respB, nullIfEmpty(l.Error), l.RetryCount, l.MaxRetries,
		l.CreatedAt, l.SentAt)
	return err
}

func (s *Store) ListNotificationLogs(ctx context.Context, notificationID string) ([]domain.NotificationLog, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT notification_id, channel, status, response_json, COALESCE(error_message,''),
		       retry_count, max_retries, created_at, sent_at
		FROM notification_logs WHERE notification_id=$1 ORDER BY id
	`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationLog
	for rows.Next() {
		var l domain.NotificationLog
		var resp []byte
		if err := rows.Scan(&l.NotificationID, &l.Channel, &l.Status, &resp, &l.Error,
			&l.RetryCount, &l.MaxRetries, &l.CreatedAt, &l.SentAt); err != nil {
			return nil, err
		}
		if len(resp) > 0 {
			_ = json.Unmarshal(resp, &l.Response)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, recipient_id, sender_id, notification_type, title, content, COALESCE(related_task_id,''),
		       channels, status, extra_data, created_at, read_at
		FROM notifications
		WHERE recipient_id=$1
		  AND ($2 = '' OR status=$2)
		  AND ($3 = '' OR notification_type=$3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.UserID, string(f.Status), string(f.Type), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var channels, extra []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Type, &n.Title, &n.Content,
			&n.RelatedTaskID, &channels, &n.Status, &extra, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(channels, &n.Channels)
		if len(extra) > 0 {
			_ = json.Unmarshal(extra, &n.Extra)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead reports false when the notification does not belong to the user.
func (s *Store) MarkNotificationRead(ctx context.Context, id string, userID int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notifications SET status='read', read_at=COALESCE(read_at, $3)
		WHERE id=$1 AND recipient_id=$2
	`, id, userID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM notifications WHERE recipient_id=$1 AND status='unread'
	`, userID).Scan(&n)
	return n, err
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// found turns pgx.ErrNoRows into an explicit absent result.
func found[T any](v T, err error) (T, bool, error) {
	var zero T
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
