//go:build integration

package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tasknotif/internal/domain"
	"tasknotif/internal/store"
)

func TestIntegrationSeedAndCounters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := store.IntegrationSeed{
		Name: "default", WebhookURL: "http://gw/webhook", AppCode: "app", AppKey: "k",
		AppSecret: "s", AESKey: "a", AESIV: "i", Now: now,
	}
	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in, err := s.EnsureIntegration(ctx, seed)
			if err != nil {
				t.Errorf("ensure integration: %v", err)
				return
			}
			ids[i] = in.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent seeds produced different rows: %v", ids)
		}
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.RecordSendOutcome(ctx, store.SendOutcome{IntegrationID: ids[0], Success: i%4 != 0, Now: now})
			if err != nil {
				t.Errorf("record outcome: %v", err)
			}
		}(i)
	}
	wg.Wait()

	in, ok, err := s.GetIntegration(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("get integration: ok=%v err=%v", ok, err)
	}
	if in.TotalSent != 20 || in.SuccessSent != 15 || in.FailedSent != 5 {
		t.Fatalf("counters = %d/%d/%d", in.TotalSent, in.SuccessSent, in.FailedSent)
	}
	if in.LastUsedAt == nil {
		t.Fatalf("expected last_used_at")
	}

	active, ok, err := s.ActiveIntegration(ctx)
	if err != nil || !ok || active.ID != ids[0] {
		t.Fatalf("active integration: %+v ok=%v err=%v", active, ok, err)
	}
}

func TestMessageLifecycleAndClaimRetry(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	ctx := context.Background()
	now := time.Now().UTC()
	in := seedIntegration(t, s, now)

	m := domain.Message{
		ID: "msg_1", IntegrationID: in.ID, Type: domain.MessageText, Title: "T", Content: "C",
		HookToken: "h", RecipientIDs: []string{"u1"}, Status: domain.MessagePending,
		MaxRetries: domain.DefaultMaxRetries, CreatedAt: now,
	}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	ok, err := s.MarkSending(ctx, m.ID, now)
	if err != nil || !ok {
		t.Fatalf("mark sending: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.MarkSending(ctx, m.ID, now); ok {
		t.Fatalf("second mark sending should be a no-op")
	}

	err = s.FinishMessage(ctx, store.MessageResult{
		ID: m.ID, Status: domain.MessageFailed, LastError: "HTTP 500",
		FailureKind: domain.FailureHTTP, Now: now,
	})
	if err != nil {
		t.Fatalf("finish message: %v", err)
	}
	got, ok, err := s.GetMessage(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("get message: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.MessageFailed || got.FailureKind != domain.FailureHTTP || got.LastError != "HTTP 500" {
		t.Fatalf("message = %+v", got)
	}
	if len(got.RecipientIDs) != 1 || got.RecipientIDs[0] != "u1" {
		t.Fatalf("recipients = %v", got.RecipientIDs)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimRetry(ctx, m.ID, now)
			if err != nil {
				t.Errorf("claim retry: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}

	got, _, _ = s.GetMessage(ctx, m.ID)
	if got.Status != domain.MessageRetry || got.RetryCount != 1 {
		t.Fatalf("after claim: status=%s retry_count=%d", got.Status, got.RetryCount)
	}

	ok, err = s.ReleaseRetry(ctx, m.ID, now)
	if err != nil || !ok {
		t.Fatalf("release retry: ok=%v err=%v", ok, err)
	}
	got, _, _ = s.GetMessage(ctx, m.ID)
	if got.Status != domain.MessageFailed || got.RetryCount != 0 {
		t.Fatalf("after release: status=%s retry_count=%d", got.Status, got.RetryCount)
	}
	if ok, _ := s.ReleaseRetry(ctx, m.ID, now); ok {
		t.Fatalf("release of an unclaimed message should be a no-op")
	}

	if _, ok, err := s.GetMessage(ctx, "msg_missing"); err != nil || ok {
		t.Fatalf("missing message: ok=%v err=%v", ok, err)
	}
}

func TestMessageIdempotencyKeyIsUnique(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	ctx := context.Background()
	now := time.Now().UTC()
	in := seedIntegration(t, s, now)

	base := domain.Message{
		IntegrationID: in.ID, Type: domain.MessageText, Title: "T", HookToken: "h",
		MentionAll: true, Status: domain.MessagePending, MaxRetries: domain.DefaultMaxRetries, CreatedAt: now,
	}
	keyed := base
	keyed.ID, keyed.IdempotencyKey = "msg_k1", "job_1"
	if err := s.InsertMessage(ctx, keyed); err != nil {
		t.Fatalf("insert keyed message: %v", err)
	}
	dup := keyed
	dup.ID = "msg_k2"
	if err := s.InsertMessage(ctx, dup); err == nil {
		t.Fatalf("duplicate idempotency key accepted")
	}
	// Unkeyed rows never collide.
	for _, id := range []string{"msg_u1", "msg_u2"} {
		m := base
		m.ID = id
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, ok, err := s.GetMessageByIdempotencyKey(ctx, "job_1")
	if err != nil || !ok || got.ID != "msg_k1" {
		t.Fatalf("lookup: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := s.GetMessageByIdempotencyKey(ctx, "job_missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestListRetryableAndCleanup(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	ctx := context.Background()
	now := time.Now().UTC()
	in := seedIntegration(t, s, now)

	insert := func(id string, status domain.MessageStatus, retries int, created time.Time) {
		t.Helper()
		err := s.InsertMessage(ctx, domain.Message{
			ID: id, IntegrationID: in.ID, Type: domain.MessageText, Title: "T", HookToken: "h",
			MentionAll: true, Status: status, RetryCount: retries, MaxRetries: 3, CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("fresh", domain.MessageFailed, 0, now.Add(-time.Hour))
	insert("spent", domain.MessageFailed, 3, now.Add(-time.Hour))
	insert("ok", domain.MessageSuccess, 0, now.Add(-time.Hour))
	insert("stale", domain.MessageFailed, 0, now.Add(-48*time.Hour))
	insert("ancient", domain.MessageSuccess, 0, now.Add(-40*24*time.Hour))

	list, err := s.ListRetryable(ctx, store.RetryQuery{CreatedAfter: now.Add(-24 * time.Hour), Limit: 10})
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if len(list) != 1 || list[0].ID != "fresh" {
		t.Fatalf("retryable = %v", list)
	}

	n, err := s.DeleteMessagesBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
}

func TestSettingsNotificationsAndLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	settings, err := s.GetOrCreateSettings(ctx, 7)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.UserID != 7 || !settings.System || settings.SMS {
		t.Fatalf("defaults = %+v", settings)
	}
	if _, err := db.Exec(ctx, `UPDATE user_notification_settings
		SET do_not_disturb_start='22:00', do_not_disturb_end='07:00' WHERE user_id=7`); err != nil {
		t.Fatalf("set dnd: %v", err)
	}
	settings, err = s.GetOrCreateSettings(ctx, 7)
	if err != nil || settings.DoNotDisturbStart != "22:00:00" || settings.DoNotDisturbEnd != "07:00:00" {
		t.Fatalf("dnd = %q-%q err=%v", settings.DoNotDisturbStart, settings.DoNotDisturbEnd, err)
	}

	if _, ok, err := s.GetChannelMapping(ctx, 7); err != nil || ok {
		t.Fatalf("unexpected mapping: ok=%v err=%v", ok, err)
	}

	n := domain.Notification{
		ID: "ntf_1", RecipientID: 7, Type: domain.TypeTaskAssigned, Title: "T",
		Channels: []domain.Channel{domain.ChannelSystem, domain.ChannelShihuatong},
		Status: domain.NotificationUnread, CreatedAt: now,
	}
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert notification: %v", err)
	}

	pending := domain.NotificationLog{NotificationID: n.ID, Channel: domain.ChannelShihuatong,
		Status: domain.LogPending, MaxRetries: 3, CreatedAt: now}
	if err := s.UpsertNotificationLog(ctx, pending); err != nil {
		t.Fatalf("upsert pending: %v", err)
	}
	sent := now.Add(time.Second)
	done := pending
	done.Status = domain.LogSuccess
	done.SentAt = &sent
	if err := s.UpsertNotificationLog(ctx, done); err != nil {
		t.Fatalf("upsert success: %v", err)
	}
	logs, err := s.ListNotificationLogs(ctx, n.ID)
	if err != nil || len(logs) != 1 || logs[0].Status != domain.LogSuccess || logs[0].SentAt == nil {
		t.Fatalf("logs = %+v err=%v", logs, err)
	}

	if c, _ := s.UnreadCount(ctx, 7); c != 1 {
		t.Fatalf("unread = %d", c)
	}
	if ok, err := s.MarkNotificationRead(ctx, n.ID, 8, now); err != nil || ok {
		t.Fatalf("foreign mark read: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 2; i++ {
		if ok, err := s.MarkNotificationRead(ctx, n.ID, 7, now); err != nil || !ok {
			t.Fatalf("mark read %d: ok=%v err=%v", i, ok, err)
		}
	}
	if c, _ := s.UnreadCount(ctx, 7); c != 0 {
		t.Fatalf("unread after read = %d", c)
	}

	list, err := s.ListNotifications(ctx, store.NotificationFilter{UserID: 7, Status: domain.NotificationRead})
	if err != nil || len(list) != 1 || list[0].ReadAt == nil || len(list[0].Channels) != 2 {
		t.Fatalf("list = %+v err=%v", list, err)
	}
}

func seedIntegration(t *testing.T, s *Store, now time.Time) domain.Integration {
	t.Helper()
	in, err := s.EnsureIntegration(context.Background(), store.IntegrationSeed{
		Name: "default", WebhookURL: "http://gw/webhook", AppCode: "app", AppKey: "k",
		AppSecret: "s", AESKey: "a", AESIV: "i", Now: now,
	})
	if err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return in
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	return db, func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts += " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
