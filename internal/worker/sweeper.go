package worker

import (
	"context"
	"log/slog"
	"time"

	"tasknotif/internal/domain"
	"tasknotif/internal/observability"
	"tasknotif/internal/retry"
	"tasknotif/internal/store"
	"tasknotif/internal/util"
)

type SweepStore interface {
	ListRetryable(ctx context.Context, q store.RetryQuery) ([]domain.Message, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Retrier interface {
	RetryMessage(ctx context.Context, id string) (*domain.Message, error)
}

// Sweeper runs the scheduled retry pass and the retention cleanup. The two
// loops tick independently so a slow retry pass never delays cleanup.
type Sweeper struct {
	Store    SweepStore
	Delivery Retrier
	Logs     LogStore
	Policy   retry.Policy

	Lookback     time.Duration
	Batch        int
	RetryEvery   time.Duration
	Retention    time.Duration
	CleanupEvery time.Duration

	Now func() time.Time
}

type SweepResult struct {
	Candidates int
	Attempted  int
	Succeeded  int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() {
		s.loop(ctx, "retry", s.RetryEvery, func(ctx context.Context) error {
			_, err := s.RetryOnce(ctx)
			return err
		})
		done <- struct{}{}
	}()
	go func() {
		s.loop(ctx, "cleanup", s.CleanupEvery, func(ctx context.Context) error {
			_, err := s.CleanupOnce(ctx)
			return err
		})
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (s *Sweeper) loop(ctx context.Context, name string, every time.Duration, run func(context.Context) error) {
	if every <= 0 {
		slog.Info("sweep disabled", "sweep", name)
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.safeRun(ctx, name, run)
		}
	}
}

// safeRun keeps the ticker alive across a failing or panicking pass.
func (s *Sweeper) safeRun(ctx context.Context, name string, run func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			observability.RetrySweep.WithLabelValues("panic").Inc()
			slog.Error("sweep panic", "sweep", name, "panic", r)
		}
	}()
	if err := run(ctx); err != nil {
		slog.Error("sweep failed", "sweep", name, "err", err)
	}
}

// RetryOnce retries every failed message inside the lookback window whose
// policy delay has elapsed. Per-message errors are logged and skipped.
func (s *Sweeper) RetryOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	lookback := s.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	msgs, err := s.Store.ListRetryable(ctx, store.RetryQuery{CreatedAfter: now.Add(-lookback), Limit: s.Batch})
	if err != nil {
		observability.RetrySweep.WithLabelValues("error").Inc()
		return res, err
	}
	res.Candidates = len(msgs)

	for _, m := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !s.Policy.Due(m, now) {
			continue
		}
		next, err := s.Delivery.RetryMessage(ctx, m.ID)
		if err != nil {
			observability.RetrySweep.WithLabelValues("error").Inc()
			slog.Error("sweep retry failed", "message_id", m.ID, "err", err)
			continue
		}
		if next == nil {
			observability.RetrySweep.WithLabelValues("skipped").Inc()
			continue
		}
		res.Attempted++
		reconcile(ctx, s.Logs, next, s.now())
		if next.Status == domain.MessageSuccess {
			res.Succeeded++
			observability.RetrySweep.WithLabelValues("success").Inc()
		} else {
			observability.RetrySweep.WithLabelValues("failed").Inc()
		}
	}
	slog.Info("retry sweep done", "candidates", res.Candidates, "attempted", res.Attempted, "succeeded", res.Succeeded)
	return res, nil
}

// CleanupOnce deletes messages older than the retention period, whatever their status.
func (s *Sweeper) CleanupOnce(ctx context.Context) (int64, error) {
	retention := s.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	n, err := s.Store.DeleteMessagesBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	observability.CleanupDeleted.Add(float64(n))
	slog.Info("message cleanup done", "deleted", n)
	return n, nil
}
