// Package retry holds the single retry policy shared by the queue worker and
// the scheduled retry sweep.
package retry

import (
	"errors"
	"time"

	"tasknotif/internal/domain"
)

const DefaultBaseDelay = 60 * time.Second

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func Default() Policy {
	return Policy{MaxAttempts: domain.DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Next reports whether a message that has already been retried attempt times
// and last failed with lastErr should be tried again, and after what delay.
func (p Policy) Next(attempt int, lastErr error) (time.Duration, bool) {
	if lastErr == nil || attempt < 0 {
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if errors.Is(lastErr, domain.ErrConfiguration) {
		return 0, false
	}
	var de *domain.DeliveryError
	if errors.As(lastErr, &de) && !de.Kind.Retryable() {
		return 0, false
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base * time.Duration(attempt+1), true
}

// Due reports whether m is ready for its next attempt at now. The delay counts
// from the message's last update, which for a failed row is the failure time.
func (p Policy) Due(m domain.Message, now time.Time) bool {
	delay, ok := p.Next(m.RetryCount, m.Failure())
	if !ok {
		return false
	}
	return !now.Before(m.UpdatedAt.Add(delay))
}
