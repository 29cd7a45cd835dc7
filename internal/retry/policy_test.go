package retry

import (
	"errors"
	"testing"
	"time"

	"tasknotif/internal/domain"
)

func TestPolicyNext(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Minute}
	transport := &domain.DeliveryError{Kind: domain.FailureTransport, Msg: "dial"}

	cases := []struct {
		name    string
		attempt int
		err     error
		delay   time.Duration
		ok      bool
	}{
		{"success never retried", 0, nil, 0, false},
		{"first retry", 0, transport, time.Minute, true},
		{"second retry", 1, transport, 2 * time.Minute, true},
		{"third retry", 2, transport, 3 * time.Minute, true},
		{"budget exhausted", 3, transport, 0, false},
		{"configuration is terminal", 0, &domain.DeliveryError{Kind: domain.FailureConfiguration}, 0, false},
		{"wrapped configuration sentinel", 0, errors.Join(errors.New("x"), domain.ErrConfiguration), 0, false},
		{"crypto retried", 0, &domain.DeliveryError{Kind: domain.FailureCrypto}, time.Minute, true},
		{"plain error retried", 1, errors.New("boom"), 2 * time.Minute, true},
	}
	for _, c := range cases {
		d, ok := p.Next(c.attempt, c.err)
		if ok != c.ok || d != c.delay {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", c.name, d, ok, c.delay, c.ok)
		}
	}
}

func TestPolicyDefaultBaseDelay(t *testing.T) {
	d, ok := Policy{MaxAttempts: 3}.Next(1, errors.New("x"))
	if !ok || d != 120*time.Second {
		t.Fatalf("got %v %v", d, ok)
	}
}

func TestPolicyDue(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Minute}
	failedAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := domain.Message{
		Status:      domain.MessageFailed,
		FailureKind: domain.FailureHTTP,
		RetryCount:  1,
		MaxRetries:  3,
		UpdatedAt:   failedAt,
	}
	if p.Due(m, failedAt.Add(time.Minute)) {
		t.Fatalf("second retry should wait two minutes")
	}
	if !p.Due(m, failedAt.Add(2*time.Minute)) {
		t.Fatalf("expected due after two minutes")
	}
	m.Status = domain.MessageSuccess
	if p.Due(m, failedAt.Add(time.Hour)) {
		t.Fatalf("successful message is never due")
	}
}
