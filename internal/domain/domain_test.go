package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSuccessRate(t *testing.T) {
	if got := (Integration{}).SuccessRate(); got != 0 {
		t.Fatalf("empty rate = %v", got)
	}
	in := Integration{TotalSent: 3, SuccessSent: 2, FailedSent: 1}
	if got := in.SuccessRate(); got != 66.67 {
		t.Fatalf("rate = %v", got)
	}
}

func TestMessageRetryability(t *testing.T) {
	m := Message{Status: MessageFailed, RetryCount: 2, MaxRetries: 3, FailureKind: FailureHTTP, LastError: "HTTP 500"}
	if !m.CanRetry() {
		t.Fatalf("expected retryable")
	}
	m.RetryCount = 3
	if m.CanRetry() {
		t.Fatalf("spent budget should not be retryable")
	}
	if (Message{Status: MessageSuccess, MaxRetries: 3}).CanRetry() {
		t.Fatalf("success should not be retryable")
	}

	var de *DeliveryError
	if err := m.Failure(); !errors.As(err, &de) || de.Kind != FailureHTTP || err.Error() != "http: HTTP 500" {
		t.Fatalf("failure = %v", err)
	}
	if err := (Message{Status: MessageFailed}).Failure(); err == nil || err.Error() != "internal failure" {
		t.Fatalf("unclassified failure = %v", err)
	}
	if err := (Message{Status: MessageSuccess}).Failure(); err != nil {
		t.Fatalf("success failure = %v", err)
	}
}

func TestDeliveryErrorIsConfiguration(t *testing.T) {
	if !errors.Is(&DeliveryError{Kind: FailureConfiguration}, ErrConfiguration) {
		t.Fatalf("configuration failure should match ErrConfiguration")
	}
	if errors.Is(&DeliveryError{Kind: FailureTransport}, ErrConfiguration) {
		t.Fatalf("transport failure should not match ErrConfiguration")
	}
	if FailureConfiguration.Retryable() || !FailureRejected.Retryable() {
		t.Fatalf("unexpected retryable classification")
	}
}

func TestSendRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"ok", SendRequest{HookToken: "h", Title: "T", RecipientIDs: []string{"u"}}, nil},
		{"mention all", SendRequest{HookToken: "h", Content: "C", MentionAll: true}, nil},
		{"no token", SendRequest{Title: "T", MentionAll: true}, ErrMissingFields},
		{"no text", SendRequest{HookToken: "h", MentionAll: true}, ErrMissingFields},
		{"bad type", SendRequest{HookToken: "h", Title: "T", MentionAll: true, Type: "voice"}, ErrInvalidMessageType},
		{"no recipients", SendRequest{HookToken: "h", Title: "T"}, ErrNoRecipients},
	}
	for _, c := range cases {
		if err := c.req.Validate(); !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v want %v", c.name, err, c.want)
		}
	}
}

func TestInDoNotDisturb(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 1, 5, h, m, 0, 0, time.UTC) }
	wrap := UserNotificationSettings{DoNotDisturbStart: "22:00", DoNotDisturbEnd: "07:00:00"}
	for _, c := range []struct {
		now  time.Time
		want bool
	}{
		{at(23, 30), true},
		{at(3, 0), true},
		{at(7, 0), true},
		{at(12, 0), false},
	} {
		if got := wrap.InDoNotDisturb(c.now); got != c.want {
			t.Errorf("wrap %s: got %v", c.now.Format("15:04"), got)
		}
	}

	day := UserNotificationSettings{DoNotDisturbStart: "09:00", DoNotDisturbEnd: "17:00"}
	if !day.InDoNotDisturb(at(12, 0)) || day.InDoNotDisturb(at(18, 0)) {
		t.Fatalf("daytime window misclassified")
	}
	if (UserNotificationSettings{DoNotDisturbStart: "bad", DoNotDisturbEnd: "07:00"}).InDoNotDisturb(at(3, 0)) {
		t.Fatalf("unparsable bound should disable the window")
	}
}

func TestNotificationRequestValidate(t *testing.T) {
	ok := NotificationRequest{RecipientID: 1, Type: TypeTaskAssigned, Title: "T", Channels: []Channel{ChannelEmail}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	bad := ok
	bad.Channels = []Channel{"fax"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("bad channel: %v", err)
	}
	bad = ok
	bad.Type = "nope"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("bad type: %v", err)
	}
	if err := (TaskEvent{TaskID: "t"}).Validate(); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("task event without recipients: %v", err)
	}
}
