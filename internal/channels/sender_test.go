package channels

import (
	"context"
	"errors"
	"testing"

	"tasknotif/internal/domain"
)

func TestNewPicksLogOnlyWithoutURL(t *testing.T) {
	if _, ok := New(domain.ChannelEmail, "").(LogOnly); !ok {
		t.Fatalf("expected log-only sender")
	}
	if _, ok := New(domain.ChannelSMS, "generic://example.com").(*Shoutrrr); !ok {
		t.Fatalf("expected shoutrrr sender")
	}
}

func TestShoutrrrSend(t *testing.T) {
	var gotURL, gotMsg string
	s := &Shoutrrr{Channel: domain.ChannelEmail, URL: "smtp://x", send: func(url, msg string) error {
		gotURL, gotMsg = url, msg
		return nil
	}}
	resp, err := s.Send(context.Background(), domain.Notification{Title: "T", Content: "C"})
	if err != nil {
		t.Fatal(err)
	}
	if gotURL != "smtp://x" || gotMsg != "T\n\nC" || resp["transport"] != "shoutrrr" {
		t.Fatalf("got %q %q %v", gotURL, gotMsg, resp)
	}

	s.send = func(string, string) error { return errors.New("smtp down") }
	if _, err := s.Send(context.Background(), domain.Notification{Title: "T"}); err == nil {
		t.Fatalf("expected error")
	}
}
