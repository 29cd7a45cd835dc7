// Package channels holds the email and sms senders used by the notification
// fan-out. Both go through shoutrrr when a service URL is configured and fall
// back to a log-only sender otherwise.
package channels

import (
	"context"
	"log/slog"

	"github.com/nicholas-fedor/shoutrrr"

	"tasknotif/internal/domain"
)

type Sender interface {
	Send(ctx context.Context, n domain.Notification) (map[string]any, error)
}

// New returns a shoutrrr sender for url, or a log-only sender when url is empty.
func New(ch domain.Channel, url string) Sender {
	if url == "" {
		return LogOnly{Channel: ch}
	}
	return &Shoutrrr{Channel: ch, URL: url, send: shoutrrr.Send}
}

type Shoutrrr struct {
	Channel domain.Channel
	URL     string
	send    func(url, message string) error
}

func (s *Shoutrrr) Send(ctx context.Context, n domain.Notification) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.send(s.URL, Format(n)); err != nil {
		return nil, err
	}
	return map[string]any{"transport": "shoutrrr", "channel": string(s.Channel)}, nil
}

// LogOnly records the send in the service log and reports success.
type LogOnly struct {
	Channel domain.Channel
}

func (l LogOnly) Send(ctx context.Context, n domain.Notification) (map[string]any, error) {
	slog.Info("notification channel stub",
		"channel", l.Channel,
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"title", n.Title,
	)
	return map[string]any{"transport": "log", "channel": string(l.Channel)}, nil
}

// Format renders a notification as a plain-text message body.
func Format(n domain.Notification) string {
	if n.Content == "" {
		return n.Title
	}
	return n.Title + "\n\n" + n.Content
}
