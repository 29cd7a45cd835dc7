package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RenderTemplate does plain {var} replacement. Unknown placeholders are left as is.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func NewMessageID() string { return newID("msg_") }

func NewNotificationID() string { return newID("ntf_") }

// NewJobID keys a queued send so a redelivered job is not posted twice.
func NewJobID() string { return newID("job_") }

// ULIDs sort by creation time, which keeps the primary key indexes append-only.
func newID(prefix string) string {
	return prefix + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
