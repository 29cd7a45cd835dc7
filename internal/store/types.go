package store

import (
	"time"

	"tasknotif/internal/domain"
)

// IntegrationSeed bootstraps the default integration from configuration.
type IntegrationSeed struct {
	Name       string
	WebhookURL string
	AppCode    string
	AppKey     string
	AppSecret  string
	AESKey     string
	AESIV      string
	Now        time.Time
}

// SendOutcome is applied to an integration's counters in one statement.
type SendOutcome struct {
	IntegrationID int64
	Success       bool
	Now           time.Time
}

// MessageResult is the terminal state written after an attempt.
type MessageResult struct {
	ID          string
	Status      domain.MessageStatus
	EnvelopeID  string
	Response    map[string]any
	LastError   string
	FailureKind domain.FailureKind
	SentAt      *time.Time
	Now         time.Time
}

// RetryQuery selects failed messages eligible for the scheduled sweep.
type RetryQuery struct {
	CreatedAfter time.Time
	Limit        int
}

type NotificationFilter struct {
	UserID int64
	Status domain.NotificationStatus
	Type   domain.NotificationType
	Limit  int
}

const DefaultListLimit = 20
