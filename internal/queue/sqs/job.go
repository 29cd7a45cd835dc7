package sqsqueue

import (
	"time"

	"tasknotif/internal/domain"
)

type JobKind string

const (
	// JobSend asks the worker to create and attempt a new gateway message.
	JobSend JobKind = "send"
	// JobRetry asks the worker to retry an existing failed message.
	JobRetry JobKind = "retry"
)

type Job struct {
	Kind       JobKind             `json:"kind"`
	Send       *domain.SendRequest `json:"send,omitempty"`
	MessageID  string              `json:"messageId,omitempty"`
	EnqueuedAt time.Time           `json:"enqueuedAt"`
}

// MaxDelay is the longest DelaySeconds SQS accepts.
const MaxDelay = 15 * time.Minute
