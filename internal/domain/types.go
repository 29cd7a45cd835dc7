package domain

import (
	"math"
	"time"
)

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationInactive IntegrationStatus = "inactive"
	IntegrationError    IntegrationStatus = "error"
)

// Integration is one gateway account: credentials plus rolling send counters.
// Counters are only ever changed through the store's atomic increment.
type Integration struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	WebhookURL  string            `json:"webhookUrl"`
	AppCode     string            `json:"appCode"`
	AppKey      string            `json:"-"`
	AppSecret   string            `json:"-"`
	AESKey      string            `json:"-"`
	AESIV       string            `json:"-"`
	Status      IntegrationStatus `json:"status"`
	TotalSent   int64             `json:"totalSent"`
	SuccessSent int64             `json:"successSent"`
	FailedSent  int64             `json:"failedSent"`
	LastUsedAt  *time.Time        `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// SuccessRate is the percentage of successful sends, rounded to two decimals.
func (i Integration) SuccessRate() float64 {
	if i.TotalSent == 0 {
		return 0
	}
	return math.Round(float64(i.SuccessSent)/float64(i.TotalSent)*10000) / 100
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageMarkdown MessageType = "markdown"
	MessageCard     MessageType = "card"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageMarkdown, MessageCard:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSuccess MessageStatus = "success"
	MessageFailed  MessageStatus = "failed"
	MessageRetry   MessageStatus = "retry"
)

const DefaultMaxRetries = 3

// Message is one delivery attempt against the gateway. A retry creates a new
// row pointing at the superseded one through RetryOf.
type Message struct {
	ID                    string         `json:"id"`
	IntegrationID         int64          `json:"integrationId"`
	Type                  MessageType    `json:"messageType"`
	Title                 string         `json:"title"`
	Content               string         `json:"content"`
	HookToken             string         `json:"hookToken"`
	RecipientIDs          []string       `json:"recipientUserIds"`
	MentionAll            bool           `json:"mentionAll"`
	RelatedTaskID         string         `json:"relatedTaskId,omitempty"`
	RelatedNotificationID string         `json:"relatedNotificationId,omitempty"`
	IdempotencyKey        string         `json:"idempotencyKey,omitempty"`
	EnvelopeID            string         `json:"envelopeId,omitempty"`
	Status                MessageStatus  `json:"status"`
	Response              map[string]any `json:"responseData,omitempty"`
	LastError             string         `json:"errorMessage,omitempty"`
	FailureKind           FailureKind    `json:"failureKind,omitempty"`
	RetryCount            int            `json:"retryCount"`
	MaxRetries            int            `json:"maxRetries"`
	RetryOf               string         `json:"retryOf,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
	SentAt                *time.Time     `json:"sentAt,omitempty"`
}

func (m Message) CanRetry() bool {
	return m.Status == MessageFailed && m.RetryCount < m.MaxRetries
}

// Failure rebuilds the error recorded for a failed attempt, or nil.
func (m Message) Failure() error {
	if m.Status != MessageFailed {
		return nil
	}
	kind := m.FailureKind
	if kind == FailureNone {
		kind = FailureInternal
	}
	return &DeliveryError{Kind: kind, Msg: m.LastError}
}

// SendRequest carries the parameters of one gateway send. It is also the
// payload of a queued send job.
type SendRequest struct {
	IntegrationID         int64       `json:"integrationId,omitempty"`
	HookToken             string      `json:"hookToken"`
	Title                 string      `json:"title"`
	Content               string      `json:"content"`
	Type                  MessageType `json:"messageType"`
	MentionAll            bool        `json:"mentionAll"`
	RecipientIDs          []string    `json:"recipientUserIds"`
	RelatedTaskID         string      `json:"relatedTaskId,omitempty"`
	RelatedNotificationID string      `json:"relatedNotificationId,omitempty"`
	// IdempotencyKey makes a redelivered send job return the message created
	// by the first delivery instead of posting again.
	IdempotencyKey        string      `json:"idempotencyKey,omitempty"`
}

// Validate checks a caller-supplied direct send. Messages built internally
// (health checks, retries) skip it.
func (r SendRequest) Validate() error {
	if r.HookToken == "" || (r.Title == "" && r.Content == "") {
		return ErrMissingFields
	}
	if r.Type != "" && !r.Type.Valid() {
		return ErrInvalidMessageType
	}
	if !r.MentionAll && len(r.RecipientIDs) == 0 {
		return ErrNoRecipients
	}
	return nil
}

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warning"
	LevelError LogLevel = "error"
)

type OperationType string

const (
	OpSendMessage OperationType = "send_message"
	OpHealthCheck OperationType = "health_check"
)

// IntegrationLog is the persisted audit trail of gateway operations.
type IntegrationLog struct {
	IntegrationID int64
	Level         LogLevel
	Operation     OperationType
	Message       string
	Request       any
	Response      any
	ExecutionTime time.Duration
	CreatedAt     time.Time
}

type MappingStatus string

const (
	MappingActive   MappingStatus = "active"
	MappingInactive MappingStatus = "inactive"
	MappingPending  MappingStatus = "pending"
)

// UserChannelMapping links an internal user to a gateway identity.
type UserChannelMapping struct {
	UserID           int64         `json:"userId"`
	ExternalUserID   string        `json:"externalUserId"`
	ExternalUsername string        `json:"externalUsername"`
	DisplayName      string        `json:"displayName"`
	DefaultHookToken string        `json:"defaultHookToken"`
	Status           MappingStatus `json:"status"`
	VerifiedAt       *time.Time    `json:"verifiedAt,omitempty"`
}
