package domain

import "errors"

var (
	ErrMissingFields      = errors.New("missing required fields")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidChannel     = errors.New("invalid notification channel")
	ErrInvalidType        = errors.New("invalid notification type")
	ErrNoRecipients       = errors.New("recipients required unless mentioning all")
	ErrNotFound           = errors.New("not found")
	ErrMappingMissing     = errors.New("recipient has no active gateway mapping")
	ErrNoHookToken        = errors.New("gateway mapping has no default hook token")
	ErrConfiguration      = errors.New("no usable gateway integration configured")
)

// FailureKind classifies why a delivery attempt failed. It is stored with the
// message so the scheduled retry path can reason about it later.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureConfiguration FailureKind = "configuration"
	FailureCrypto        FailureKind = "crypto"
	FailureTransport     FailureKind = "transport"
	FailureRejected      FailureKind = "rejected"
	FailureHTTP          FailureKind = "http"
	FailureInternal      FailureKind = "internal"
)

// Retryable reports whether a failure of this kind may be attempted again.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureNone, FailureConfiguration:
		return false
	}
	return true
}

type DeliveryError struct {
	Kind FailureKind
	Msg  string
}

func (e *DeliveryError) Error() string {
	if e.Msg == "" {
		return string(e.Kind) + " failure"
	}
	return string(e.Kind) + ": " + e.Msg
}

// Is lets errors.Is(err, ErrConfiguration) match configuration failures.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrConfiguration && e.Kind == FailureConfiguration
}
