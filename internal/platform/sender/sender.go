// Package sender delivers a rendered notification over one external channel
// and classifies provider failures.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the provider-independent content of one delivery.
type Message struct {
	To      string
	Subject string
	Body    string
	Data    json.RawMessage
	Urgent  bool

	// Web push subscription keys; only used by the push sender.
	P256dh string
	Auth   string
}

// Sender sends a message and returns the provider-assigned message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Outcome is how a failed send should be recorded.
type Outcome string

const (
	OutcomeFailed   Outcome = "failed"
	OutcomeBounced  Outcome = "bounced"
	OutcomeRejected Outcome = "rejected"
)

const (
	CodeInvalidAddress      = "invalid_address"
	CodeUnsubscribed        = "unsubscribed"
	CodeSubscriptionExpired = "subscription_expired"
	CodeRateLimited         = "rate_limited"
	CodeProviderError       = "provider_error"
	CodeTimeout             = "timeout"
)

// DeliveryError carries the classification of a provider failure.
type DeliveryError struct {
	Outcome Outcome
	Code    string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Outcome, e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(code string, err error) error {
	return &DeliveryError{Outcome: OutcomeFailed, Code: code, Err: err}
}

// Rejected marks err as a permanent refusal of the message or target.
func Rejected(code string, err error) error {
	return &DeliveryError{Outcome: OutcomeRejected, Code: code, Err: err}
}

// Bounced marks err as a permanent failure of the target.
func Bounced(code string, err error) error {
	return &DeliveryError{Outcome: OutcomeBounced, Code: code, Err: err}
}

// Classify maps any send error to an outcome and error code. Unclassified
// errors are treated as transient provider errors.
func Classify(err error) (Outcome, string, string) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Outcome, de.Code, err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFailed, CodeTimeout, err.Error()
	}
	return OutcomeFailed, CodeProviderError, err.Error()
}
