package delivery

import (
	"errors"
	"time"
)

// Status is the state of one delivery attempt.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
	StatusRejected  Status = "rejected"
)

var (
	ErrNotFound          = errors.New("delivery attempt not found")
	ErrStaleReport       = errors.New("report is for an earlier attempt")
	ErrFutureAttempt     = errors.New("report is for an attempt that was never queued")
	ErrDuplicateReport   = errors.New("attempt already has this status")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	ErrInvalidReport     = errors.New("invalid delivery report")
)

var forward = map[Status][]Status{
	StatusQueued: {StatusSent, StatusDelivered, StatusFailed, StatusBounced, StatusRejected},
	StatusSent:   {StatusDelivered, StatusFailed, StatusBounced, StatusRejected},
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusFailed, StatusBounced, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no report can move an attempt out of s. A failed
// attempt is only revived by the tracker's own retry.
func (s Status) Terminal() bool {
	_, ok := forward[s]
	return !ok
}

// FailureVariant reports whether s is one of the failed outcomes.
func (s Status) FailureVariant() bool {
	return s == StatusFailed || s == StatusBounced || s == StatusRejected
}

func CanTransition(from, to Status) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Error codes that must never be retried.
const (
	CodeNoLiveConnection    = "no_live_connection"
	CodeInvalidAddress      = "invalid_address"
	CodeUnsubscribed        = "unsubscribed"
	CodeSocketWriteFailed   = "socket_write_failed"
	CodeChannelUnconfigured = "channel_unconfigured"
)

var nonRetryable = map[string]bool{
	CodeNoLiveConnection:    true,
	CodeInvalidAddress:      true,
	CodeUnsubscribed:        true,
	CodeSocketWriteFailed:   true,
	CodeChannelUnconfigured: true,
}

// Retryable reports whether a failure with code may be tried again. Unknown
// and empty codes count as transient.
func Retryable(code string) bool {
	return !nonRetryable[code]
}

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 30 * time.Minute
)

// Backoff is the wait after the given failed attempt: 30s doubling per
// attempt, capped at 30 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
