package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/notify/internal/domain/notification"
)

// Attempt maps to the delivery_attempt table. There is one row per
// (notification, channel); retries bump AttemptNumber on the same row.
type Attempt struct {
	NotificationID    uuid.UUID            `db:"notification_id" json:"notification_id"`
	Channel           notification.Channel `db:"channel" json:"channel"`
	Status            Status               `db:"status" json:"status"`
	TargetAddress     string               `db:"target_address" json:"target_address"`
	AttemptNumber     int                  `db:"attempt_number" json:"attempt_number"`
	MaxAttempts       int                  `db:"max_attempts" json:"max_attempts"`
	ProviderMessageID *string              `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorCode         *string              `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage      *string              `db:"error_message" json:"error_message,omitempty"`
	QueuedAt          time.Time            `db:"queued_at" json:"queued_at"`
	SentAt            *time.Time           `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time           `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt          *time.Time           `db:"failed_at" json:"failed_at,omitempty"`
	NextAttemptAt     *time.Time           `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
}

// AuditEntry maps to the append-only delivery_audit table.
type AuditEntry struct {
	ID                int64                `db:"id" json:"id"`
	NotificationID    uuid.UUID            `db:"notification_id" json:"notification_id"`
	Channel           notification.Channel `db:"channel" json:"channel"`
	AttemptNumber     int                  `db:"attempt_number" json:"attempt_number"`
	FromStatus        Status               `db:"from_status" json:"from_status"`
	ToStatus          Status               `db:"to_status" json:"to_status"`
	ErrorCode         *string              `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage      *string              `db:"error_message" json:"error_message,omitempty"`
	ProviderMessageID *string              `db:"provider_message_id" json:"provider_message_id,omitempty"`
	RecordedAt        time.Time            `db:"recorded_at" json:"recorded_at"`
}

// Report is a channel worker's callback for one attempt.
type Report struct {
	NotificationID    uuid.UUID            `json:"notification_id"`
	Channel           notification.Channel `json:"channel"`
	AttemptNumber     int                  `json:"attempt_number"`
	Status            Status               `json:"status"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	ErrorCode         string               `json:"error_code,omitempty"`
	ErrorMessage      string               `json:"error_message,omitempty"`
}

func (r Report) Validate() error {
	if r.NotificationID == uuid.Nil {
		return fmt.Errorf("%w: notification_id is required", ErrInvalidReport)
	}
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalidReport, r.Channel)
	}
	if r.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt_number must be at least 1", ErrInvalidReport)
	}
	if !r.Status.Valid() || r.Status == StatusQueued {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidReport, r.Status)
	}
	return nil
}

// ReportResult says what a report did.
type ReportResult struct {
	Attempt  *Attempt `json:"attempt"`
	Applied  bool     `json:"applied"`
	Requeued bool     `json:"requeued"`
	Ignored  string   `json:"ignored,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// apply moves a to r.Status and returns the audit entry for the move.
func (a *Attempt) apply(r Report, at time.Time) AuditEntry {
	entry := AuditEntry{
		NotificationID:    a.NotificationID,
		Channel:           a.Channel,
		AttemptNumber:     a.AttemptNumber,
		FromStatus:        a.Status,
		ToStatus:          r.Status,
		ErrorCode:         optional(r.ErrorCode),
		ErrorMessage:      optional(r.ErrorMessage),
		ProviderMessageID: optional(r.ProviderMessageID),
		RecordedAt:        at,
	}

	a.Status = r.Status
	a.NextAttemptAt = nil
	if r.ProviderMessageID != "" {
		a.ProviderMessageID = entry.ProviderMessageID
	}
	stamp := at
	switch r.Status {
	case StatusSent:
		a.SentAt = &stamp
	case StatusDelivered:
		a.DeliveredAt = &stamp
		if a.SentAt == nil {
			a.SentAt = &stamp
		}
	default:
		a.FailedAt = &stamp
		a.ErrorCode = entry.ErrorCode
		a.ErrorMessage = entry.ErrorMessage
	}
	return entry
}

// requeue revives a failed attempt as the next attempt number.
func (a *Attempt) requeue(at, next time.Time) AuditEntry {
	entry := AuditEntry{
		NotificationID: a.NotificationID,
		Channel:        a.Channel,
		AttemptNumber:  a.AttemptNumber + 1,
		FromStatus:     a.Status,
		ToStatus:       StatusQueued,
		RecordedAt:     at,
	}
	a.Status = StatusQueued
	a.AttemptNumber++
	a.QueuedAt = at
	a.SentAt = nil
	a.ProviderMessageID = nil
	a.NextAttemptAt = &next
	return entry
}
