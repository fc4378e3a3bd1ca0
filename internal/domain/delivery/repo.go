package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/notify/internal/domain/notification"
)

// MutateFunc changes a locked attempt in place and returns the audit entries
// describing the change. Returning an error discards the change.
type MutateFunc func(a *Attempt) ([]AuditEntry, error)

type Repository interface {
	// Create inserts a queued attempt. created is false when the
	// (notification, channel) pair already exists.
	Create(ctx context.Context, a *Attempt) (bool, error)
	Get(ctx context.Context, notificationID uuid.UUID, ch notification.Channel) (*Attempt, error)
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*Attempt, error)
	// Apply locks the attempt row, runs fn, and persists the row together
	// with the audit entries in one transaction.
	Apply(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, fn MutateFunc) (*Attempt, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Attempt, error)
	// ClaimRetry clears next_attempt_at for a queued retry and stamps
	// queued_at with at. It returns false when another poller claimed it
	// first or the attempt moved on.
	ClaimRetry(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, at time.Time) (bool, error)
	// ListStaleQueued returns queued email, SMS and push attempts that were
	// handed off before the given time and never reported back.
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*Attempt, error)
	// ClaimStale moves queued_at of a stale attempt to at. It returns false
	// when the attempt was reported or claimed since it was listed.
	ClaimStale(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, before, at time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, at time.Time) error
	ListAudit(ctx context.Context, notificationID uuid.UUID) ([]*AuditEntry, error)
}
