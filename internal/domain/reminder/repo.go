package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("reminder not found")

type Repository interface {
	Create(ctx context.Context, r *Reminder) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error)
	// Update persists every mutable column of r.
	Update(ctx context.Context, r *Reminder) error
	// ListDue returns enabled, active reminders with next_scheduled_at in [from, to].
	ListDue(ctx context.Context, from, to time.Time, limit int) ([]*Reminder, error)
	ListUnscheduled(ctx context.Context, limit int) ([]*Reminder, error)
	// ListStale returns enabled, active reminders whose next fire is before t.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Reminder, error)
	// RecordFiring atomically appends the fire log row and advances the
	// reminder. It returns false when the occurrence was already recorded or
	// the reminder was fired inside the window by someone else.
	RecordFiring(ctx context.Context, f Firing) (bool, error)
}

// UserDirectory resolves a user's profile timezone.
type UserDirectory interface {
	Timezone(ctx context.Context, userID uuid.UUID) (string, error)
}
