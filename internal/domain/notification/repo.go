package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid notification status transition")
)

type NotificationRepository interface {
	// Create inserts n. When n.DedupeKey matches an existing row, n is
	// overwritten with the stored row and created is false.
	Create(ctx context.Context, n *Notification) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByUser(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*Notification, int, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	// AdvanceStatus moves the row to `to` only from an allowed status and
	// reports whether it changed.
	AdvanceStatus(ctx context.Context, id uuid.UUID, to Status, at time.Time, errMsg string) (bool, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) error
	// DeleteReadBefore removes read or dismissed rows older than before.
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
}

type PreferenceRepository interface {
	// Get returns the saved preferences, or the default for users who never
	// saved any. ErrNotFound means the user does not exist.
	Get(ctx context.Context, userID uuid.UUID) (*ChannelPreference, error)
	PushSubscription(ctx context.Context, endpoint string) (*PushSubscription, error)
	DeactivateTarget(ctx context.Context, userID uuid.UUID, ch Channel, target string) error
}
