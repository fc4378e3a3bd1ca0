package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryReminder Category = "reminder"
	CategoryAlert    Category = "alert"
	CategorySystem   Category = "system"
	CategoryAdmin    Category = "admin"
)

var validCategories = map[Category]bool{
	CategoryReminder: true, CategoryAlert: true, CategorySystem: true, CategoryAdmin: true,
}

func (c Category) Valid() bool { return validCategories[c] }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityNormal: true, PriorityHigh: true, PriorityUrgent: true,
}

func (p Priority) Valid() bool { return validPriorities[p] }

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusDismissed Status = "dismissed"
	StatusFailed    Status = "failed"
)

// allowedFrom lists, for each target status, the statuses it may be entered
// from. Status only moves forward. Read and dismissed are both terminal, and
// failed is a side branch the user can still read or dismiss.
var allowedFrom = map[Status][]Status{
	StatusSent:      {StatusPending},
	StatusDelivered: {StatusPending, StatusSent},
	StatusRead:      {StatusPending, StatusSent, StatusDelivered, StatusFailed},
	StatusDismissed: {StatusPending, StatusSent, StatusDelivered, StatusFailed},
	StatusFailed:    {StatusPending, StatusSent},
}

// AllowedFrom returns the statuses from which to may be entered.
func AllowedFrom(to Status) []Status {
	return allowedFrom[to]
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Channel string

const (
	ChannelSocket Channel = "socket"
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelPush   Channel = "push"
)

// Channels in fan-out order.
var Channels = []Channel{ChannelSocket, ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) Valid() bool {
	switch c {
	case ChannelSocket, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Intrusive channels are suppressed during quiet hours.
func (c Channel) Intrusive() bool {
	return c == ChannelSMS || c == ChannelPush
}

// Notification maps to the notification table.
type Notification struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       uuid.UUID       `db:"user_id" json:"user_id"`
	Category     Category        `db:"notification_type" json:"notification_type"`
	Title        string          `db:"title" json:"title"`
	Body         string          `db:"body" json:"body"`
	Priority     Priority        `db:"priority" json:"priority"`
	ReminderID   *uuid.UUID      `db:"reminder_id" json:"reminder_id,omitempty"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status       Status          `db:"status" json:"status"`
	ScheduledAt  *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt       *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt  *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt       *time.Time      `db:"read_at" json:"read_at,omitempty"`
	DismissedAt  *time.Time      `db:"dismissed_at" json:"dismissed_at,omitempty"`
	FailedAt     *time.Time      `db:"failed_at" json:"failed_at,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	DedupeKey    *string         `db:"dedupe_key" json:"-"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Advance applies a status change in memory, stamping the matching column.
// It returns false when the move is not forward.
func (n *Notification) Advance(to Status, at time.Time, errMsg string) bool {
	if !CanTransition(n.Status, to) {
		return false
	}
	n.Status = to
	stamp := at
	switch to {
	case StatusSent:
		n.SentAt = &stamp
	case StatusDelivered:
		n.DeliveredAt = &stamp
		if n.SentAt == nil {
			n.SentAt = &stamp
		}
	case StatusRead:
		n.ReadAt = &stamp
	case StatusDismissed:
		n.DismissedAt = &stamp
	case StatusFailed:
		n.FailedAt = &stamp
		if errMsg != "" {
			n.ErrorMessage = &errMsg
		}
	}
	return true
}

type ListFilter struct {
	UnreadOnly bool
	Category   Category
	Limit      int
	Offset     int
}
