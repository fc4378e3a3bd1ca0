package reminder

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

var validStatuses = map[Status]bool{
	StatusActive: true, StatusPaused: true, StatusCompleted: true, StatusDeleted: true,
}

// Reminder maps to the medication_reminder table.
type Reminder struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	UserID          uuid.UUID  `db:"user_id" json:"user_id"`
	MedicationID    uuid.UUID  `db:"medication_id" json:"medication_id"`
	ReminderTime    string     `db:"reminder_time" json:"reminder_time"`
	DaysOfWeek      []string   `db:"days_of_week" json:"days_of_week"`
	UserTimezone    string     `db:"user_timezone" json:"user_timezone"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	Status          Status     `db:"status" json:"status"`
	NextScheduledAt *time.Time `db:"next_scheduled_at" json:"next_scheduled_at,omitempty"`
	LastSentAt      *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Schedulable reports whether the reminder may be returned by a due scan.
func (r *Reminder) Schedulable() bool {
	return r.Enabled && r.Status == StatusActive
}

// Occurrence is the logical firing a due scan at now refers to: the stored
// next fire, or now to the minute when none is stored.
func (r *Reminder) Occurrence(now time.Time) time.Time {
	if r.NextScheduledAt != nil {
		return r.NextScheduledAt.UTC()
	}
	return now.UTC().Truncate(time.Minute)
}

type CreateReminderRequest struct {
	UserID       uuid.UUID `json:"user_id"`
	MedicationID uuid.UUID `json:"medication_id"`
	ReminderTime string    `json:"reminder_time"`
	DaysOfWeek   []string  `json:"days_of_week"`
}

// ReminderPatch holds optional changes; nil fields are left untouched.
type ReminderPatch struct {
	ReminderTime *string  `json:"reminder_time,omitempty"`
	DaysOfWeek   []string `json:"days_of_week,omitempty"`
	Timezone     *string  `json:"user_timezone,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
	Status       *Status  `json:"status,omitempty"`
}

// Firing is one logical occurrence being recorded by MarkFired.
type Firing struct {
	ReminderID uuid.UUID
	Occurrence time.Time
	FiredAt    time.Time
	Next       *time.Time
	// Repeat calls whose last_sent_at is at or after WindowStart are no-ops.
	WindowStart time.Time
}
