// Package dispatch turns events into persisted notifications and fans them
// out to the user's delivery channels.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/delivery"
	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/domain/reminder"
	"github.com/ehr/notify/internal/platform/queue"
	"github.com/ehr/notify/internal/platform/websocket"
)

// CodeQueueUnavailable marks an attempt whose hand-off to the worker queue
// failed. It is retryable.
const CodeQueueUnavailable = "queue_unavailable"

// Event is a logical occurrence to tell a user about.
type Event struct {
	UserID      uuid.UUID
	Category    notification.Category
	Priority    notification.Priority
	Title       string
	Body        string
	ReminderID  *uuid.UUID
	ScheduledAt *time.Time
	Payload     map[string]interface{}
	// DedupeKey makes Dispatch idempotent for repeated deliveries of the same
	// event. Empty means no deduplication.
	DedupeKey string
}

// ReminderEvent builds the event for one firing of a medication reminder.
func ReminderEvent(r *reminder.Reminder, now time.Time) Event {
	occurrence := r.Occurrence(now)
	id := r.ID
	return Event{
		UserID:      r.UserID,
		Category:    notification.CategoryReminder,
		Priority:    notification.PriorityHigh,
		Title:       "Medication reminder",
		Body:        "It's time to take your medication.",
		ReminderID:  &id,
		ScheduledAt: &occurrence,
		Payload: map[string]interface{}{
			"reminder_id":   r.ID.String(),
			"medication_id": r.MedicationID.String(),
			"reminder_time": r.ReminderTime,
			"scheduled_for": occurrence.Format(time.RFC3339),
		},
		DedupeKey: ReminderDedupeKey(r.ID, occurrence),
	}
}

// ReminderDedupeKey identifies one occurrence of a reminder.
func ReminderDedupeKey(reminderID uuid.UUID, occurrence time.Time) string {
	return fmt.Sprintf("reminder:%s:%d", reminderID, occurrence.Unix())
}

// NotificationStore persists notifications and reads channel preferences.
type NotificationStore interface {
	Create(ctx context.Context, n *notification.Notification) (bool, error)
	Preferences(ctx context.Context, userID uuid.UUID) (*notification.ChannelPreference, error)
}

// AttemptTracker records one delivery attempt per (notification, channel)
// and applies outcome reports to it.
type AttemptTracker interface {
	Enqueue(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, target string) (*delivery.Attempt, bool, error)
	Report(ctx context.Context, r delivery.Report) (*delivery.ReportResult, error)
}

// LiveSender pushes envelopes to a user's live connections.
type LiveSender interface {
	SendToUser(ctx context.Context, userID uuid.UUID, env websocket.Envelope) websocket.DeliveryOutcome
}

// Dispatcher persists events as notifications and routes them to the
// channels the user's preferences allow.
type Dispatcher struct {
	store     NotificationStore
	tracker   AttemptTracker
	live      LiveSender
	publisher queue.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Dispatcher)

// WithClock overrides time.Now for quiet-hours evaluation.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires a dispatcher. publisher receives the email, SMS and
// push hand-offs.
func NewDispatcher(store NotificationStore, tracker AttemptTracker, live LiveSender, publisher queue.Publisher, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		tracker:   tracker,
		live:      live,
		publisher: publisher,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch persists the notification and fans it out. A repeated event with
// the same dedupe key reuses the stored notification and only enqueues the
// channels that have no attempt yet, so a partially failed fan-out is
// completed on the next call. Delivery failures are recorded on the
// attempts; an error is returned only when an attempt could not be
// recorded at all.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*notification.Notification, error) {
	n, created, err := d.persist(ctx, ev)
	if err != nil {
		return nil, err
	}
	log := d.logger.With().Str("notification_id", n.ID.String()).Str("user_id", n.UserID.String()).Logger()
	if !created {
		log.Debug().Str("dedupe_key", ev.DedupeKey).Msg("event already recorded, resuming fan-out")
	}

	prefs := d.preferences(ctx, n.UserID)
	planned, suppressed := prefs.Plan(n.Category, n.Priority, d.now())
	if len(suppressed) > 0 {
		log.Info().Interface("channels", suppressed).Msg("intrusive channels suppressed by quiet hours")
	}
	if len(planned) == 0 {
		log.Info().Msg("no delivery channel applies, notification recorded only")
		return n, nil
	}

	var errs []error
	for _, p := range planned {
		attempt, fresh, err := d.tracker.Enqueue(ctx, n.ID, p.Channel, p.Target)
		if err != nil {
			log.Error().Err(err).Str("channel", string(p.Channel)).Msg("enqueue delivery attempt failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Channel, err))
			continue
		}
		if !fresh {
			continue
		}
		if p.Channel == notification.ChannelSocket {
			d.deliverLive(ctx, n, attempt)
			continue
		}
		d.handOff(ctx, attempt)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("enqueue delivery attempts: %w", errors.Join(errs...))
	}
	return n, nil
}

// persist stores the notification. created is false when the dedupe key was
// seen before; n then holds the stored notification.
func (d *Dispatcher) persist(ctx context.Context, ev Event) (*notification.Notification, bool, error) {
	n := &notification.Notification{
		UserID:      ev.UserID,
		Category:    ev.Category,
		Priority:    ev.Priority,
		Title:       ev.Title,
		Body:        ev.Body,
		ReminderID:  ev.ReminderID,
		ScheduledAt: ev.ScheduledAt,
	}
	if ev.Payload != nil {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, false, fmt.Errorf("encode payload: %w", err)
		}
		n.Payload = payload
	}
	if ev.DedupeKey != "" {
		key := ev.DedupeKey
		n.DedupeKey = &key
	}

	created, err := d.store.Create(ctx, n)
	if err != nil {
		return nil, false, fmt.Errorf("create notification: %w", err)
	}
	return n, created, nil
}

// preferences falls back to live-socket only when the user's preferences
// cannot be read.
func (d *Dispatcher) preferences(ctx context.Context, userID uuid.UUID) *notification.ChannelPreference {
	prefs, err := d.store.Preferences(ctx, userID)
	if err == nil {
		return prefs
	}
	if !errors.Is(err, notification.ErrNotFound) {
		d.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("load preferences failed, using socket only")
	}
	return notification.DefaultPreference(userID, "")
}

func envelopeFor(n *notification.Notification) websocket.Envelope {
	typ := websocket.TypeNotification
	if n.Category == notification.CategoryReminder {
		typ = websocket.TypeMedicationReminder
	}
	data := map[string]interface{}{
		"id":                n.ID.String(),
		"notification_type": n.Category,
		"title":             n.Title,
		"body":              n.Body,
		"priority":          n.Priority,
		"created_at":        n.CreatedAt,
	}
	if n.ReminderID != nil {
		data["reminder_id"] = n.ReminderID.String()
	}
	if len(n.Payload) > 0 {
		data["payload"] = n.Payload
	}
	return websocket.NewEnvelope(typ, data)
}

func (d *Dispatcher) deliverLive(ctx context.Context, n *notification.Notification, a *delivery.Attempt) {
	out := d.live.SendToUser(ctx, n.UserID, envelopeFor(n))

	report := delivery.Report{NotificationID: n.ID, Channel: notification.ChannelSocket, AttemptNumber: a.AttemptNumber}
	switch {
	case out.Success():
		report.Status = delivery.StatusSent
		d.report(ctx, report)
		report.Status = delivery.StatusDelivered
	case out.NoLiveConnection:
		report.Status = delivery.StatusFailed
		report.ErrorCode = delivery.CodeNoLiveConnection
		report.ErrorMessage = "user has no live connection"
	default:
		report.Status = delivery.StatusFailed
		report.ErrorCode = delivery.CodeSocketWriteFailed
		report.ErrorMessage = fmt.Sprintf("wrote to 0 of %d connections", out.Attempted)
		if out.Err != nil {
			report.ErrorMessage = out.Err.Error()
		}
	}
	d.report(ctx, report)
}

func (d *Dispatcher) handOff(ctx context.Context, a *delivery.Attempt) {
	err := d.publisher.Publish(ctx, queue.DeliveryMessage{
		NotificationID: a.NotificationID,
		Channel:        string(a.Channel),
		TargetAddress:  a.TargetAddress,
		AttemptNumber:  a.AttemptNumber,
	})
	if err == nil {
		return
	}
	d.logger.Error().Err(err).Str("notification_id", a.NotificationID.String()).Str("channel", string(a.Channel)).Msg("publish delivery failed")
	d.report(ctx, delivery.Report{
		NotificationID: a.NotificationID,
		Channel:        a.Channel,
		AttemptNumber:  a.AttemptNumber,
		Status:         delivery.StatusFailed,
		ErrorCode:      CodeQueueUnavailable,
		ErrorMessage:   err.Error(),
	})
}

func (d *Dispatcher) report(ctx context.Context, r delivery.Report) {
	if _, err := d.tracker.Report(ctx, r); err != nil {
		d.logger.Error().Err(err).
			Str("notification_id", r.NotificationID.String()).
			Str("channel", string(r.Channel)).
			Str("status", string(r.Status)).
			Msg("record delivery outcome failed")
	}
}
