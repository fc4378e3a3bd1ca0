package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/platform/queue"
	"github.com/ehr/notify/internal/platform/telemetry"
)

// NotificationStatusSink receives the notification-level effects of attempt
// transitions. Implementations must never regress a notification's status.
type NotificationStatusSink interface {
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementRetry(ctx context.Context, id uuid.UUID) error
}

// TargetDeactivator disables a contact target after a permanent failure.
type TargetDeactivator interface {
	Deactivate(ctx context.Context, userID uuid.UUID, ch notification.Channel, target string) error
}

const (
	defaultMaxAttempts = 3
	defaultRetryBatch  = 100
	defaultStaleAfter  = 5 * time.Minute
)

// Tracker owns the delivery attempt state machine.
type Tracker struct {
	repo        Repository
	sink        NotificationStatusSink
	deactivator TargetDeactivator
	publisher   queue.Publisher
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int
	retryBatch  int
	staleAfter  time.Duration
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMaxAttempts caps attempts per channel. Socket attempts always get one.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithStaleAfter sets how long a handed-off attempt may stay queued without a
// report before the retry poller publishes it again.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithPublisher sets where due retries are sent.
func WithPublisher(p queue.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// NewTracker builds a tracker over repo. deactivator may be nil.
func NewTracker(repo Repository, sink NotificationStatusSink, deactivator TargetDeactivator, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		repo:        repo,
		sink:        sink,
		deactivator: deactivator,
		logger:      logger.With().Str("component", "delivery_tracker").Logger(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		retryBatch:  defaultRetryBatch,
		staleAfter:  defaultStaleAfter,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Enqueue records attempt 1 for a (notification, channel) pair. A second call
// for the same pair returns the existing attempt with created false.
func (t *Tracker) Enqueue(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, target string) (*Attempt, bool, error) {
	if !ch.Valid() {
		return nil, false, fmt.Errorf("invalid channel: %s", ch)
	}
	a := &Attempt{
		NotificationID: notificationID,
		Channel:        ch,
		Status:         StatusQueued,
		TargetAddress:  target,
		AttemptNumber:  1,
		MaxAttempts:    t.maxAttempts,
		QueuedAt:       t.now(),
	}
	if ch == notification.ChannelSocket {
		a.MaxAttempts = 1
	}

	created, err := t.repo.Create(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s attempt: %w", ch, err)
	}
	if !created {
		existing, err := t.repo.Get(ctx, notificationID, ch)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	telemetry.DeliveryTransitions.WithLabelValues(string(ch), string(StatusQueued)).Inc()
	return a, true, nil
}

// Report applies a worker callback. Stale, duplicate, out-of-range and
// backwards reports are absorbed and described in the result.
func (t *Tracker) Report(ctx context.Context, r Report) (*ReportResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	now := t.now()
	var requeued bool
	a, err := t.repo.Apply(ctx, r.NotificationID, r.Channel, func(a *Attempt) ([]AuditEntry, error) {
		requeued = false
		switch {
		case r.AttemptNumber < a.AttemptNumber:
			return nil, ErrStaleReport
		case r.AttemptNumber > a.AttemptNumber:
			return nil, ErrFutureAttempt
		case a.Status == r.Status:
			return nil, ErrDuplicateReport
		case !CanTransition(a.Status, r.Status):
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, r.Status)
		}

		entries := []AuditEntry{a.apply(r, now)}
		if r.Status == StatusFailed && Retryable(r.ErrorCode) && a.AttemptNumber < a.MaxAttempts {
			next := now.Add(Backoff(a.AttemptNumber))
			entries = append(entries, a.requeue(now, next))
			requeued = true
		}
		return entries, nil
	})

	if reason := ignoredReason(err); reason != "" {
		return t.ignore(ctx, r, reason, err)
	}
	if err != nil {
		return nil, err
	}

	telemetry.DeliveryTransitions.WithLabelValues(string(r.Channel), string(r.Status)).Inc()
	t.logger.Info().
		Str("notification_id", r.NotificationID.String()).
		Str("channel", string(r.Channel)).
		Int("attempt", r.AttemptNumber).
		Str("status", string(r.Status)).
		Str("error_code", r.ErrorCode).
		Bool("requeued", requeued).
		Msg("delivery transition applied")

	t.propagate(ctx, a, r, requeued)
	return &ReportResult{Attempt: a, Applied: true, Requeued: requeued}, nil
}

func ignoredReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleReport):
		return "stale"
	case errors.Is(err, ErrFutureAttempt):
		return "future_attempt"
	case errors.Is(err, ErrDuplicateReport):
		return "duplicate"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return ""
}

func (t *Tracker) ignore(ctx context.Context, r Report, reason string, cause error) (*ReportResult, error) {
	telemetry.ReportsIgnored.WithLabelValues(reason).Inc()
	ev := t.logger.Debug()
	if errors.Is(cause, ErrFutureAttempt) || errors.Is(cause, ErrInvalidTransition) {
		ev = t.logger.Warn()
	}
	ev.Err(cause).
		Str("notification_id", r.NotificationID.String()).
		Str("channel", string(r.Channel)).
		Int("attempt", r.AttemptNumber).
		Str("status", string(r.Status)).
		Msg("delivery report ignored")

	current, err := t.repo.Get(ctx, r.NotificationID, r.Channel)
	if err != nil {
		return nil, err
	}
	return &ReportResult{Attempt: current, Ignored: reason}, nil
}

// propagate pushes an applied transition to the notification and to the
// target owner. Failures are logged; the attempt state is already durable.
func (t *Tracker) propagate(ctx context.Context, a *Attempt, r Report, requeued bool) {
	log := t.logger.With().Str("notification_id", a.NotificationID.String()).Str("channel", string(a.Channel)).Logger()

	var err error
	switch {
	case requeued:
		telemetry.DeliveryRetries.WithLabelValues(string(a.Channel)).Inc()
		err = t.sink.IncrementRetry(ctx, a.NotificationID)
	case r.Status == StatusSent:
		err = t.sink.MarkSent(ctx, a.NotificationID)
	case r.Status == StatusDelivered:
		err = t.sink.MarkDelivered(ctx, a.NotificationID)
	default:
		if r.Status == StatusBounced || r.Status == StatusRejected {
			t.deactivate(ctx, a)
		}
		err = t.failIfExhausted(ctx, a.NotificationID, r.ErrorMessage)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to update notification from delivery transition")
	}
}

func (t *Tracker) deactivate(ctx context.Context, a *Attempt) {
	if t.deactivator == nil || a.TargetAddress == "" || a.Channel == notification.ChannelSocket {
		return
	}
	n, err := t.sink.Get(ctx, a.NotificationID)
	if err != nil {
		t.logger.Error().Err(err).Str("notification_id", a.NotificationID.String()).Msg("load notification for target deactivation")
		return
	}
	if err := t.deactivator.Deactivate(ctx, n.UserID, a.Channel, a.TargetAddress); err != nil {
		t.logger.Error().Err(err).Str("user_id", n.UserID.String()).Str("channel", string(a.Channel)).Msg("target deactivation failed")
	}
}

// failIfExhausted marks the notification failed once every attempt ended in
// a failure variant.
func (t *Tracker) failIfExhausted(ctx context.Context, notificationID uuid.UUID, errMsg string) error {
	attempts, err := t.repo.ListByNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if !a.Status.FailureVariant() {
			return nil
		}
	}
	if errMsg == "" {
		errMsg = "all delivery channels failed"
	}
	return t.sink.MarkFailed(ctx, notificationID, errMsg)
}

// RequeueDue publishes retries whose backoff has elapsed and returns how many
// were handed to the queue.
func (t *Tracker) RequeueDue(ctx context.Context, limit int) (int, error) {
	if t.publisher == nil {
		return 0, fmt.Errorf("no delivery publisher configured")
	}
	if limit <= 0 {
		limit = t.retryBatch
	}
	now := t.now()
	due, err := t.repo.ListDueRetries(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	published := 0
	for _, a := range due {
		log := t.attemptLogger(a)
		if a.Channel == notification.ChannelSocket {
			log.Warn().Msg("socket attempts are not retried")
			continue
		}

		claimed, err := t.repo.ClaimRetry(ctx, a.NotificationID, a.Channel, a.AttemptNumber, now)
		if err != nil {
			log.Error().Err(err).Msg("claim retry failed")
			continue
		}
		if !claimed {
			continue
		}

		if err := t.publish(ctx, a); err != nil {
			log.Error().Err(err).Msg("publish retry failed, rescheduling")
			if err := t.repo.ScheduleRetry(ctx, a.NotificationID, a.Channel, a.AttemptNumber, now.Add(baseBackoff)); err != nil {
				log.Error().Err(err).Msg("reschedule retry failed")
			}
			continue
		}
		published++
	}
	if published > 0 {
		t.logger.Info().Int("count", published).Msg("requeued delivery retries")
	}
	return published, nil
}

// RequeueStale publishes queued attempts that were handed off more than the
// stale threshold ago and never reported back. Workers skip messages whose
// attempt has already moved on, so a late duplicate does not send twice.
func (t *Tracker) RequeueStale(ctx context.Context, limit int) (int, error) {
	if t.publisher == nil {
		return 0, fmt.Errorf("no delivery publisher configured")
	}
	if limit <= 0 {
		limit = t.retryBatch
	}
	now := t.now()
	before := now.Add(-t.staleAfter)
	stale, err := t.repo.ListStaleQueued(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale attempts: %w", err)
	}

	published := 0
	for _, a := range stale {
		log := t.attemptLogger(a)
		if a.Channel == notification.ChannelSocket {
			continue
		}
		claimed, err := t.repo.ClaimStale(ctx, a.NotificationID, a.Channel, a.AttemptNumber, before, now)
		if err != nil {
			log.Error().Err(err).Msg("claim stale attempt failed")
			continue
		}
		if !claimed {
			continue
		}
		if err := t.publish(ctx, a); err != nil {
			log.Error().Err(err).Msg("republish stale attempt failed")
			continue
		}
		published++
	}
	if published > 0 {
		t.logger.Warn().Int("count", published).Dur("stale_after", t.staleAfter).Msg("republished stale delivery attempts")
	}
	return published, nil
}

func (t *Tracker) publish(ctx context.Context, a *Attempt) error {
	return t.publisher.Publish(ctx, queue.DeliveryMessage{
		NotificationID: a.NotificationID,
		Channel:        string(a.Channel),
		TargetAddress:  a.TargetAddress,
		AttemptNumber:  a.AttemptNumber,
	})
}

func (t *Tracker) attemptLogger(a *Attempt) zerolog.Logger {
	return t.logger.With().
		Str("notification_id", a.NotificationID.String()).
		Str("channel", string(a.Channel)).
		Int("attempt", a.AttemptNumber).
		Logger()
}

// StartRetryPoller runs RequeueDue and RequeueStale every interval until ctx
// is cancelled.
func (t *Tracker) StartRetryPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.RequeueDue(ctx, t.retryBatch); err != nil {
				t.logger.Error().Err(err).Msg("retry poll failed")
			}
			if _, err := t.RequeueStale(ctx, t.retryBatch); err != nil {
				t.logger.Error().Err(err).Msg("stale attempt sweep failed")
			}
		}
	}
}

// Attempt returns the current state of one (notification, channel) attempt.
func (t *Tracker) Attempt(ctx context.Context, notificationID uuid.UUID, ch notification.Channel) (*Attempt, error) {
	return t.repo.Get(ctx, notificationID, ch)
}

func (t *Tracker) Attempts(ctx context.Context, notificationID uuid.UUID) ([]*Attempt, error) {
	return t.repo.ListByNotification(ctx, notificationID)
}

// AuditTrail returns every recorded transition for a notification, oldest
// first.
func (t *Tracker) AuditTrail(ctx context.Context, notificationID uuid.UUID) ([]*AuditEntry, error) {
	return t.repo.ListAudit(ctx, notificationID)
}
