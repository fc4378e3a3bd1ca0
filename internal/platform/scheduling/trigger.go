package scheduling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/domain/reminder"
	"github.com/ehr/notify/internal/platform/dispatch"
	"github.com/ehr/notify/internal/platform/telemetry"
)

// ErrScanInProgress is returned by RunOnce when another scan, in this
// process or elsewhere when a Locker is set, has not finished.
var ErrScanInProgress = errors.New("reminder scan already in progress")

const scanLockKey = "notify:reminder-scan"

// ReminderSource is the part of the reminder scheduler the trigger drives.
type ReminderSource interface {
	DueReminders(ctx context.Context, window time.Duration) ([]*reminder.Reminder, error)
	MarkFired(ctx context.Context, id uuid.UUID) error
	RescheduleStale(ctx context.Context, before time.Time) (int, error)
	Window() time.Duration
	Lookback() time.Duration
}

// EventDispatcher hands a reminder event to the notification pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*notification.Notification, error)
}

// Locker provides a cross-process mutual exclusion lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// ScanResult summarizes one trigger run.
type ScanResult struct {
	Due      int           `json:"due"`
	Fired    int           `json:"fired"`
	Failed   int           `json:"failed"`
	Repaired int           `json:"repaired"`
	Duration time.Duration `json:"duration"`
}

// Trigger runs the periodic due-reminder scan. At most one scan runs at a
// time; an overlapping call is rejected rather than queued.
type Trigger struct {
	mu         sync.Mutex
	source     ReminderSource
	dispatcher EventDispatcher
	locker     Locker
	interval   time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

type TriggerOption func(*Trigger)

// WithLocker guards each scan with a distributed lease so several
// replicas never scan concurrently.
func WithLocker(l Locker) TriggerOption {
	return func(t *Trigger) { t.locker = l }
}

// WithTriggerClock overrides time.Now.
func WithTriggerClock(now func() time.Time) TriggerOption {
	return func(t *Trigger) { t.now = now }
}

// NewTrigger creates a trigger. interval bounds both the tick period and
// the duration of a single scan.
func NewTrigger(source ReminderSource, dispatcher EventDispatcher, interval time.Duration, logger zerolog.Logger, opts ...TriggerOption) *Trigger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := &Trigger{
		source:     source,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With().Str("component", "reminder_trigger").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if lb := source.Lookback(); lb < interval {
		t.logger.Warn().Dur("lookback", lb).Dur("interval", interval).
			Msg("scan lookback shorter than interval, a failed dispatch may not be retried")
	}
	return t
}

// Start runs a scan every interval until ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("reminder trigger started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("reminder trigger stopped")
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrScanInProgress) {
					t.logger.Debug().Msg("previous scan still running, skipping tick")
					continue
				}
				t.logger.Error().Err(err).Msg("reminder scan failed")
			}
		}
	}
}

// RunOnce performs one scan: repair stale schedules, dispatch every due
// reminder and mark it fired. A reminder whose dispatch fails is left
// unmarked so the next scan retries it.
func (t *Trigger) RunOnce(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	if !t.mu.TryLock() {
		return res, ErrScanInProgress
	}
	defer t.mu.Unlock()

	if t.locker != nil {
		release, ok, err := t.locker.Acquire(ctx, scanLockKey, t.interval)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, ErrScanInProgress
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				t.logger.Warn().Err(err).Msg("release scan lock")
			}
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	start := t.now()
	defer func() {
		res.Duration = t.now().Sub(start)
		telemetry.ScanDuration.Observe(res.Duration.Seconds())
	}()

	// Anything older than one window past the lookback was missed for good.
	before := start.Add(-(t.source.Lookback() + t.source.Window()))
	repaired, err := t.source.RescheduleStale(ctx, before)
	if err != nil {
		t.logger.Error().Err(err).Msg("reschedule stale reminders")
	}
	res.Repaired = repaired

	due, err := t.source.DueReminders(ctx, 0)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, r := range due {
		if ctx.Err() != nil {
			t.logger.Warn().Int("remaining", res.Due-res.Fired-res.Failed).Msg("scan deadline reached")
			break
		}
		log := t.logger.With().Str("reminder_id", r.ID.String()).Logger()

		if _, err := t.dispatcher.Dispatch(ctx, dispatch.ReminderEvent(r, t.now())); err != nil {
			res.Failed++
			telemetry.RemindersFired.WithLabelValues("dispatch_failed").Inc()
			log.Error().Err(err).Msg("dispatch reminder")
			continue
		}
		if err := t.source.MarkFired(ctx, r.ID); err != nil {
			res.Failed++
			telemetry.RemindersFired.WithLabelValues("mark_failed").Inc()
			log.Error().Err(err).Msg("mark reminder fired")
			continue
		}
		res.Fired++
		telemetry.RemindersFired.WithLabelValues("fired").Inc()
	}

	if res.Due > 0 {
		t.logger.Info().
			Int("due", res.Due).
			Int("fired", res.Fired).
			Int("failed", res.Failed).
			Msg("reminder scan complete")
	}
	return res, nil
}
