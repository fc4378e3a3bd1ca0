package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrDeleted = errors.New("reminder is deleted")

const (
	defaultTriggerWindow = time.Minute
	defaultBatchSize     = 500
)

// Service owns the reminder lifecycle and the due scan.
type Service struct {
	repo     Repository
	users    UserDirectory
	logger   zerolog.Logger
	now      func() time.Time
	window   time.Duration
	lookback time.Duration
	batch    int
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTriggerWindow sets the scan window used for DueReminders and the
// MarkFired duplicate guard.
func WithTriggerWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithLookback widens the due scan into the past so a delayed scan still
// sees instants it missed.
func WithLookback(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.lookback = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

func NewService(repo Repository, users UserDirectory, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		users:  users,
		logger: logger.With().Str("component", "reminder_scheduler").Logger(),
		now:    time.Now,
		window: defaultTriggerWindow,
		batch:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Window() time.Duration { return s.window }

func (s *Service) Lookback() time.Duration { return s.lookback }

func (s *Service) userTimezone(ctx context.Context, userID uuid.UUID) string {
	if s.users == nil {
		return "UTC"
	}
	tz, err := s.users.Timezone(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("timezone lookup failed, using UTC")
		return "UTC"
	}
	if tz == "" {
		return "UTC"
	}
	return tz
}

// computeNext resolves r's schedule strictly after base. A schedule that
// cannot be resolved yields nil and is logged; it is never an error.
func (s *Service) computeNext(r *Reminder, base time.Time) *time.Time {
	log := s.logger.With().Str("reminder_id", r.ID.String()).Logger()
	tod, err := ParseTimeOfDay(r.ReminderTime)
	if err != nil {
		log.Error().Err(err).Msg("stored reminder time is invalid, leaving unscheduled")
		return nil
	}
	days, err := ParseWeekdays(r.DaysOfWeek)
	if err != nil {
		log.Error().Err(err).Msg("stored weekday set is invalid, leaving unscheduled")
		return nil
	}
	next, ok := NextFire(tod, days, ResolveLocation(r.UserTimezone, log), base)
	if !ok {
		log.Error().Msg("no next fire instant, leaving unscheduled")
		return nil
	}
	return &next
}

func (s *Service) Create(ctx context.Context, req CreateReminderRequest) (*Reminder, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.MedicationID == uuid.Nil {
		return nil, fmt.Errorf("medication_id is required")
	}
	tod, err := ParseTimeOfDay(req.ReminderTime)
	if err != nil {
		return nil, err
	}
	days, err := ParseWeekdays(req.DaysOfWeek)
	if err != nil {
		return nil, err
	}

	r := &Reminder{
		ID:           uuid.New(),
		UserID:       req.UserID,
		MedicationID: req.MedicationID,
		ReminderTime: tod.String(),
		DaysOfWeek:   days.Names(),
		UserTimezone: ResolveLocation(s.userTimezone(ctx, req.UserID), s.logger).String(),
		Enabled:      true,
		Status:       StatusActive,
	}
	r.NextScheduledAt = s.computeNext(r, s.now())

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return s.repo.GetByID(ctx, id)
}

// DueReminders returns schedulable reminders whose next fire lies in
// [now-lookback, now+window]. A non-positive window uses the configured one.
func (s *Service) DueReminders(ctx context.Context, window time.Duration) ([]*Reminder, error) {
	if window <= 0 {
		window = s.window
	}
	now := s.now()
	due, err := s.repo.ListDue(ctx, now.Add(-s.lookback), now.Add(window), s.batch)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return due, nil
}

// MarkFired records a firing and advances next_scheduled_at from the fired
// occurrence. A second call inside the trigger window, or for an occurrence
// already in the fire log, changes nothing.
func (s *Service) MarkFired(ctx context.Context, id uuid.UUID) error {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	windowStart := now.Add(-s.window)
	if r.LastSentAt != nil && !r.LastSentAt.Before(windowStart) {
		s.logger.Debug().Str("reminder_id", id.String()).Msg("already fired in this window")
		return nil
	}

	occurrence := r.Occurrence(now)
	base := now
	if occurrence.After(base) {
		base = occurrence
	}

	var next *time.Time
	if r.Status != StatusDeleted {
		next = s.computeNext(r, base)
	}

	applied, err := s.repo.RecordFiring(ctx, Firing{
		ReminderID:  id,
		Occurrence:  occurrence,
		FiredAt:     now,
		Next:        next,
		WindowStart: windowStart,
	})
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	if !applied {
		s.logger.Debug().Str("reminder_id", id.String()).Time("occurrence", occurrence).Msg("occurrence already recorded")
	}
	return nil
}

// Update applies patch. Time, weekday or timezone changes and re-activation
// recompute the next fire from now.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch ReminderPatch) (*Reminder, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusDeleted {
		return nil, ErrDeleted
	}

	wasSchedulable := r.Schedulable()
	recompute := false

	if patch.ReminderTime != nil {
		tod, err := ParseTimeOfDay(*patch.ReminderTime)
		if err != nil {
			return nil, err
		}
		r.ReminderTime = tod.String()
		recompute = true
	}
	if patch.DaysOfWeek != nil {
		days, err := ParseWeekdays(patch.DaysOfWeek)
		if err != nil {
			return nil, err
		}
		r.DaysOfWeek = days.Names()
		recompute = true
	}
	if patch.Timezone != nil {
		r.UserTimezone = ResolveLocation(*patch.Timezone, s.logger).String()
		recompute = true
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.Status != nil {
		if !validStatuses[*patch.Status] || *patch.Status == StatusDeleted {
			return nil, fmt.Errorf("invalid status: %s", *patch.Status)
		}
		r.Status = *patch.Status
	}
	if r.Schedulable() && !wasSchedulable {
		recompute = true
	}

	if recompute {
		r.NextScheduledAt = s.computeNext(r, s.now())
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update reminder: %w", err)
	}
	return r, nil
}

// Delete soft-deletes and disables the reminder. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == StatusDeleted {
		return nil
	}
	r.Status = StatusDeleted
	r.Enabled = false
	r.NextScheduledAt = nil
	if err := s.repo.Update(ctx, r); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

func (s *Service) ListUnscheduled(ctx context.Context, limit int) ([]*Reminder, error) {
	if limit <= 0 || limit > s.batch {
		limit = s.batch
	}
	return s.repo.ListUnscheduled(ctx, limit)
}

// RescheduleStale recomputes reminders whose next fire is older than before,
// skipping the missed occurrence. It returns how many were repaired.
func (s *Service) RescheduleStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.repo.ListStale(ctx, before, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale reminders: %w", err)
	}

	now := s.now()
	repaired := 0
	for _, r := range stale {
		missed := r.NextScheduledAt
		r.NextScheduledAt = s.computeNext(r, now)
		if err := s.repo.Update(ctx, r); err != nil {
			s.logger.Error().Err(err).Str("reminder_id", r.ID.String()).Msg("reschedule stale reminder")
			continue
		}
		evt := s.logger.Warn().Str("reminder_id", r.ID.String())
		if missed != nil {
			evt = evt.Time("missed", *missed)
		}
		evt.Msg("skipped missed occurrence")
		repaired++
	}
	return repaired, nil
}
