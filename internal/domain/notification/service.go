package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultRetention = 90 * 24 * time.Hour
)

// Service is the notification store and the query surface used by
// clients. It also receives delivery outcomes from the tracker.
type Service struct {
	repo      NotificationRepository
	prefs     PreferenceRepository
	logger    zerolog.Logger
	now       func() time.Time
	retention time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetention sets how long read or dismissed notifications are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewService(repo NotificationRepository, prefs PreferenceRepository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		prefs:     prefs,
		logger:    logger.With().Str("component", "notification_store").Logger(),
		now:       time.Now,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists n in pending state. created is false when a
// notification with the same dedupe key already exists; n then holds it.
func (s *Service) Create(ctx context.Context, n *Notification) (bool, error) {
	if n.UserID == uuid.Nil {
		return false, fmt.Errorf("user_id is required")
	}
	if n.Title == "" {
		return false, fmt.Errorf("title is required")
	}
	if !n.Category.Valid() {
		return false, fmt.Errorf("invalid notification_type: %s", n.Category)
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if !n.Priority.Valid() {
		return false, fmt.Errorf("invalid priority: %s", n.Priority)
	}
	n.Status = StatusPending
	return s.repo.Create(ctx, n)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*Notification, int, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, fmt.Errorf("invalid notification_type: %s", f.Category)
	}
	return s.repo.ListByUser(ctx, userID, f)
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// userTransition applies a read or dismiss on behalf of the owner. Repeating
// the same action is not an error.
func (s *Service) userTransition(ctx context.Context, userID, id uuid.UUID, to Status) (*Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, ErrNotFound
	}
	if n.Status == to {
		return n, nil
	}
	if !CanTransition(n.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
	}

	now := s.now()
	changed, err := s.repo.AdvanceStatus(ctx, id, to, now, "")
	if err != nil {
		return nil, fmt.Errorf("update notification: %w", err)
	}
	if !changed {
		// Lost a race with another transition; report the stored state.
		return s.repo.GetByID(ctx, id)
	}
	n.Advance(to, now, "")
	return n, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return s.userTransition(ctx, userID, id, StatusRead)
}

func (s *Service) Dismiss(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return s.userTransition(ctx, userID, id, StatusDismissed)
}

func (s *Service) advance(ctx context.Context, id uuid.UUID, to Status, errMsg string) error {
	changed, err := s.repo.AdvanceStatus(ctx, id, to, s.now(), errMsg)
	if err != nil {
		return fmt.Errorf("advance notification %s to %s: %w", id, to, err)
	}
	if changed {
		s.logger.Debug().Str("notification_id", id.String()).Str("status", string(to)).Msg("notification advanced")
	}
	return nil
}

// MarkSent, MarkDelivered and MarkFailed never regress the stored status.
func (s *Service) MarkSent(ctx context.Context, id uuid.UUID) error {
	return s.advance(ctx, id, StatusSent, "")
}

func (s *Service) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return s.advance(ctx, id, StatusDelivered, "")
}

func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.advance(ctx, id, StatusFailed, errMsg)
}

func (s *Service) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	return s.repo.IncrementRetry(ctx, id)
}

// Preferences returns the user's channel preferences.
func (s *Service) Preferences(ctx context.Context, userID uuid.UUID) (*ChannelPreference, error) {
	return s.prefs.Get(ctx, userID)
}

func (s *Service) PushSubscription(ctx context.Context, endpoint string) (*PushSubscription, error) {
	return s.prefs.PushSubscription(ctx, endpoint)
}

// Deactivate disables a target that a provider reported as permanently
// undeliverable.
func (s *Service) Deactivate(ctx context.Context, userID uuid.UUID, ch Channel, target string) error {
	if err := s.prefs.DeactivateTarget(ctx, userID, ch, target); err != nil {
		return fmt.Errorf("deactivate %s target: %w", ch, err)
	}
	s.logger.Info().Str("user_id", userID.String()).Str("channel", string(ch)).Msg("delivery target deactivated")
	return nil
}

// Purge deletes read or dismissed notifications older than the retention.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	count, err := s.repo.DeleteReadBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	if count > 0 {
		s.logger.Info().Int64("count", count).Time("cutoff", cutoff).Msg("purged old notifications")
	}
	return count, nil
}

// StartPurger runs Purge every interval until ctx is cancelled.
func (s *Service) StartPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("notification purge failed")
			}
		}
	}
}
