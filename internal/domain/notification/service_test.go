package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repositories --

type mockNotificationRepo struct {
	mu      sync.Mutex
	store   map[uuid.UUID]*Notification
	deduped map[string]uuid.UUID
}

func newMockNotificationRepo() *mockNotificationRepo {
	return &mockNotificationRepo{
		store:   make(map[uuid.UUID]*Notification),
		deduped: make(map[string]uuid.UUID),
	}
}

func (m *mockNotificationRepo) Create(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.DedupeKey != nil {
		if id, ok := m.deduped[*n.DedupeKey]; ok {
			*n = *m.store[id]
			return false, nil
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	cp := *n
	m.store[n.ID] = &cp
	if n.DedupeKey != nil {
		m.deduped[*n.DedupeKey] = n.ID
	}
	return true, nil
}

func (m *mockNotificationRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockNotificationRepo) ListByUser(_ context.Context, userID uuid.UUID, f ListFilter) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.store {
		if n.UserID != userID {
			continue
		}
		if f.Category != "" && n.Category != f.Category {
			continue
		}
		if f.UnreadOnly && !isUnread(n.Status) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func isUnread(s Status) bool {
	return s == StatusPending || s == StatusSent || s == StatusDelivered
}

func (m *mockNotificationRepo) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.store {
		if n.UserID == userID && isUnread(n.Status) {
			count++
		}
	}
	return count, nil
}

func (m *mockNotificationRepo) AdvanceStatus(_ context.Context, id uuid.UUID, to Status, at time.Time, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.store[id]
	if !ok {
		return false, nil
	}
	return n.Advance(to, at, errMsg), nil
}

func (m *mockNotificationRepo) IncrementRetry(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.store[id]; ok {
		n.RetryCount++
	}
	return nil
}

func (m *mockNotificationRepo) DeleteReadBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, n := range m.store {
		if n.Status != StatusRead && n.Status != StatusDismissed {
			continue
		}
		ts := n.CreatedAt
		if n.ReadAt != nil {
			ts = *n.ReadAt
		} else if n.DismissedAt != nil {
			ts = *n.DismissedAt
		}
		if ts.Before(before) {
			delete(m.store, id)
			count++
		}
	}
	return count, nil
}

type mockPreferenceRepo struct {
	prefs       map[uuid.UUID]*ChannelPreference
	deactivated []string
}

func (m *mockPreferenceRepo) Get(_ context.Context, userID uuid.UUID) (*ChannelPreference, error) {
	p, ok := m.prefs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPreferenceRepo) PushSubscription(_ context.Context, endpoint string) (*PushSubscription, error) {
	for _, p := range m.prefs {
		if p.Push != nil && p.Push.Endpoint == endpoint {
			return p.Push, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPreferenceRepo) DeactivateTarget(_ context.Context, userID uuid.UUID, ch Channel, target string) error {
	m.deactivated = append(m.deactivated, string(ch)+":"+target)
	return nil
}

func newTestService() (*Service, *mockNotificationRepo) {
	repo := newMockNotificationRepo()
	prefs := &mockPreferenceRepo{prefs: map[uuid.UUID]*ChannelPreference{}}
	return NewService(repo, prefs, zerolog.Nop()), repo
}

func createNotification(t *testing.T, svc *Service, userID uuid.UUID) *Notification {
	t.Helper()
	n := &Notification{UserID: userID, Category: CategoryAlert, Title: "Lab result ready"}
	if _, err := svc.Create(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

// -- Tests --

func TestCreate_DefaultsAndValidation(t *testing.T) {
	svc, _ := newTestService()
	n := createNotification(t, svc, uuid.New())
	if n.Status != StatusPending || n.Priority != PriorityNormal {
		t.Errorf("expected pending/normal, got %s/%s", n.Status, n.Priority)
	}

	bad := &Notification{UserID: uuid.New(), Category: "gossip", Title: "x"}
	if _, err := svc.Create(context.Background(), bad); err == nil {
		t.Error("expected error for invalid category")
	}
	if _, err := svc.Create(context.Background(), &Notification{UserID: uuid.New(), Category: CategoryAlert}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestCreate_Dedupe(t *testing.T) {
	svc, repo := newTestService()
	key := "reminder:abc:1700000000"
	userID := uuid.New()

	first := &Notification{UserID: userID, Category: CategoryReminder, Title: "Take meds", DedupeKey: &key}
	created, err := svc.Create(context.Background(), first)
	if err != nil || !created {
		t.Fatalf("expected first create, got created=%v err=%v", created, err)
	}

	second := &Notification{UserID: userID, Category: CategoryReminder, Title: "Take meds", DedupeKey: &key}
	created, err = svc.Create(context.Background(), second)
	if err != nil || created {
		t.Fatalf("expected dedupe, got created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("expected stored notification to be returned")
	}
	if len(repo.store) != 1 {
		t.Errorf("expected one stored notification, got %d", len(repo.store))
	}
}

func TestMarkRead_OwnerOnly(t *testing.T) {
	svc, _ := newTestService()
	owner := uuid.New()
	n := createNotification(t, svc, owner)

	if _, err := svc.MarkRead(context.Background(), uuid.New(), n.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user, got %v", err)
	}

	read, err := svc.MarkRead(context.Background(), owner, n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if read.Status != StatusRead || read.ReadAt == nil {
		t.Errorf("expected read with read_at, got %s", read.Status)
	}

	again, err := svc.MarkRead(context.Background(), owner, n.ID)
	if err != nil || again.Status != StatusRead {
		t.Errorf("expected repeat read to be a no-op, got %v", err)
	}

	if _, err := svc.Dismiss(context.Background(), owner, n.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition dismissing a read notification, got %v", err)
	}
}

func TestDeliveryFeedbackNeverRegresses(t *testing.T) {
	svc, repo := newTestService()
	n := createNotification(t, svc, uuid.New())
	ctx := context.Background()

	svc.MarkDelivered(ctx, n.ID)
	svc.MarkSent(ctx, n.ID)
	svc.MarkFailed(ctx, n.ID, "late failure")

	stored := repo.store[n.ID]
	if stored.Status != StatusDelivered {
		t.Errorf("expected delivered to stick, got %s", stored.Status)
	}
	if stored.FailedAt != nil {
		t.Error("failed_at must not be set after delivery")
	}
}

func TestMarkFailed_ThenUserCanRead(t *testing.T) {
	svc, repo := newTestService()
	owner := uuid.New()
	n := createNotification(t, svc, owner)

	if err := svc.MarkFailed(context.Background(), n.ID, "all channels failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.store[n.ID].Status != StatusFailed {
		t.Fatalf("expected failed, got %s", repo.store[n.ID].Status)
	}
	if _, err := svc.MarkRead(context.Background(), owner, n.ID); err != nil {
		t.Errorf("expected failed notification to be readable, got %v", err)
	}
}

func TestUnreadCount(t *testing.T) {
	svc, _ := newTestService()
	owner := uuid.New()
	a := createNotification(t, svc, owner)
	createNotification(t, svc, owner)
	createNotification(t, svc, uuid.New())
	svc.MarkRead(context.Background(), owner, a.ID)

	count, err := svc.UnreadCount(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 unread, got %d", count)
	}
}

func TestPurge_RemovesOnlyOldRead(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newMockNotificationRepo()
	svc := NewService(repo, &mockPreferenceRepo{}, zerolog.Nop(),
		WithClock(func() time.Time { return now }), WithRetention(30*24*time.Hour))

	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-5 * 24 * time.Hour)
	oldRead := &Notification{ID: uuid.New(), Status: StatusRead, ReadAt: &old}
	recentRead := &Notification{ID: uuid.New(), Status: StatusRead, ReadAt: &recent}
	oldUnread := &Notification{ID: uuid.New(), Status: StatusDelivered, CreatedAt: old}
	for _, n := range []*Notification{oldRead, recentRead, oldUnread} {
		repo.store[n.ID] = n
	}

	count, err := svc.Purge(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 purged, got %d", count)
	}
	if _, ok := repo.store[oldRead.ID]; ok {
		t.Error("expected old read notification to be purged")
	}
}

func TestDeactivate(t *testing.T) {
	prefs := &mockPreferenceRepo{}
	svc := NewService(newMockNotificationRepo(), prefs, zerolog.Nop())
	if err := svc.Deactivate(context.Background(), uuid.New(), ChannelPush, "https://push/x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prefs.deactivated) != 1 || prefs.deactivated[0] != "push:https://push/x" {
		t.Errorf("unexpected deactivations: %v", prefs.deactivated)
	}
}
