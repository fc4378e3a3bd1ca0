package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/platform/queue"
)

// -- Mock Repository --

type attemptKey struct {
	id uuid.UUID
	ch notification.Channel
}

type mockRepo struct {
	mu       sync.Mutex
	attempts map[attemptKey]*Attempt
	audit    []*AuditEntry
}

func newMockRepo() *mockRepo {
	return &mockRepo{attempts: make(map[attemptKey]*Attempt)}
}

func (m *mockRepo) Create(_ context.Context, a *Attempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := attemptKey{a.NotificationID, a.Channel}
	if _, ok := m.attempts[k]; ok {
		return false, nil
	}
	cp := *a
	m.attempts[k] = &cp
	return true, nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID, ch notification.Channel) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{id, ch}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) ListByNotification(_ context.Context, id uuid.UUID) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attempt
	for k, a := range m.attempts {
		if k.id == id {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) Apply(_ context.Context, id uuid.UUID, ch notification.Channel, fn MutateFunc) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.attempts[attemptKey{id, ch}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stored
	entries, err := fn(&cp)
	if err != nil {
		return nil, err
	}
	m.attempts[attemptKey{id, ch}] = &cp
	for i := range entries {
		e := entries[i]
		e.ID = int64(len(m.audit) + 1)
		m.audit = append(m.audit, &e)
	}
	out := cp
	return &out, nil
}

func (m *mockRepo) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attempt
	for _, a := range m.attempts {
		if a.Status == StatusQueued && a.NextAttemptAt != nil && !a.NextAttemptAt.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) ClaimRetry(_ context.Context, id uuid.UUID, ch notification.Channel, n int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{id, ch}]
	if !ok || a.AttemptNumber != n || a.Status != StatusQueued || a.NextAttemptAt == nil {
		return false, nil
	}
	a.NextAttemptAt = nil
	a.QueuedAt = at
	return true, nil
}

func (m *mockRepo) ListStaleQueued(_ context.Context, before time.Time, limit int) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attempt
	for _, a := range m.attempts {
		if a.Status == StatusQueued && a.NextAttemptAt == nil && a.Channel != notification.ChannelSocket && a.QueuedAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) ClaimStale(_ context.Context, id uuid.UUID, ch notification.Channel, n int, before, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{id, ch}]
	if !ok || a.AttemptNumber != n || a.Status != StatusQueued || a.NextAttemptAt != nil || !a.QueuedAt.Before(before) {
		return false, nil
	}
	a.QueuedAt = at
	return true, nil
}

func (m *mockRepo) ScheduleRetry(_ context.Context, id uuid.UUID, ch notification.Channel, n int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[attemptKey{id, ch}]; ok && a.AttemptNumber == n {
		a.NextAttemptAt = &at
	}
	return nil
}

func (m *mockRepo) ListAudit(_ context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.audit {
		if e.NotificationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// -- Mock Notification Sink --

type mockSink struct {
	mu      sync.Mutex
	userID  uuid.UUID
	calls   []string
	retries int
}

func (m *mockSink) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return nil
}

func (m *mockSink) Get(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	return &notification.Notification{ID: id, UserID: m.userID}, nil
}
func (m *mockSink) MarkSent(context.Context, uuid.UUID) error      { return m.record("sent") }
func (m *mockSink) MarkDelivered(context.Context, uuid.UUID) error { return m.record("delivered") }
func (m *mockSink) MarkFailed(_ context.Context, _ uuid.UUID, msg string) error {
	return m.record("failed:" + msg)
}
func (m *mockSink) IncrementRetry(context.Context, uuid.UUID) error {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
	return nil
}

func (m *mockSink) has(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

type mockDeactivator struct {
	targets []string
}

func (m *mockDeactivator) Deactivate(_ context.Context, _ uuid.UUID, ch notification.Channel, target string) error {
	m.targets = append(m.targets, string(ch)+":"+target)
	return nil
}

type trackerFixture struct {
	tracker *Tracker
	repo    *mockRepo
	sink    *mockSink
	deact   *mockDeactivator
	queue   *queue.Memory
	now     time.Time
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		repo:  newMockRepo(),
		sink:  &mockSink{userID: uuid.New()},
		deact: &mockDeactivator{},
		queue: queue.NewMemory(16),
		now:   time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.repo, f.sink, f.deact, zerolog.Nop(),
		WithClock(func() time.Time { return f.now }),
		WithMaxAttempts(3),
		WithPublisher(f.queue))
	return f
}

func (f *trackerFixture) enqueue(t *testing.T, ch notification.Channel, target string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, created, err := f.tracker.Enqueue(context.Background(), id, ch, target); err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	return id
}

func (f *trackerFixture) report(t *testing.T, r Report) *ReportResult {
	t.Helper()
	res, err := f.tracker.Report(context.Background(), r)
	if err != nil {
		t.Fatalf("report %+v: %v", r, err)
	}
	return res
}

// -- Tests --

func TestEnqueue_IdempotentPerPair(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")

	a, created, err := f.tracker.Enqueue(context.Background(), id, notification.ChannelEmail, "other@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected second enqueue to return the existing attempt")
	}
	if a.TargetAddress != "a@example.com" || a.AttemptNumber != 1 || a.MaxAttempts != 3 {
		t.Errorf("unexpected attempt: %+v", a)
	}
}

func TestEnqueue_SocketSingleAttempt(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelSocket, "user")
	a, _ := f.repo.Get(context.Background(), id, notification.ChannelSocket)
	if a.MaxAttempts != 1 {
		t.Errorf("expected socket max_attempts 1, got %d", a.MaxAttempts)
	}
}

func TestReport_ForwardLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")

	res := f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusSent, ProviderMessageID: "re_1"})
	if !res.Applied || res.Attempt.Status != StatusSent || res.Attempt.SentAt == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	res = f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusDelivered})
	if !res.Applied || res.Attempt.DeliveredAt == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if *res.Attempt.ProviderMessageID != "re_1" {
		t.Errorf("expected provider id to be kept")
	}

	// Terminal: a late failure is ignored.
	res = f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusFailed, ErrorCode: "provider_error"})
	if res.Applied || res.Ignored != "invalid_transition" || res.Attempt.Status != StatusDelivered {
		t.Errorf("expected late failure to be ignored, got %+v", res)
	}

	if !f.sink.has("sent") || !f.sink.has("delivered") {
		t.Errorf("expected sent and delivered to propagate, got %v", f.sink.calls)
	}
	audit, _ := f.tracker.AuditTrail(context.Background(), id)
	if len(audit) != 2 || audit[0].ToStatus != StatusSent || audit[1].ToStatus != StatusDelivered {
		t.Errorf("unexpected audit trail: %+v", audit)
	}
}

func TestReport_RetryableFailureRequeues(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelSMS, "+15551234567")

	res := f.report(t, Report{NotificationID: id, Channel: notification.ChannelSMS, AttemptNumber: 1, Status: StatusFailed, ErrorCode: "provider_error", ErrorMessage: "503"})
	if !res.Requeued {
		t.Fatalf("expected requeue, got %+v", res)
	}
	a := res.Attempt
	if a.Status != StatusQueued || a.AttemptNumber != 2 {
		t.Errorf("expected queued attempt 2, got %s attempt %d", a.Status, a.AttemptNumber)
	}
	if a.NextAttemptAt == nil || !a.NextAttemptAt.Equal(f.now.Add(30*time.Second)) {
		t.Errorf("expected next attempt in 30s, got %v", a.NextAttemptAt)
	}
	if f.sink.retries != 1 {
		t.Errorf("expected retry_count increment, got %d", f.sink.retries)
	}
	if f.sink.has("failed:503") {
		t.Error("notification must not fail while a retry is pending")
	}

	// A late report for attempt 1 is stale.
	res = f.report(t, Report{NotificationID: id, Channel: notification.ChannelSMS, AttemptNumber: 1, Status: StatusSent})
	if res.Ignored != "stale" {
		t.Errorf("expected stale, got %+v", res)
	}
	// A report for an attempt never queued is ignored.
	res = f.report(t, Report{NotificationID: id, Channel: notification.ChannelSMS, AttemptNumber: 3, Status: StatusSent})
	if res.Ignored != "future_attempt" {
		t.Errorf("expected future_attempt, got %+v", res)
	}

	audit, _ := f.tracker.AuditTrail(context.Background(), id)
	if len(audit) != 2 || audit[1].FromStatus != StatusFailed || audit[1].ToStatus != StatusQueued || audit[1].AttemptNumber != 2 {
		t.Errorf("unexpected audit trail: %+v", audit)
	}
}

func TestReport_ExhaustsMaxAttempts(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")

	for attempt := 1; attempt <= 3; attempt++ {
		res := f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: attempt, Status: StatusFailed, ErrorCode: "timeout", ErrorMessage: "timed out"})
		if wantRequeue := attempt < 3; res.Requeued != wantRequeue {
			t.Fatalf("attempt %d: requeued=%v", attempt, res.Requeued)
		}
		if res.Attempt.AttemptNumber > res.Attempt.MaxAttempts {
			t.Fatalf("attempt number %d exceeds max %d", res.Attempt.AttemptNumber, res.Attempt.MaxAttempts)
		}
	}
	a, _ := f.repo.Get(context.Background(), id, notification.ChannelEmail)
	if a.Status != StatusFailed || a.AttemptNumber != 3 || a.NextAttemptAt != nil {
		t.Errorf("expected terminal failed attempt 3, got %s attempt %d", a.Status, a.AttemptNumber)
	}
	if !f.sink.has("failed:timed out") {
		t.Errorf("expected notification failure, got %v", f.sink.calls)
	}
}

func TestReport_NonRetryableIsTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")

	res := f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusFailed, ErrorCode: CodeInvalidAddress})
	if res.Requeued || res.Attempt.Status != StatusFailed {
		t.Errorf("expected terminal failure, got %+v", res)
	}
}

func TestReport_BouncedDeactivatesTarget(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelPush, "https://push.example.com/sub")

	res := f.report(t, Report{NotificationID: id, Channel: notification.ChannelPush, AttemptNumber: 1, Status: StatusBounced, ErrorCode: "subscription_expired"})
	if res.Requeued || res.Attempt.Status != StatusBounced {
		t.Fatalf("expected terminal bounce, got %+v", res)
	}
	if len(f.deact.targets) != 1 || f.deact.targets[0] != "push:https://push.example.com/sub" {
		t.Errorf("expected push target deactivated, got %v", f.deact.targets)
	}

	if n, err := f.tracker.RequeueDue(context.Background(), 10); err != nil || n != 0 {
		t.Errorf("expected no retries after bounce, got %d %v", n, err)
	}
}

func TestReport_NotificationFailsOnlyWhenAllChannelsFail(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	ctx := context.Background()
	f.tracker.Enqueue(ctx, id, notification.ChannelSocket, "user")
	f.tracker.Enqueue(ctx, id, notification.ChannelEmail, "a@example.com")

	f.report(t, Report{NotificationID: id, Channel: notification.ChannelSocket, AttemptNumber: 1, Status: StatusFailed, ErrorCode: CodeNoLiveConnection, ErrorMessage: "offline"})
	if f.sink.has("failed:offline") {
		t.Fatal("notification must not fail while email is still queued")
	}
	f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusRejected, ErrorCode: CodeInvalidAddress, ErrorMessage: "bad address"})
	if !f.sink.has("failed:bad address") {
		t.Errorf("expected notification failure, got %v", f.sink.calls)
	}
}

func TestReport_Validation(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")

	bad := []Report{
		{Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusSent},
		{NotificationID: id, Channel: "pigeon", AttemptNumber: 1, Status: StatusSent},
		{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 0, Status: StatusSent},
		{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusQueued},
	}
	for _, r := range bad {
		if _, err := f.tracker.Report(context.Background(), r); !errors.Is(err, ErrInvalidReport) {
			t.Errorf("%+v: expected ErrInvalidReport, got %v", r, err)
		}
	}

	_, err := f.tracker.Report(context.Background(), Report{NotificationID: uuid.New(), Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusSent})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueDue_PublishesAfterBackoff(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelSMS, "+15551234567")
	f.report(t, Report{NotificationID: id, Channel: notification.ChannelSMS, AttemptNumber: 1, Status: StatusFailed, ErrorCode: "provider_error"})

	n, err := f.tracker.RequeueDue(context.Background(), 10)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing due yet, got %d %v", n, err)
	}

	f.now = f.now.Add(31 * time.Second)
	n, err = f.tracker.RequeueDue(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one retry published, got %d %v", n, err)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected one queued message, got %d", f.queue.Len())
	}

	n, _ = f.tracker.RequeueDue(context.Background(), 10)
	if n != 0 {
		t.Errorf("expected claimed retry not to be republished, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	deliveries, _ := f.queue.Consume(ctx)
	d := <-deliveries
	if d.Message.NotificationID != id || d.Message.AttemptNumber != 2 || d.Message.Channel != "sms" {
		t.Errorf("unexpected message: %+v", d.Message)
	}
}

func TestRequeueStale_RepublishesUnreportedAttempt(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")
	f.enqueue(t, notification.ChannelSocket, "user")

	f.now = f.now.Add(time.Minute)
	if n, err := f.tracker.RequeueStale(context.Background(), 10); err != nil || n != 0 {
		t.Fatalf("expected fresh attempt left alone, got %d %v", n, err)
	}

	f.now = f.now.Add(5 * time.Minute)
	n, err := f.tracker.RequeueStale(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected the email attempt republished, got %d %v", n, err)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected one queued message, got %d", f.queue.Len())
	}

	if n, _ := f.tracker.RequeueStale(context.Background(), 10); n != 0 {
		t.Errorf("expected a claimed attempt not to be republished in the same sweep window, got %d", n)
	}

	f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusSent})
	f.now = f.now.Add(time.Hour)
	if n, _ := f.tracker.RequeueStale(context.Background(), 10); n != 0 {
		t.Errorf("expected reported attempt to be skipped, got %d", n)
	}
}

func TestRequeueStale_ClaimedRetryIsFresh(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelSMS, "+15551234567")
	f.report(t, Report{NotificationID: id, Channel: notification.ChannelSMS, AttemptNumber: 1, Status: StatusFailed, ErrorCode: "provider_error"})

	f.now = f.now.Add(10 * time.Minute)
	if n, err := f.tracker.RequeueDue(context.Background(), 10); err != nil || n != 1 {
		t.Fatalf("expected one retry published, got %d %v", n, err)
	}
	if n, _ := f.tracker.RequeueStale(context.Background(), 10); n != 0 {
		t.Errorf("expected a just-published retry not to count as stale, got %d", n)
	}
}

func TestRequeueStale_WithoutPublisher(t *testing.T) {
	tr := NewTracker(newMockRepo(), &mockSink{}, nil, zerolog.Nop())
	if _, err := tr.RequeueStale(context.Background(), 10); err == nil {
		t.Error("expected error without a publisher")
	}
}
