package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeTransport records writes and can be told to fail.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	pings    int
	fail     bool
	closed   bool
	deadline time.Time
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) WriteControl(_ int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("broken pipe")
	}
	f.pings++
	return nil
}

func (f *fakeTransport) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func drainEvents(r *Registry) []PresenceEvent {
	var out []PresenceEvent
	for {
		select {
		case ev := <-r.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	user := uuid.New()

	if _, err := r.Register("c1", user, &fakeTransport{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Register("c2", user, &fakeTransport{})

	if !r.IsOnline(user) || r.ConnectionCount(user) != 2 || r.Count() != 2 {
		t.Fatalf("expected 2 connections for online user, got %d", r.ConnectionCount(user))
	}
	if _, err := r.Register("c1", user, &fakeTransport{}); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}

	r.Unregister("c1")
	if !r.IsOnline(user) {
		t.Error("user should stay online with one connection left")
	}
	r.Unregister("c2")
	r.Unregister("c2")
	r.Unregister("never-registered")

	if r.IsOnline(user) || r.Count() != 0 || len(r.OnlineUsers()) != 0 {
		t.Error("expected registry to be empty")
	}

	events := drainEvents(r)
	if len(events) != 2 || !events[0].Online || events[1].Online || events[0].UserID != user {
		t.Errorf("expected one online and one offline event, got %+v", events)
	}
}

func TestRegistry_UnregisterClosesTransport(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tr := &fakeTransport{}
	r.Register("c1", uuid.New(), tr)
	r.Unregister("c1")
	if !tr.isClosed() {
		t.Error("expected transport to be closed")
	}
}

func TestRegistry_SendSetsDeadline(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithWriteTimeout(5*time.Second))
	tr := &fakeTransport{}
	r.Register("c1", uuid.New(), tr)

	before := time.Now()
	if err := r.Send(context.Background(), "c1", []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.deadline.Before(before.Add(4*time.Second)) || tr.deadline.After(before.Add(6*time.Second)) {
		t.Errorf("expected deadline about 5s out, got %v", tr.deadline.Sub(before))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Send(ctx, "c1", []byte("x"))
	if tr.deadline.After(before.Add(2 * time.Second)) {
		t.Errorf("expected context deadline to win, got %v", tr.deadline.Sub(before))
	}

	if err := r.Send(context.Background(), "missing", []byte("x")); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestRegistry_ReapSilentConnections(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(zerolog.Nop(),
		WithLivenessTimeout(90*time.Second),
		WithRegistryClock(func() time.Time { return now }))
	user := uuid.New()
	quiet := &fakeTransport{}
	r.Register("quiet", user, quiet)
	r.Register("chatty", user, &fakeTransport{})

	now = now.Add(60 * time.Second)
	r.Touch("chatty")
	now = now.Add(60 * time.Second)

	if n := r.Reap(now); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if r.ConnectionCount(user) != 1 || !quiet.isClosed() {
		t.Error("expected the silent connection to be dropped")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			user := users[i%len(users)]
			r.Register(id, user, &fakeTransport{})
			r.Send(context.Background(), id, []byte("hello"))
			r.ConnectionsFor(user)
			r.IsOnline(user)
			r.Touch(id)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 25 {
		t.Errorf("expected 25 connections, got %d", r.Count())
	}
	total := 0
	for _, u := range users {
		total += r.ConnectionCount(u)
	}
	if total != r.Count() {
		t.Errorf("user index (%d) disagrees with connection index (%d)", total, r.Count())
	}
}

func TestRegistry_EventsDropWhenFull(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	for i := 0; i < eventBuffer+10; i++ {
		r.Register(fmt.Sprintf("c%d", i), uuid.New(), &fakeTransport{})
	}
	if got := len(drainEvents(r)); got != eventBuffer {
		t.Errorf("expected %d buffered events, got %d", eventBuffer, got)
	}
}
