package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSendToUser_IsolatesFailedConnection(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := NewBroadcaster(r, zerolog.Nop())
	user := uuid.New()

	good1, good2, bad := &fakeTransport{}, &fakeTransport{}, &fakeTransport{fail: true}
	r.Register("good1", user, good1)
	r.Register("good2", user, good2)
	r.Register("bad", user, bad)

	out := b.SendToUser(context.Background(), user, NewEnvelope(TypeNotification, map[string]string{"title": "hi"}))
	if out.Attempted != 3 || out.Delivered != 2 || !out.Success() {
		t.Fatalf("expected 2 of 3 delivered, got %+v", out)
	}
	if r.ConnectionCount(user) != 2 {
		t.Errorf("expected failed connection removed, got %d left", r.ConnectionCount(user))
	}
	if good1.writeCount() != 1 || good2.writeCount() != 1 {
		t.Error("expected healthy connections to receive the envelope")
	}
}

func TestSendToUser_NoLiveConnection(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := NewBroadcaster(r, zerolog.Nop())

	out := b.SendToUser(context.Background(), uuid.New(), NewEnvelope(TypeMedicationReminder, nil))
	if !out.NoLiveConnection || out.Success() || out.Attempted != 0 {
		t.Errorf("expected no live connection, got %+v", out)
	}
}

func TestSendToUser_AllFail(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := NewBroadcaster(r, zerolog.Nop())
	user := uuid.New()
	r.Register("bad", user, &fakeTransport{fail: true})

	out := b.SendToUser(context.Background(), user, NewEnvelope(TypeNotification, nil))
	if out.Success() || out.Attempted != 1 {
		t.Errorf("expected failure, got %+v", out)
	}
	if r.IsOnline(user) {
		t.Error("expected user to go offline")
	}
}

func TestBroadcast_AllConnections(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := NewBroadcaster(r, zerolog.Nop())
	a, c := &fakeTransport{}, &fakeTransport{}
	r.Register("a", uuid.New(), a)
	r.Register("c", uuid.New(), c)

	if n := b.Broadcast(context.Background(), NewEnvelope(TypeNotification, nil)); n != 2 {
		t.Errorf("expected 2 recipients, got %d", n)
	}
}

func TestRun_BroadcastsPresence(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	b := NewBroadcaster(r, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	watcher := &fakeTransport{}
	r.Register("watcher", uuid.New(), watcher)
	newcomer := uuid.New()
	r.Register("newcomer", newcomer, &fakeTransport{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		watcher.mu.Lock()
		for _, w := range watcher.writes {
			var env struct {
				Type string            `json:"type"`
				Data map[string]string `json:"data"`
			}
			if json.Unmarshal(w, &env) == nil && env.Type == TypeUserStatusChange &&
				env.Data["user_id"] == newcomer.String() && env.Data["status"] == "online" {
				watcher.mu.Unlock()
				return
			}
		}
		watcher.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher did not receive the newcomer's presence change")
}
