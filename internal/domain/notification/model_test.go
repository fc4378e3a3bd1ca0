package notification

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusDelivered, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusDismissed, true},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusFailed, StatusRead, true},
		{StatusFailed, StatusDismissed, true},

		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusPending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusDismissed, false},
		{StatusFailed, StatusSent, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestAdvance_StampsColumns(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	n := &Notification{Status: StatusPending}

	if !n.Advance(StatusDelivered, at, "") {
		t.Fatal("expected pending -> delivered to be allowed")
	}
	if n.SentAt == nil || n.DeliveredAt == nil {
		t.Error("expected sent_at and delivered_at to be stamped")
	}
	if n.Advance(StatusSent, at, "") {
		t.Error("expected delivered -> sent to be rejected")
	}
	if !n.Advance(StatusRead, at, "") || n.ReadAt == nil || n.Status != StatusRead {
		t.Error("expected read with read_at stamped")
	}
}

func TestAdvance_FailedKeepsMessage(t *testing.T) {
	n := &Notification{Status: StatusSent}
	n.Advance(StatusFailed, time.Now(), "smtp 550")
	if n.ErrorMessage == nil || *n.ErrorMessage != "smtp 550" || n.FailedAt == nil {
		t.Errorf("expected failure details, got %+v", n)
	}
}
