// Package websocket tracks live client connections and pushes events to
// them.
package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypeConnectionEstablished = "connection_established"
	TypeUserStatusChange      = "user_status_change"
	TypeMedicationReminder    = "medication_reminder"
	TypeNotification          = "notification"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Envelope is the frame written to clients: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewEnvelope wraps data in a typed frame. nil data becomes an empty object.
func NewEnvelope(typ string, data interface{}) Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Envelope{Type: typ, Data: data}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ClientMessage is an inbound frame from a client.
type ClientMessage struct {
	Type string `json:"type"`
}

// PresenceEvent is emitted when a user gains a first connection or loses the
// last one.
type PresenceEvent struct {
	UserID uuid.UUID
	Online bool
	At     time.Time
}

func presenceEnvelope(ev PresenceEvent) Envelope {
	status := "offline"
	if ev.Online {
		status = "online"
	}
	return NewEnvelope(TypeUserStatusChange, map[string]interface{}{
		"user_id":   ev.UserID.String(),
		"status":    status,
		"timestamp": ev.At.UTC().Format(time.RFC3339),
	})
}
