// Package queue is the boundary between the dispatcher and out-of-process
// delivery workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DeliveryMessage asks a worker to deliver one notification over one channel.
type DeliveryMessage struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Channel        string    `json:"channel"`
	TargetAddress  string    `json:"target_address"`
	AttemptNumber  int       `json:"attempt_number"`
}

// Validate checks the fields every consumer relies on.
func (m DeliveryMessage) Validate() error {
	if m.NotificationID == uuid.Nil {
		return fmt.Errorf("notification_id is required")
	}
	if m.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if m.AttemptNumber < 1 {
		return fmt.Errorf("attempt_number must be at least 1")
	}
	return nil
}

func Encode(m DeliveryMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message body.
func Decode(body []byte) (DeliveryMessage, error) {
	var m DeliveryMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("decode delivery message: %w", err)
	}
	return m, m.Validate()
}

// Delivery is a received message plus its acknowledgement hooks.
type Delivery struct {
	Message DeliveryMessage
	Ack     func() error
	Nack    func(requeue bool) error
}

// Publisher hands a delivery to the worker queue.
type Publisher interface {
	Publish(ctx context.Context, msg DeliveryMessage) error
}

// Consumer streams deliveries until ctx is cancelled or the source closes.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}
