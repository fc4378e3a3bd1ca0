package queue

import (
	"context"
	"fmt"
	"time"
)

const defaultRedeliveryDelay = time.Second

// Memory is an in-process queue used when no broker is configured and in
// tests. A nack with requeue puts the message back on the queue after the
// redelivery delay.
type Memory struct {
	ch              chan DeliveryMessage
	redeliveryDelay time.Duration
}

type MemoryOption func(*Memory)

// WithRedeliveryDelay sets how long a requeued message waits before it is
// visible again.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d >= 0 {
			m.redeliveryDelay = d
		}
	}
}

// NewMemory creates a queue holding up to capacity messages.
func NewMemory(capacity int, opts ...MemoryOption) *Memory {
	m := &Memory{ch: make(chan DeliveryMessage, capacity), redeliveryDelay: defaultRedeliveryDelay}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) requeue(msg DeliveryMessage) {
	time.AfterFunc(m.redeliveryDelay, func() {
		select {
		case m.ch <- msg:
		default:
		}
	})
}

func (m *Memory) Publish(ctx context.Context, msg DeliveryMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish delivery message: %w", ctx.Err())
	}
}

// Consume streams queued messages until ctx is cancelled.
func (m *Memory) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-m.ch:
				d := Delivery{
					Message: msg,
					Ack:     func() error { return nil },
					Nack: func(requeue bool) error {
						if requeue {
							m.requeue(msg)
						}
						return nil
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					select {
					case m.ch <- msg:
					default:
					}
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports the number of messages waiting.
func (m *Memory) Len() int { return len(m.ch) }
