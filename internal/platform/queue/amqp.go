package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPConfig names the exchange and queue shared by publishers and workers.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	// RoutingKeys bound to Queue. Messages are published with the channel
	// name as routing key.
	RoutingKeys []string
	Prefetch    int
}

// AMQP publishes and consumes delivery messages over RabbitMQ.
type AMQP struct {
	cfg    AMQPConfig
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	logger zerolog.Logger
}

// NewAMQP dials the broker and declares the delivery exchange and queue.
func NewAMQP(cfg AMQPConfig, logger zerolog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQP{cfg: cfg, conn: conn, ch: ch, logger: logger}, nil
}

func declare(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", cfg.Queue, key, err)
		}
	}
	return nil
}

// Publish sends msg persistently, routed by channel.
func (a *AMQP) Publish(ctx context.Context, msg DeliveryMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, a.cfg.Exchange, msg.Channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", msg.NotificationID, msg.Channel, msg.AttemptNumber),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish delivery message: %w", err)
	}
	return nil
}

// Consume opens a dedicated channel for the consumer. Undecodable messages
// are rejected without requeue.
func (a *AMQP) Consume(ctx context.Context) (<-chan Delivery, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if a.cfg.Prefetch > 0 {
		if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	msgs, err := ch.Consume(a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", a.cfg.Queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				msg, err := Decode(d.Body)
				if err != nil {
					a.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("dropping malformed delivery message")
					d.Reject(false)
					continue
				}
				delivery := Delivery{
					Message: msg,
					Ack:     func() error { return d.Ack(false) },
					Nack:    func(requeue bool) error { return d.Nack(false, requeue) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the channel and the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			return err
		}
	}
	return a.conn.Close()
}

// Check reports whether the broker connection is still open.
func (a *AMQP) Check(_ context.Context) error {
	if a.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}
