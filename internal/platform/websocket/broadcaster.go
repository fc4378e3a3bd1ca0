package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryOutcome is the result of pushing one envelope to a user.
type DeliveryOutcome struct {
	Attempted        int
	Delivered        int
	NoLiveConnection bool
	Err              error
}

// Success reports whether at least one connection received the envelope.
func (o DeliveryOutcome) Success() bool {
	return o.Delivered > 0
}

// Broadcaster pushes envelopes to live connections.
type Broadcaster struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewBroadcaster fans presence changes from registry out to every live
// connection.
func NewBroadcaster(registry *Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger.With().Str("component", "presence_broadcaster").Logger(),
	}
}

// SendToUser writes env to every live connection of the user. A failed
// connection is unregistered and does not affect the others.
func (b *Broadcaster) SendToUser(ctx context.Context, userID uuid.UUID, env Envelope) DeliveryOutcome {
	conns := b.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return DeliveryOutcome{NoLiveConnection: true}
	}
	data, err := env.Marshal()
	if err != nil {
		return DeliveryOutcome{Err: fmt.Errorf("marshal %s envelope: %w", env.Type, err)}
	}

	delivered := b.fanOut(ctx, conns, data)
	out := DeliveryOutcome{Attempted: len(conns), Delivered: delivered}
	b.logger.Debug().
		Str("user_id", userID.String()).
		Str("type", env.Type).
		Int("attempted", out.Attempted).
		Int("delivered", out.Delivered).
		Msg("sent to user")
	return out
}

// Broadcast writes env to every live connection and returns how many
// received it.
func (b *Broadcaster) Broadcast(ctx context.Context, env Envelope) int {
	data, err := env.Marshal()
	if err != nil {
		b.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal broadcast")
		return 0
	}
	return b.fanOut(ctx, b.registry.All(), data)
}

func (b *Broadcaster) fanOut(ctx context.Context, conns []*Connection, data []byte) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := b.registry.Send(ctx, c.ID, data); err != nil {
				b.logger.Warn().Err(err).
					Str("connection_id", c.ID).
					Str("user_id", c.UserID.String()).
					Msg("write failed, dropping connection")
				b.registry.Unregister(c.ID)
				return
			}
			delivered.Add(1)
		}(c)
	}
	wg.Wait()
	return int(delivered.Load())
}

// Run broadcasts presence changes until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.registry.Events():
			n := b.Broadcast(ctx, presenceEnvelope(ev))
			b.logger.Debug().Str("user_id", ev.UserID.String()).Bool("online", ev.Online).Int("recipients", n).Msg("presence change broadcast")
		}
	}
}
