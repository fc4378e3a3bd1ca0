package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/platform/telemetry"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrUnknownConnection   = errors.New("connection not registered")
)

// Transport abstracts a WebSocket connection for testability.
// *gorillawebsocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one registered live connection.
type Connection struct {
	ID          string
	UserID      uuid.UUID
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	lastSeen  atomic.Int64
}

// LastSeen is the time of the last inbound frame or pong.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultLivenessTimeout = 90 * time.Second
	eventBuffer            = 256
)

// Registry tracks live connections by id and by user. Both indexes are
// guarded by one lock; transport writes happen outside it.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[uuid.UUID]map[string]*Connection

	events          chan PresenceEvent
	writeTimeout    time.Duration
	livenessTimeout time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

type RegistryOption func(*Registry)

// WithWriteTimeout bounds each write when the caller sets no deadline.
func WithWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.writeTimeout = d }
}

// WithLivenessTimeout sets how long a connection may stay silent before the
// reaper drops it.
func WithLivenessTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.livenessTimeout = d }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:           make(map[string]*Connection),
		byUser:          make(map[uuid.UUID]map[string]*Connection),
		events:          make(chan PresenceEvent, eventBuffer),
		writeTimeout:    defaultWriteTimeout,
		livenessTimeout: defaultLivenessTimeout,
		now:             time.Now,
		logger:          logger.With().Str("component", "connection_registry").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events streams presence changes. Events are dropped when the buffer is
// full.
func (r *Registry) Events() <-chan PresenceEvent {
	return r.events
}

// emit must be called with r.mu held so events follow registry order.
func (r *Registry) emit(userID uuid.UUID, online bool, at time.Time) {
	select {
	case r.events <- PresenceEvent{UserID: userID, Online: online, At: at}:
	default:
		r.logger.Warn().Str("user_id", userID.String()).Bool("online", online).Msg("presence event dropped")
	}
}

func (r *Registry) updateGauges() {
	telemetry.LiveConnections.Set(float64(len(r.conns)))
	telemetry.OnlineUsers.Set(float64(len(r.byUser)))
}

// Register adds a connection for userID. The first connection of a user
// emits an online presence event.
func (r *Registry) Register(connID string, userID uuid.UUID, t Transport) (*Connection, error) {
	now := r.now()
	c := &Connection{ID: connID, UserID: userID, ConnectedAt: now, transport: t}
	c.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}
	r.conns[connID] = c
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		r.byUser[userID] = set
	}
	set[connID] = c
	if len(set) == 1 {
		r.emit(userID, true, now)
	}
	r.updateGauges()

	r.logger.Debug().Str("connection_id", connID).Str("user_id", userID.String()).Int("user_connections", len(set)).Msg("connection registered")
	return c, nil
}

// Unregister removes and closes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if set, ok := r.byUser[c.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
			r.emit(c.UserID, false, r.now())
		}
	}
	r.updateGauges()
	r.mu.Unlock()

	c.transport.Close()
	r.logger.Debug().Str("connection_id", connID).Str("user_id", c.UserID.String()).Msg("connection unregistered")
}

// ConnectionsFor returns a snapshot of the user's connections.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has any registered connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns a snapshot of users with a live connection.
func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns how many connections userID holds.
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) lookup(connID string) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c, nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	if c, err := r.lookup(connID); err == nil {
		c.lastSeen.Store(r.now().UnixNano())
	}
}

func (r *Registry) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(r.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// Send writes one text frame to a connection. Writes to the same connection
// are serialized.
func (r *Registry) Send(ctx context.Context, connID string, data []byte) error {
	c, err := r.lookup(connID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.SetWriteDeadline(r.deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.transport.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w", connID, err)
	}
	return nil
}

// Ping sends a protocol ping frame.
func (r *Registry) Ping(connID string) error {
	c, err := r.lookup(connID)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(r.writeTimeout))
}

// Reap unregisters connections silent for longer than the liveness timeout
// and returns how many were dropped.
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.livenessTimeout).UnixNano()
	var stale []string
	r.mu.RLock()
	for id, c := range r.conns {
		if c.lastSeen.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info().Str("connection_id", id).Msg("reaping silent connection")
		r.Unregister(id)
	}
	return len(stale)
}

// StartReaper runs Reap every interval until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(r.now())
		}
	}
}
