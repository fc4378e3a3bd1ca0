package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/platform/auth"
)

const (
	defaultKeepalive = 30 * time.Second
	maxMessageSize   = 4096
)

// Authenticator resolves a handshake credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// Handler upgrades /ws requests and runs the per-connection pumps.
type Handler struct {
	registry  *Registry
	authn     Authenticator
	upgrader  gorillawebsocket.Upgrader
	keepalive time.Duration
	logger    zerolog.Logger
}

type HandlerOption func(*Handler)

// WithKeepalive sets the protocol ping period advertised in the handshake.
func WithKeepalive(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// WithAllowedOrigins restricts the Origin header on upgrade. An empty list or
// "*" allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = true
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewHandler serves the socket endpoint and the presence queries.
func NewHandler(registry *Registry, authn Authenticator, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		authn:    authn,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		keepalive: defaultKeepalive,
		logger:    logger.With().Str("component", "ws_handler").Logger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes mounts the socket endpoint. It authenticates on its own, so
// it must sit outside the bearer middleware.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.Connect)
}

// RegisterPresenceRoutes mounts the presence queries on the API group.
func (h *Handler) RegisterPresenceRoutes(api *echo.Group) {
	api.GET("/presence", h.OnlineUsers, auth.RequireRole(auth.RoleAdmin))
	api.GET("/presence/:user_id", h.UserPresence)
}

// Connect authenticates the handshake, upgrades it and registers the
// connection. Authentication failures are answered before the upgrade.
func (h *Handler) Connect(c echo.Context) error {
	req := c.Request()
	token := auth.BearerToken(req)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}

	principal, err := h.authn.Authenticate(req.Context(), token)
	switch {
	case errors.Is(err, auth.ErrInactiveUser):
		return echo.NewHTTPError(http.StatusForbidden, "user is inactive")
	case err != nil:
		h.logger.Info().Err(err).Msg("socket handshake rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	log := h.logger.With().Str("user_id", principal.Subject().String()).Logger()
	degraded := false
	switch p := principal.(type) {
	case auth.AuthenticatedUser:
		log.Debug().Str("timezone", p.Timezone).Msg("authenticated socket handshake")
	case auth.DegradedUser:
		degraded = true
		log.Warn().AnErr("cause", p.Cause).Msg("socket admitted with degraded identity")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	connID := uuid.New().String()
	if _, err := h.registry.Register(connID, principal.Subject(), ws); err != nil {
		log.Error().Err(err).Msg("register connection")
		ws.Close()
		return nil
	}

	welcome := NewEnvelope(TypeConnectionEstablished, map[string]interface{}{
		"connection_id":      connID,
		"user_id":            principal.Subject().String(),
		"degraded":           degraded,
		"keepalive_interval": int(h.keepalive.Seconds()),
	})
	if err := h.send(connID, welcome); err != nil {
		log.Warn().Err(err).Msg("failed to send connection_established")
		h.registry.Unregister(connID)
		return nil
	}

	done := make(chan struct{})
	go h.pinger(connID, done)
	go h.readPump(connID, ws, done)
	return nil
}

// readPump is the only reader of ws. It exits when the peer goes away, then
// unregisters the connection.
func (h *Handler) readPump(connID string, ws *gorillawebsocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		h.registry.Unregister(connID)
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		h.registry.Touch(connID)
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("connection_id", connID).Msg("socket closed unexpectedly")
			}
			return
		}
		h.registry.Touch(connID)

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.reply(connID, NewEnvelope(TypeError, map[string]string{"message": "malformed message"}))
			continue
		}
		switch msg.Type {
		case "ping":
			h.reply(connID, NewEnvelope(TypePong, map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
		default:
			h.reply(connID, NewEnvelope(TypeError, map[string]string{"message": "unsupported message type"}))
		}
	}
}

func (h *Handler) reply(connID string, env Envelope) {
	if err := h.send(connID, env); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", connID).Str("type", env.Type).Msg("reply failed")
		h.registry.Unregister(connID)
	}
}

// send encodes env and writes it to one connection.
func (h *Handler) send(connID string, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return h.registry.Send(context.Background(), connID, data)
}

// pinger sends protocol pings every keep-alive interval until the read pump
// exits.
func (h *Handler) pinger(connID string, done <-chan struct{}) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.registry.Ping(connID); err != nil {
				h.registry.Unregister(connID)
				return
			}
		}
	}
}

// OnlineUsers lists users with at least one live connection.
func (h *Handler) OnlineUsers(c echo.Context) error {
	users := h.registry.OnlineUsers()
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.String())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"online":      ids,
		"count":       len(ids),
		"connections": h.registry.Count(),
	})
}

// UserPresence is open to the user themself and to admins.
func (h *Handler) UserPresence(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	ctx := c.Request().Context()
	if auth.UserIDFromContext(ctx) != userID.String() && !auth.HasRole(ctx, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":     userID.String(),
		"online":      h.registry.IsOnline(userID),
		"connections": h.registry.ConnectionCount(userID),
	})
}
