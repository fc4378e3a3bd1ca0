package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/notify/internal/config"
	"github.com/ehr/notify/internal/domain/delivery"
	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/domain/reminder"
	"github.com/ehr/notify/internal/platform/auth"
	"github.com/ehr/notify/internal/platform/db"
	"github.com/ehr/notify/internal/platform/middleware"
	"github.com/ehr/notify/internal/platform/telemetry"
	"github.com/ehr/notify/internal/platform/websocket"
)

const (
	purgeInterval   = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func tokenVerifier(cfg *config.Config) auth.TokenVerifier {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		return auth.DevVerifier{}
	}
	return auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// newEcho builds the HTTP surface. The socket endpoint, health and metrics
// sit outside bearer auth; everything under /api/v1 requires it.
func newEcho(a *app) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health", "/metrics"))
	e.Use(telemetry.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(a.healthChecks()))
	e.GET("/metrics", telemetry.Handler())

	verifier := tokenVerifier(cfg)
	wsHandler := websocket.NewHandler(a.registry, auth.NewResolver(verifier, a.profiles, logger), logger,
		websocket.WithKeepalive(cfg.KeepaliveInterval),
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
	)
	wsHandler.RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	if _, dev := verifier.(auth.DevVerifier); dev {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(verifier))
	}

	notification.NewHandler(a.notifications).RegisterRoutes(apiV1)
	reminder.NewHandler(a.reminders).RegisterRoutes(apiV1)
	delivery.NewHandler(a.tracker).RegisterRoutes(apiV1)
	wsHandler.RegisterPresenceRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newEcho(a)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.registry.StartReaper(gctx, cfg.KeepaliveInterval)
		return nil
	})
	g.Go(func() error {
		a.broadcaster.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.trigger.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.tracker.StartRetryPoller(gctx, cfg.RetryPollInterval)
		return nil
	})
	g.Go(func() error {
		a.notifications.StartPurger(gctx, purgeInterval)
		return nil
	})
	if a.memory != nil {
		g.Go(func() error {
			return a.worker().Run(gctx, a.memory, cfg.DeliveryWorkers)
		})
	}

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker(concurrency int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.AMQPURL == "" {
		return errors.New("worker requires AMQP_URL; without a broker deliveries run inside serve")
	}
	if concurrency <= 0 {
		concurrency = cfg.DeliveryWorkers
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().Int("concurrency", concurrency).Msg("delivery worker started")
	err = a.worker().Run(ctx, a.consumer(), concurrency)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("delivery worker stopped")
	return nil
}
