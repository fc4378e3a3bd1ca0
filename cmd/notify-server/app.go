package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/config"
	"github.com/ehr/notify/internal/domain/delivery"
	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/domain/reminder"
	"github.com/ehr/notify/internal/platform/auth"
	"github.com/ehr/notify/internal/platform/db"
	"github.com/ehr/notify/internal/platform/dispatch"
	"github.com/ehr/notify/internal/platform/queue"
	"github.com/ehr/notify/internal/platform/scheduling"
	"github.com/ehr/notify/internal/platform/sender"
	"github.com/ehr/notify/internal/platform/websocket"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	amqp  *queue.AMQP
	// memory is set when no broker is configured; the worker then runs
	// inside the serve process.
	memory *queue.Memory

	profiles      *auth.ProfileStorePG
	notifications *notification.Service
	reminders     *reminder.Service
	tracker       *delivery.Tracker
	registry      *websocket.Registry
	broadcaster   *websocket.Broadcaster
	dispatcher    *dispatch.Dispatcher
	trigger       *scheduling.Trigger
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	if cfg.RedisURL != "" {
		client, err := scheduling.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		logger.Info().Msg("connected to redis")
	}

	var publisher queue.Publisher
	if cfg.AMQPURL != "" {
		broker, err := queue.NewAMQP(queue.AMQPConfig{
			URL:         cfg.AMQPURL,
			Exchange:    cfg.AMQPExchange,
			Queue:       cfg.AMQPQueue,
			RoutingKeys: queuedChannels(),
			Prefetch:    cfg.DeliveryWorkers,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.amqp = broker
		publisher = broker
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("connected to amqp broker")
	} else {
		a.memory = queue.NewMemory(1024)
		publisher = a.memory
		logger.Warn().Msg("AMQP_URL not set, using in-process delivery queue")
	}

	a.profiles = auth.NewProfileStorePG(pool)

	a.notifications = notification.NewService(
		notification.NewNotificationRepoPG(pool),
		notification.NewPreferenceRepoPG(pool),
		logger,
		notification.WithRetention(retention(cfg.RetentionDays)),
	)

	a.reminders = reminder.NewService(
		reminder.NewRepoPG(pool),
		a.profiles,
		logger,
		reminder.WithTriggerWindow(cfg.ScanWindow),
		reminder.WithLookback(cfg.ScanLookback),
	)

	a.tracker = delivery.NewTracker(
		delivery.NewRepoPG(pool),
		a.notifications,
		a.notifications,
		logger,
		delivery.WithMaxAttempts(cfg.DeliveryMaxAttempts),
		delivery.WithStaleAfter(cfg.DeliveryStaleAfter),
		delivery.WithPublisher(publisher),
	)

	a.registry = websocket.NewRegistry(logger,
		websocket.WithWriteTimeout(cfg.WriteTimeout),
		websocket.WithLivenessTimeout(cfg.LivenessTimeout),
	)
	a.broadcaster = websocket.NewBroadcaster(a.registry, logger)

	a.dispatcher = dispatch.NewDispatcher(a.notifications, a.tracker, a.broadcaster, publisher, logger)

	var triggerOpts []scheduling.TriggerOption
	if a.redis != nil {
		triggerOpts = append(triggerOpts, scheduling.WithLocker(scheduling.NewRedisLocker(a.redis)))
	}
	a.trigger = scheduling.NewTrigger(a.reminders, a.dispatcher, cfg.ScanInterval, logger, triggerOpts...)

	return a, nil
}

// worker builds the delivery worker with every provider the config enables.
func (a *app) worker() *delivery.Worker {
	return delivery.NewWorker(a.tracker, a.notifications, buildSenders(a.cfg, a.logger), a.logger)
}

// consumer returns the queue the worker reads from.
func (a *app) consumer() queue.Consumer {
	if a.amqp != nil {
		return a.amqp
	}
	return a.memory
}

func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{"database": db.PoolCheck(a.pool)}
	if a.redis != nil {
		client := a.redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if a.amqp != nil {
		checks["amqp"] = a.amqp.Check
	}
	return checks
}

func (a *app) Close() {
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close amqp")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// buildSenders maps each configured provider to its channel. Channels
// without credentials are left out and reported as unconfigured by the
// worker.
func buildSenders(cfg *config.Config, logger zerolog.Logger) map[notification.Channel]sender.Sender {
	senders := make(map[notification.Channel]sender.Sender)

	switch {
	case cfg.ResendAPIKey != "":
		senders[notification.ChannelEmail] = sender.NewResendEmail(cfg.ResendAPIKey, cfg.EmailFrom)
	case cfg.SMTPHost != "":
		senders[notification.ChannelEmail] = sender.NewSMTPEmail(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom)
	}
	if cfg.SMSConfigured() {
		senders[notification.ChannelSMS] = sender.NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	}
	if cfg.PushConfigured() {
		senders[notification.ChannelPush] = sender.NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
	}

	channels := make([]string, 0, len(senders))
	for ch := range senders {
		channels = append(channels, string(ch))
	}
	logger.Info().Strs("channels", channels).Msg("delivery providers configured")
	return senders
}

func queuedChannels() []string {
	return []string{
		string(notification.ChannelEmail),
		string(notification.ChannelSMS),
		string(notification.ChannelPush),
	}
}
