package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
	AMQPQueue    string `mapstructure:"AMQP_QUEUE"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	ScanInterval      time.Duration `mapstructure:"SCAN_INTERVAL"`
	ScanWindow        time.Duration `mapstructure:"SCAN_WINDOW"`
	ScanLookback      time.Duration `mapstructure:"SCAN_LOOKBACK"`
	KeepaliveInterval time.Duration `mapstructure:"KEEPALIVE_INTERVAL"`
	LivenessTimeout   time.Duration `mapstructure:"LIVENESS_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"WRITE_TIMEOUT"`

	DeliveryMaxAttempts int           `mapstructure:"DELIVERY_MAX_ATTEMPTS"`
	DeliveryWorkers     int           `mapstructure:"DELIVERY_WORKERS"`
	RetryPollInterval   time.Duration `mapstructure:"RETRY_POLL_INTERVAL"`
	DeliveryStaleAfter  time.Duration `mapstructure:"DELIVERY_STALE_AFTER"`
	RetentionDays       int           `mapstructure:"NOTIFICATION_RETENTION_DAYS"`

	ResendAPIKey string `mapstructure:"RESEND_API_KEY"`
	EmailFrom    string `mapstructure:"EMAIL_FROM"`
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `mapstructure:"TWILIO_FROM"`

	VAPIDPublicKey  string `mapstructure:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `mapstructure:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `mapstructure:"VAPID_SUBJECT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AMQP_URL", "AMQP_EXCHANGE", "AMQP_QUEUE",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"SCAN_INTERVAL", "SCAN_WINDOW", "SCAN_LOOKBACK",
	"KEEPALIVE_INTERVAL", "LIVENESS_TIMEOUT", "WRITE_TIMEOUT",
	"DELIVERY_MAX_ATTEMPTS", "DELIVERY_WORKERS", "RETRY_POLL_INTERVAL", "DELIVERY_STALE_AFTER",
	"NOTIFICATION_RETENTION_DAYS",
	"RESEND_API_KEY", "EMAIL_FROM", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM",
	"VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY", "VAPID_SUBJECT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AMQP_EXCHANGE", "notify.delivery")
	v.SetDefault("AMQP_QUEUE", "notify.delivery.jobs")
	v.SetDefault("SCAN_INTERVAL", "60s")
	v.SetDefault("SCAN_WINDOW", "60s")
	v.SetDefault("KEEPALIVE_INTERVAL", "30s")
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("DELIVERY_MAX_ATTEMPTS", 3)
	v.SetDefault("DELIVERY_WORKERS", 4)
	v.SetDefault("RETRY_POLL_INTERVAL", "15s")
	v.SetDefault("DELIVERY_STALE_AFTER", "5m")
	v.SetDefault("NOTIFICATION_RETENTION_DAYS", 90)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("VAPID_SUBJECT", "mailto:ops@localhost")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	// A scan whose dispatch failed is retried by the next one, so the
	// lookback covers at least one interval.
	if cfg.ScanLookback == 0 {
		cfg.ScanLookback = cfg.ScanInterval
	}

	// Liveness defaults to three missed keep-alives.
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = 3 * cfg.KeepaliveInterval
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EmailConfigured reports whether any email provider has credentials.
func (c *Config) EmailConfigured() bool {
	return c.ResendAPIKey != "" || c.SMTPHost != ""
}

func (c *Config) SMSConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

func (c *Config) PushConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Validate checks that the configuration is safe to run. Outside development
// either a signing key or a JWKS endpoint must be configured so handshakes are
// authenticated.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive, got %s", c.ScanInterval)
	}
	if c.ScanWindow <= 0 {
		return fmt.Errorf("SCAN_WINDOW must be positive, got %s", c.ScanWindow)
	}
	if c.ScanLookback < 0 {
		return fmt.Errorf("SCAN_LOOKBACK must not be negative, got %s", c.ScanLookback)
	}
	if c.ScanLookback < c.ScanInterval {
		return fmt.Errorf("SCAN_LOOKBACK (%s) must cover SCAN_INTERVAL (%s) so failed scans are retried", c.ScanLookback, c.ScanInterval)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be positive, got %s", c.KeepaliveInterval)
	}
	if c.LivenessTimeout <= c.KeepaliveInterval {
		return fmt.Errorf("LIVENESS_TIMEOUT (%s) must exceed KEEPALIVE_INTERVAL (%s)", c.LivenessTimeout, c.KeepaliveInterval)
	}
	if c.DeliveryMaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1, got %d", c.DeliveryMaxAttempts)
	}
	if c.DeliveryWorkers < 1 {
		return fmt.Errorf("DELIVERY_WORKERS must be at least 1, got %d", c.DeliveryWorkers)
	}
	if c.DeliveryStaleAfter <= 0 {
		return fmt.Errorf("DELIVERY_STALE_AFTER must be positive, got %s", c.DeliveryStaleAfter)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("NOTIFICATION_RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.PushConfigured() && c.VAPIDSubject == "" {
		return fmt.Errorf("VAPID_SUBJECT is required when VAPID keys are set")
	}
	return nil
}
