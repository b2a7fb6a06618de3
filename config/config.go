/*
Package config loads service settings from the environment.

Values come from an optional .env file in the given directory, overridden by
process environment variables. Invalid values fall back to their defaults
with a warning instead of failing startup; only a missing value that the
selected database driver requires is an error.
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all the configuration variables for the service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseDriver     string `mapstructure:"DATABASE_DRIVER"`
	SQLitePath         string `mapstructure:"SQLITE_PATH"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange     string `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyWorkers      int    `mapstructure:"NOTIFY_WORKERS"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`
	EventDedupTTLMin   int    `mapstructure:"EVENT_DEDUP_TTL_MINUTES"`
	PaymentAPIBaseURL  string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey      string `mapstructure:"PAYMENT_API_KEY"`
	PaymentCurrency    string `mapstructure:"PAYMENT_CURRENCY"`
	WebhookSecret      string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	WebhookToleranceS  int    `mapstructure:"PAYMENT_WEBHOOK_TOLERANCE_SECONDS"`
	PendingTTLMin      int    `mapstructure:"PENDING_PAYMENT_TTL_MINUTES"`
	ExpirySweep        string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ExpirySweepLimit   int    `mapstructure:"EXPIRY_SWEEP_LIMIT"`
	MutationMaxRetries int    `mapstructure:"MUTATION_MAX_RETRIES"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	LogFormat          string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"SERVER_PORT":                       "8080",
	"DATABASE_DRIVER":                   DriverSQLite,
	"SQLITE_PATH":                       "cashback.db",
	"NOTIFY_EXCHANGE":                   "cashback.events",
	"NOTIFY_WORKERS":                    4,
	"REDIS_KEY_PREFIX":                  "cashback:webhook",
	"EVENT_DEDUP_TTL_MINUTES":           1440,
	"PAYMENT_CURRENCY":                  "usd",
	"PAYMENT_WEBHOOK_TOLERANCE_SECONDS": 300,
	"PENDING_PAYMENT_TTL_MINUTES":       30,
	"EXPIRY_SWEEP_SCHEDULE":             "@every 5m",
	"EXPIRY_SWEEP_LIMIT":                500,
	"MUTATION_MAX_RETRIES":              3,
	"LOG_LEVEL":                         "info",
	"LOG_FORMAT":                        "text",
	"CORS_ALLOWED_ORIGINS":              "*",
}

// Load reads configuration from the environment and an optional .env file
// in path. Warnings about normalized values go to logger.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	v := viper.New()
	if path != "" {
		v.AddConfigPath(path)
		v.SetConfigName(".env")
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys() {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				logger.Warn("failed to read config file; using environment values", "err", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize(logger)

	if cfg.DatabaseDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required when DATABASE_DRIVER=postgres")
	}
	return cfg, nil
}

func keys() []string {
	out := make([]string, 0, len(defaults)+4)
	for k := range defaults {
		out = append(out, k)
	}
	return append(out, "DATABASE_URL", "RABBITMQ_URL", "REDIS_URL", "PAYMENT_API_BASE_URL", "PAYMENT_API_KEY", "PAYMENT_WEBHOOK_SECRET")
}

func (c *Config) normalize(logger *slog.Logger) {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	case "postgresql", "pgx":
		c.DatabaseDriver = DriverPostgres
	default:
		logger.Warn("unknown DATABASE_DRIVER; using sqlite", "value", c.DatabaseDriver)
		c.DatabaseDriver = DriverSQLite
	}

	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = defaults["REDIS_KEY_PREFIX"].(string)
	}
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.PaymentAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(c.PaymentAPIBaseURL), "/")

	positive(logger, "EVENT_DEDUP_TTL_MINUTES", &c.EventDedupTTLMin)
	positive(logger, "PAYMENT_WEBHOOK_TOLERANCE_SECONDS", &c.WebhookToleranceS)
	positive(logger, "PENDING_PAYMENT_TTL_MINUTES", &c.PendingTTLMin)
	positive(logger, "EXPIRY_SWEEP_LIMIT", &c.ExpirySweepLimit)
	positive(logger, "NOTIFY_WORKERS", &c.NotifyWorkers)
	positive(logger, "MUTATION_MAX_RETRIES", &c.MutationMaxRetries)

	c.ExpirySweep = strings.TrimSpace(c.ExpirySweep)
	switch strings.ToLower(c.ExpirySweep) {
	case "off", "disabled", "none":
		c.ExpirySweep = ""
	}
	if c.ExpirySweep != "" {
		if _, err := cron.ParseStandard(c.ExpirySweep); err != nil {
			logger.Warn("invalid EXPIRY_SWEEP_SCHEDULE; using default", "value", c.ExpirySweep, "err", err)
			c.ExpirySweep = defaults["EXPIRY_SWEEP_SCHEDULE"].(string)
		}
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		logger.Warn("invalid LOG_LEVEL; using info", "value", c.LogLevel)
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "json" {
		c.LogFormat = "text"
	}
}

func positive(logger *slog.Logger, key string, value *int) {
	if *value > 0 {
		return
	}
	fallback := defaults[key].(int)
	logger.Warn("non-positive value configured; using default", "key", key, "value", *value, "default", fallback)
	*value = fallback
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

func (c Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMin) * time.Minute
}

func (c Config) WebhookTolerance() time.Duration {
	return time.Duration(c.WebhookToleranceS) * time.Second
}

func (c Config) EventDedupTTL() time.Duration {
	return time.Duration(c.EventDedupTTLMin) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
