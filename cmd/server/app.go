package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/warp/cashback-engine/config"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/notify"
	"github.com/warp/cashback-engine/payments"
	"github.com/warp/cashback-engine/store/postgres"
	"github.com/warp/cashback-engine/store/sqlite"
)

// backend is what both database stores provide.
type backend interface {
	loyalty.Store
	generic.PendingStore
	Ping(ctx context.Context) error
	Close() error
}

// app holds the wired services shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    backend
	engine   *loyalty.Engine
	bridge   *payments.Bridge
	checkout *payments.Coordinator
	webhooks *payments.Webhooks

	closers []func()
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// newApp loads configuration and connects every backing service.
func newApp(ctx context.Context, envDir string) (*app, error) {
	cfg, err := config.Load(envDir, slog.Default())
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	notifier := a.openNotifier()

	a.engine = loyalty.NewEngine(a.store,
		loyalty.WithLogger(logger),
		loyalty.WithNotifier(notifier),
		loyalty.WithRetryPolicy(generic.RetryPolicy{
			Attempts: cfg.MutationMaxRetries,
			Backoff:  generic.DefaultRetryPolicy.Backoff,
		}))

	var gateway payments.Gateway
	if cfg.PaymentAPIBaseURL != "" {
		gateway = payments.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey, cfg.PaymentCurrency)
	} else {
		logger.Warn("PAYMENT_API_BASE_URL not set; payment initiation disabled")
	}
	a.bridge = payments.NewBridge(a.store, a.engine, gateway,
		payments.WithBridgeLogger(logger),
		payments.WithTTL(cfg.PendingTTL()))
	a.checkout = payments.NewCoordinator(a.engine, a.bridge, logger)

	if cfg.WebhookSecret != "" {
		cache, err := a.openEventCache(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.webhooks = payments.NewWebhooks(a.bridge, cfg.WebhookSecret,
			payments.WithEventCache(cache),
			payments.WithTolerance(cfg.WebhookTolerance()),
			payments.WithWebhookLogger(logger))
	} else {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set; webhook endpoint disabled")
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.DatabaseDriver == config.DriverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// openNotifier publishes balance changes to RabbitMQ off the request path.
// A broker that cannot be reached at startup disables notifications.
func (a *app) openNotifier() notify.Notifier {
	if a.cfg.RabbitMQURL == "" {
		return notify.Nop{}
	}
	pub, err := notify.NewRabbitPublisher(a.cfg.RabbitMQURL, a.cfg.NotifyExchange, a.logger)
	if err != nil {
		a.logger.Error("rabbitmq unavailable; balance notifications disabled", "err", err)
		return notify.Nop{}
	}
	async := notify.NewAsync(pub, a.cfg.NotifyWorkers, 256, a.logger)
	a.closers = append(a.closers, pub.Close, async.Close)
	return async
}

func (a *app) openEventCache(ctx context.Context) (payments.EventCache, error) {
	if a.cfg.RedisURL == "" {
		return payments.NewMemoryEventCache(a.cfg.EventDedupTTL()), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis ping failed; event dedup falls back to the ledger", "err", err)
	}
	a.closers = append(a.closers, func() { client.Close() })
	return payments.NewRedisEventCache(client, a.cfg.RedisKeyPrefix, a.cfg.EventDedupTTL()), nil
}

// Close releases resources in order: notifier drain first, store last.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
