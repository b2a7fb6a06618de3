/*
scheduler.go - Pending payment expiry sweep

PURPOSE:
  Periodically moves PENDING payments past their expiry to EXPIRED so
  abandoned checkouts do not stay open forever. Expiry is also applied
  lazily when a payment is read, so the sweep is housekeeping, not a
  correctness requirement.

DESIGN:
  - robfig/cron drives the schedule (standard spec or "@every 5m")
  - Each run is bounded by Limit and uses a fresh timeout context
  - A panicking run is recovered and logged by the cron chain
  - Runs never overlap: a slow run makes the next tick skip

USAGE:
  s := NewExpiryScheduler(bridge, "@every 5m", 500, logger)
  if err := s.Start(); err != nil { ... }
  defer s.Stop()

SEE ALSO:
  - payments/bridge.go: ExpireStale
  - cmd/server/main.go: "sweep" runs a single pass from the CLI
*/
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer expires overdue pending payments.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// ExpiryScheduler runs the expiry sweep on a cron schedule.
type ExpiryScheduler struct {
	Expirer  Expirer
	Schedule string
	Limit    int
	Timeout  time.Duration

	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(expirer Expirer, schedule string, limit int, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "expiry_sweep")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &ExpiryScheduler{
		Expirer:  expirer,
		Schedule: schedule,
		Limit:    limit,
		Timeout:  time.Minute,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the sweep and starts the cron scheduler. An empty
// schedule disables the sweep.
func (s *ExpiryScheduler) Start() error {
	if s.Schedule == "" {
		s.logger.Info("expiry sweep disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduled expiry sweep", "schedule", s.Schedule, "limit", s.Limit)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *ExpiryScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep and returns how many payments expired.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) int {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	n, err := s.Expirer.ExpireStale(ctx, s.now(), s.Limit)
	if err != nil {
		s.logger.Error("expiry sweep failed", "expired", n, "err", err)
		return n
	}
	if n > 0 {
		s.logger.Info("expired stale payments", "count", n)
	}
	return n
}
