package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/cashback-engine/generic"
)

type job struct {
	customerID generic.CustomerID
	tx         generic.Transaction
}

// Async delivers notifications on background workers. NotifyBalanceChange
// never blocks on the broker and never returns an error; a full queue drops
// the notification with a warning.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration

	queue  chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var _ Notifier = (*Async)(nil)

// NewAsync starts workers goroutines delivering to next.
func NewAsync(next Notifier, workers, queueSize int, logger *slog.Logger) *Async {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:    next,
		logger:  logger.With("component", "notify"),
		timeout: 5 * time.Second,
		queue:   make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

func (a *Async) NotifyBalanceChange(_ context.Context, customerID generic.CustomerID, tx generic.Transaction) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("notification dropped after close", "tx_id", tx.ID)
		return nil
	}
	select {
	case a.queue <- job{customerID: customerID, tx: tx}:
	default:
		a.logger.Warn("notification queue full, dropping", "tx_id", tx.ID, "card_id", tx.CardID)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for j := range a.queue {
		a.deliver(j)
	}
}

func (a *Async) deliver(j job) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("notifier panicked", "tx_id", j.tx.ID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.NotifyBalanceChange(ctx, j.customerID, j.tx); err != nil {
		a.logger.Warn("balance notification failed",
			"tenant_id", j.tx.TenantID, "card_id", j.tx.CardID, "tx_id", j.tx.ID, "err", err)
	}
}

// Close stops accepting notifications and waits for queued ones.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
