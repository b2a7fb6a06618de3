/*
Package notify delivers balance-change notifications.

PURPOSE:
  The engine tells a Notifier about every committed balance change. Delivery
  (SMS, email, push) is out of scope; this package only turns a committed
  ledger entry into an event and hands it to a publisher.

KEY CONCEPTS:
  - Notifier: The narrow collaborator interface the engine calls
  - RabbitPublisher: Publishes events to a RabbitMQ topic exchange
  - Async: Fire-and-forget wrapper; failures are logged, never returned
  - Nop: Fallback when no broker is configured

GUARANTEES:
  Notifications are at-most-once and never affect the ledger. A failed
  publish cannot roll back a committed mutation.

SEE ALSO:
  - loyalty/engine.go: Calls NotifyBalanceChange after each commit
*/
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/warp/cashback-engine/generic"
)

// Notifier receives committed balance changes.
type Notifier interface {
	NotifyBalanceChange(ctx context.Context, customerID generic.CustomerID, tx generic.Transaction) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, customerID generic.CustomerID, tx generic.Transaction) error

func (f Func) NotifyBalanceChange(ctx context.Context, customerID generic.CustomerID, tx generic.Transaction) error {
	return f(ctx, customerID, tx)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyBalanceChange(context.Context, generic.CustomerID, generic.Transaction) error {
	return nil
}

// BalanceChangeEvent is the published payload. Amounts are in cents.
type BalanceChangeEvent struct {
	EventType     string    `json:"event_type"`
	TenantID      string    `json:"tenant_id"`
	CustomerID    string    `json:"customer_id"`
	CardID        string    `json:"card_id"`
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Category      string    `json:"category"`
	Amount        int64     `json:"amount"`
	Cashback      int64     `json:"cashback"`
	BalanceAfter  int64     `json:"balance_after"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RoutingKey is "card.balance.<type>", e.g. card.balance.earn.
func (e BalanceChangeEvent) RoutingKey() string {
	return "card.balance." + strings.ToLower(e.Type)
}

// NewBalanceChangeEvent builds the event for a committed entry.
func NewBalanceChangeEvent(customerID generic.CustomerID, tx generic.Transaction) BalanceChangeEvent {
	return BalanceChangeEvent{
		EventType:     "balance.changed",
		TenantID:      string(tx.TenantID),
		CustomerID:    string(customerID),
		CardID:        string(tx.CardID),
		TransactionID: string(tx.ID),
		Type:          string(tx.Type),
		Category:      string(tx.Category),
		Amount:        int64(tx.Amount),
		Cashback:      int64(tx.Cashback),
		BalanceAfter:  int64(tx.BalanceAfter),
		OccurredAt:    tx.CreatedAt,
	}
}
