/*
store.go - Persistence interfaces for cards, customers, ledger and payments

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage; all of
  them share the mutation rules in mutation.go so the invariants do not
  depend on the backend.

KEY INTERFACES:
  CardStore:     Card issuance and lifecycle transitions (no balance writes)
  CustomerStore: Customer profiles and monotonic tier updates
  LedgerStore:   The only balance-changing operation (Mutate) and history
  PendingStore:  Pending payment records keyed by external reference

APPEND-ONLY CONTRACT:
  The ledger is append-only:
  - Mutate(): balance delta + ledger entry, atomically
  - NO Update() or Delete() for transactions
  - NO "set balance" anywhere

PER-CARD SERIALIZATION:
  Mutate must serialize concurrent calls for the same card so no two
  mutations observe the same balance-before. Implementations may lock
  (memory mutex, SELECT ... FOR UPDATE) or use a version precondition and
  return ErrConcurrentMutationConflict when they lose.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for testing and demos
  - store/sqlite/sqlite.go: SQLite single-writer transactions
  - store/postgres/postgres.go: PostgreSQL row locks

SEE ALSO:
  - mutation.go: Shared rules every Mutate implementation applies
  - ledger.go: Replay and verification over Transactions()
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// CARD STORE
// =============================================================================

// CardStatusChange describes a lifecycle transition. CustomerID is only
// honored on UNASSIGNED -> ACTIVE (assignment).
type CardStatusChange struct {
	TenantID   TenantID
	CardID     CardID
	From       CardStatus
	To         CardStatus
	CustomerID CustomerID
	At         time.Time
}

type CardStore interface {
	// CreateCards persists newly issued cards atomically.
	CreateCards(ctx context.Context, cards []Card) error

	GetCard(ctx context.Context, tenantID TenantID, cardID CardID) (Card, error)

	ListCards(ctx context.Context, tenantID TenantID) ([]Card, error)

	// UpdateCardStatus applies the transition if the card is currently in
	// change.From, otherwise returns a *CardStateError (ErrInvalidTransition).
	UpdateCardStatus(ctx context.Context, change CardStatusChange) (Card, error)
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

type CustomerStore interface {
	// SaveCustomer registers a new customer. Returns ErrCustomerExists on reuse.
	SaveCustomer(ctx context.Context, c Customer) error

	GetCustomer(ctx context.Context, tenantID TenantID, customerID CustomerID) (Customer, error)

	// CompareAndSetTier sets the tier only if it is still `from`.
	CompareAndSetTier(ctx context.Context, tenantID TenantID, customerID CustomerID, from, to Tier) (bool, error)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// Mutate applies the mutation atomically. See Mutation for semantics.
	Mutate(ctx context.Context, m Mutation) (MutationResult, error)

	// Transactions returns the card's ledger ordered by Sequence.
	Transactions(ctx context.Context, tenantID TenantID, cardID CardID) ([]Transaction, error)

	GetTransaction(ctx context.Context, tenantID TenantID, id TransactionID) (Transaction, error)
}

// =============================================================================
// PENDING PAYMENT STORE
// =============================================================================

// PendingTransition moves a pending payment from any of From to To.
type PendingTransition struct {
	Reference string
	From      []PendingStatus
	To        PendingStatus
	At        time.Time
}

func (t PendingTransition) allows(s PendingStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Check validates the current status against the transition. Implementations
// call it while holding the row.
func (t PendingTransition) Check(p PendingPayment) error {
	if !t.allows(p.Status) {
		return &PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: ErrInvalidTransition}
	}
	return nil
}

type PendingStore interface {
	// CreatePending returns ErrDuplicateExternalReference on reuse.
	CreatePending(ctx context.Context, p PendingPayment) error

	GetPending(ctx context.Context, tenantID TenantID, id PendingPaymentID) (PendingPayment, error)

	GetPendingByReference(ctx context.Context, reference string) (PendingPayment, error)

	// TransitionPending is used for non-crediting transitions (FAILED,
	// EXPIRED, card-less COMPLETED). Crediting completion goes through Mutate.
	TransitionPending(ctx context.Context, t PendingTransition) (PendingPayment, error)

	// ListExpiredPending returns PENDING payments with ExpiresAt <= now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]PendingPayment, error)
}
