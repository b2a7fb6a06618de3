package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// MUTATION - The single balance-changing primitive
// =============================================================================

// Mutation is applied by LedgerStore.Mutate as one atomic unit: the balance
// delta, the ledger entry and the optional side effects below either all
// become visible together or not at all.
//
// The delta is always derived from Entry, so a balance change without a
// matching ledger entry cannot be expressed.
type Mutation struct {
	TenantID TenantID
	CardID   CardID
	Entry    TransactionDraft

	// ExpectedPriorBalance, when set, must equal the balance at apply time.
	ExpectedPriorBalance *Cents

	// RequireCustomer rejects the mutation when the card has no customer.
	RequireCustomer bool

	// SpendIncrement is added to the linked customer's lifetime spend.
	SpendIncrement Cents

	// Settles marks the pending payment COMPLETED in the same unit.
	Settles *Settlement

	At time.Time
}

// Settlement links a mutation to the pending payment it completes.
type Settlement struct {
	PendingPaymentID  PendingPaymentID
	ExternalReference string
}

// MutationResult reports the outcome of Mutate.
type MutationResult struct {
	Transaction Transaction
	NewBalance  Cents
	// Applied is false when Settles pointed at an already COMPLETED payment;
	// Transaction is then the entry recorded by the first settlement.
	Applied bool
	// CustomerTotalSpend is the customer's spend after SpendIncrement.
	CustomerTotalSpend Cents
}

// Delta is the signed balance change.
func (m Mutation) Delta() Cents { return m.Entry.Delta() }

// Validate rejects malformed mutations before any store access.
func (m Mutation) Validate() error {
	if m.TenantID == "" || m.CardID == "" {
		return fmt.Errorf("%w: tenant and card are required", ErrInvalidRequest)
	}
	if !m.Entry.Type.Valid() {
		return &InvalidValueError{Field: "type", Value: m.Entry.Type, Err: ErrInvalidRequest}
	}
	if !m.Entry.Category.Valid() {
		return &InvalidValueError{Field: "category", Value: m.Entry.Category, Err: ErrInvalidCategory}
	}
	switch m.Entry.Type {
	case TxEarn:
		if m.Entry.Amount <= 0 {
			return invalidAmount("amount", m.Entry.Amount)
		}
		if m.Entry.Cashback < 0 {
			return invalidAmount("cashback", m.Entry.Cashback)
		}
	case TxRedeem:
		if m.Entry.Amount <= 0 {
			return invalidAmount("amount", m.Entry.Amount)
		}
		if m.Entry.Cashback != 0 {
			return invalidAmount("cashback", m.Entry.Cashback)
		}
	case TxAdjust:
		if m.Entry.Amount == 0 {
			return invalidAmount("amount", m.Entry.Amount)
		}
		if m.Entry.Cashback != 0 {
			return invalidAmount("cashback", m.Entry.Cashback)
		}
	}
	if m.SpendIncrement < 0 {
		return invalidAmount("spend_increment", m.SpendIncrement)
	}
	if m.Settles != nil && m.Settles.ExternalReference == "" && m.Settles.PendingPaymentID == "" {
		return fmt.Errorf("%w: settlement needs a pending payment reference", ErrInvalidRequest)
	}
	return nil
}

// Apply checks the mutation against the locked card and builds the ledger
// entry. Stores call it while holding the per-card lock, then persist the
// returned entry and its BalanceAfter together.
func (m Mutation) Apply(card Card, now time.Time) (Transaction, error) {
	if card.TenantID != m.TenantID {
		return Transaction{}, ErrCardNotFound
	}
	if card.Status != CardActive {
		return Transaction{}, &CardStateError{CardID: card.ID, Status: card.Status, Err: ErrCardNotActive}
	}
	if m.RequireCustomer && !card.HasCustomer() {
		return Transaction{}, ErrCustomerRequired
	}
	if m.ExpectedPriorBalance != nil && *m.ExpectedPriorBalance != card.Balance {
		return Transaction{}, ErrStaleBalance
	}

	delta := m.Delta()
	after, err := AddCents("amount", card.Balance, delta)
	if err != nil {
		return Transaction{}, err
	}
	if after < 0 {
		return Transaction{}, &InsufficientBalanceError{
			CardID:    card.ID,
			Available: card.Balance,
			Requested: -delta,
		}
	}

	id := m.Entry.ID
	if id == "" {
		id = NewTransactionID()
	}
	storeID := m.Entry.StoreID
	if storeID == "" {
		storeID = card.StoreID
	}
	var pendingID PendingPaymentID
	if m.Settles != nil {
		pendingID = m.Settles.PendingPaymentID
	}

	return Transaction{
		ID:               id,
		TenantID:         card.TenantID,
		CardID:           card.ID,
		CustomerID:       card.CustomerID,
		StoreID:          storeID,
		Type:             m.Entry.Type,
		Category:         m.Entry.Category,
		Amount:           m.Entry.Amount,
		Cashback:         m.Entry.Cashback,
		BalanceBefore:    card.Balance,
		BalanceAfter:     after,
		Sequence:         card.Version + 1,
		PendingPaymentID: pendingID,
		Note:             m.Entry.Note,
		CreatedAt:        now,
	}, nil
}

// CheckSettlement decides whether a pending payment may be completed now.
// It returns settled=true when the payment is already COMPLETED (the caller
// must return the linked entry instead of mutating again).
func CheckSettlement(p PendingPayment, m Mutation, now time.Time) (settled bool, err error) {
	if p.TenantID != m.TenantID || (p.HasCard() && p.CardID != m.CardID) {
		return false, &PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: ErrInvalidTransition}
	}
	switch p.Status {
	case PendingCompleted:
		return true, nil
	case PendingExpired:
		return false, &PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: ErrPaymentExpired}
	case PendingOpen, PendingFailed:
		// A late success after a failed attempt still reflects money that moved.
		if p.IsExpired(now) {
			return false, &PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: ErrPaymentExpired}
		}
		return false, nil
	}
	return false, &PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: ErrInvalidTransition}
}
