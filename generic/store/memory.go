// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every store interface in memory. A single mutex
// serializes all writes, which is a superset of per-card serialization.
type Memory struct {
	mu          sync.RWMutex
	cards       map[generic.CardID]generic.Card
	customers   map[customerKey]generic.Customer
	ledger      map[generic.CardID][]generic.Transaction
	txByID      map[generic.TransactionID]generic.Transaction
	pending     map[string]generic.PendingPayment // by external reference
	pendingByID map[generic.PendingPaymentID]string
	rules       map[generic.TenantID]rewards.RuleSet

	now func() time.Time
}

type customerKey struct {
	TenantID   generic.TenantID
	CustomerID generic.CustomerID
}

var (
	_ generic.CardStore     = (*Memory)(nil)
	_ generic.CustomerStore = (*Memory)(nil)
	_ generic.LedgerStore   = (*Memory)(nil)
	_ generic.PendingStore  = (*Memory)(nil)
	_ rewards.RuleStore     = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		cards:       make(map[generic.CardID]generic.Card),
		customers:   make(map[customerKey]generic.Customer),
		ledger:      make(map[generic.CardID][]generic.Transaction),
		txByID:      make(map[generic.TransactionID]generic.Transaction),
		pending:     make(map[string]generic.PendingPayment),
		pendingByID: make(map[generic.PendingPaymentID]string),
		rules:       make(map[generic.TenantID]rewards.RuleSet),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source (tests).
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// =============================================================================
// CARDS
// =============================================================================

// CreateCards adds issued cards atomically.
func (m *Memory) CreateCards(_ context.Context, cards []generic.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range cards {
		if _, exists := m.cards[c.ID]; exists {
			return &generic.InvalidValueError{Field: "card_id", Value: c.ID, Err: generic.ErrInvalidRequest}
		}
	}
	for _, c := range cards {
		m.cards[c.ID] = c
	}
	return nil
}

func (m *Memory) GetCard(_ context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cardLocked(tenantID, cardID)
}

func (m *Memory) cardLocked(tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	c, ok := m.cards[cardID]
	if !ok || c.TenantID != tenantID {
		return generic.Card{}, generic.ErrCardNotFound
	}
	return c, nil
}

func (m *Memory) ListCards(_ context.Context, tenantID generic.TenantID) ([]generic.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Card
	for _, c := range m.cards {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateCardStatus(_ context.Context, change generic.CardStatusChange) (generic.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cardLocked(change.TenantID, change.CardID)
	if err != nil {
		return generic.Card{}, err
	}
	if c.Status != change.From || !change.From.CanTransitionTo(change.To) {
		return c, &generic.CardStateError{CardID: c.ID, Status: c.Status, Err: generic.ErrInvalidTransition}
	}
	if change.CustomerID != "" && change.From == generic.CardUnassigned {
		c.CustomerID = change.CustomerID
	}
	c.Status = change.To
	c.UpdatedAt = change.At
	m.cards[c.ID] = c
	return c, nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) SaveCustomer(_ context.Context, c generic.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := customerKey{TenantID: c.TenantID, CustomerID: c.ID}
	if _, exists := m.customers[k]; exists {
		return generic.ErrCustomerExists
	}
	m.customers[k] = c
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, tenantID generic.TenantID, customerID generic.CustomerID) (generic.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[customerKey{TenantID: tenantID, CustomerID: customerID}]
	if !ok {
		return generic.Customer{}, generic.ErrCustomerNotFound
	}
	return c, nil
}

func (m *Memory) CompareAndSetTier(_ context.Context, tenantID generic.TenantID, customerID generic.CustomerID, from, to generic.Tier) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := customerKey{TenantID: tenantID, CustomerID: customerID}
	c, ok := m.customers[k]
	if !ok {
		return false, generic.ErrCustomerNotFound
	}
	if c.Tier != from {
		return false, nil
	}
	c.Tier = to
	c.UpdatedAt = m.now()
	m.customers[k] = c
	return true, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Mutate applies the balance delta, appends the entry and performs the
// optional settlement and spend increment under one lock. Nothing is written
// unless every check passes.
func (m *Memory) Mutate(_ context.Context, mut generic.Mutation) (generic.MutationResult, error) {
	if err := mut.Validate(); err != nil {
		return generic.MutationResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := mut.At
	if now.IsZero() {
		now = m.now()
	}

	card, err := m.cardLocked(mut.TenantID, mut.CardID)
	if err != nil {
		return generic.MutationResult{}, err
	}

	var pending generic.PendingPayment
	if mut.Settles != nil {
		pending, err = m.settlementLocked(*mut.Settles)
		if err != nil {
			return generic.MutationResult{}, err
		}
		settled, err := generic.CheckSettlement(pending, mut, now)
		if err != nil {
			return generic.MutationResult{}, err
		}
		if settled {
			existing := m.txByID[pending.TransactionID]
			return generic.MutationResult{Transaction: existing, NewBalance: card.Balance, Applied: false}, nil
		}
	}

	tx, err := mut.Apply(card, now)
	if err != nil {
		return generic.MutationResult{}, err
	}

	var customer generic.Customer
	var ck customerKey
	var spend generic.Cents
	if mut.SpendIncrement > 0 && card.HasCustomer() {
		ck = customerKey{TenantID: card.TenantID, CustomerID: card.CustomerID}
		var ok bool
		if customer, ok = m.customers[ck]; !ok {
			return generic.MutationResult{}, generic.ErrCustomerNotFound
		}
		if spend, err = generic.AddCents("spend_increment", customer.TotalSpend, mut.SpendIncrement); err != nil {
			return generic.MutationResult{}, err
		}
	}

	// All checks passed: commit.
	card.Balance = tx.BalanceAfter
	card.Version = tx.Sequence
	card.UpdatedAt = now
	m.cards[card.ID] = card
	m.ledger[card.ID] = append(m.ledger[card.ID], tx)
	m.txByID[tx.ID] = tx

	result := generic.MutationResult{Transaction: tx, NewBalance: card.Balance, Applied: true}
	if ck.CustomerID != "" {
		customer.TotalSpend = spend
		customer.UpdatedAt = now
		m.customers[ck] = customer
		result.CustomerTotalSpend = customer.TotalSpend
	}
	if mut.Settles != nil {
		resolved := now
		pending.Status = generic.PendingCompleted
		pending.TransactionID = tx.ID
		pending.UpdatedAt = now
		pending.ResolvedAt = &resolved
		m.pending[pending.ExternalReference] = pending
	}
	return result, nil
}

func (m *Memory) settlementLocked(s generic.Settlement) (generic.PendingPayment, error) {
	ref := s.ExternalReference
	if ref == "" {
		ref = m.pendingByID[s.PendingPaymentID]
	}
	p, ok := m.pending[ref]
	if !ok {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	return p, nil
}

func (m *Memory) Transactions(_ context.Context, tenantID generic.TenantID, cardID generic.CardID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.cardLocked(tenantID, cardID); err != nil {
		return nil, err
	}
	result := make([]generic.Transaction, len(m.ledger[cardID]))
	copy(result, m.ledger[cardID])
	return result, nil
}

func (m *Memory) GetTransaction(_ context.Context, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txByID[id]
	if !ok || tx.TenantID != tenantID {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return tx, nil
}

// =============================================================================
// PENDING PAYMENTS
// =============================================================================

func (m *Memory) CreatePending(_ context.Context, p generic.PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[p.ExternalReference]; exists {
		return generic.ErrDuplicateExternalReference
	}
	m.pending[p.ExternalReference] = p
	m.pendingByID[p.ID] = p.ExternalReference
	return nil
}

func (m *Memory) GetPending(_ context.Context, tenantID generic.TenantID, id generic.PendingPaymentID) (generic.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[m.pendingByID[id]]
	if !ok || p.TenantID != tenantID {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	return p, nil
}

func (m *Memory) GetPendingByReference(_ context.Context, reference string) (generic.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[reference]
	if !ok {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	return p, nil
}

func (m *Memory) TransitionPending(_ context.Context, t generic.PendingTransition) (generic.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[t.Reference]
	if !ok {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	if err := t.Check(p); err != nil {
		return p, err
	}
	p.Status = t.To
	p.UpdatedAt = t.At
	if t.To != generic.PendingOpen {
		at := t.At
		p.ResolvedAt = &at
	}
	m.pending[t.Reference] = p
	return p, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]generic.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.PendingPayment
	for _, p := range m.pending {
		if p.Status == generic.PendingOpen && p.IsExpired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) RuleSet(_ context.Context, tenantID generic.TenantID) (rewards.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.rules[tenantID]
	if !ok {
		return rewards.RuleSet{TenantID: tenantID}, nil
	}
	return cloneRules(rs), nil
}

func (m *Memory) ReplaceRuleSet(_ context.Context, rules rewards.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rules.TenantID] = cloneRules(rules)
	return nil
}

func cloneRules(rs rewards.RuleSet) rewards.RuleSet {
	return rewards.RuleSet{
		TenantID: rs.TenantID,
		Cashback: append([]rewards.CashbackRule(nil), rs.Cashback...),
		Tiers:    append([]rewards.TierRule(nil), rs.Tiers...),
		Offers:   append([]rewards.Offer(nil), rs.Offers...),
	}
}
