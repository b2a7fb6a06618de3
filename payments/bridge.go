package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
)

// DefaultTTL is how long a pending payment waits for confirmation.
const DefaultTTL = 30 * time.Minute

// Outcome is the provider's final verdict on a payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

func (o Outcome) Valid() bool { return o == OutcomeSucceeded || o == OutcomeFailed }

// Ledger is the part of the engine the bridge credits through.
type Ledger interface {
	Card(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error)
	Transaction(ctx context.Context, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error)
	SettleEarn(ctx context.Context, req loyalty.EarnRequest, settles generic.Settlement) (loyalty.Result, error)
	SettleAdjust(ctx context.Context, req loyalty.AdjustRequest, settles generic.Settlement) (loyalty.Result, error)
}

var _ Ledger = (*loyalty.Engine)(nil)

// Bridge owns the PendingPayment state machine.
type Bridge struct {
	pending generic.PendingStore
	ledger  Ledger
	gateway Gateway
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

type BridgeOption func(*Bridge)

func WithBridgeLogger(l *slog.Logger) BridgeOption { return func(b *Bridge) { b.logger = l } }

func WithTTL(ttl time.Duration) BridgeOption {
	return func(b *Bridge) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithBridgeClock(now func() time.Time) BridgeOption { return func(b *Bridge) { b.now = now } }

// NewBridge wires the bridge. gateway may be nil when payments are only
// created by reference and resolved by webhook.
func NewBridge(pending generic.PendingStore, ledger Ledger, gateway Gateway, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		pending: pending,
		ledger:  ledger,
		gateway: gateway,
		logger:  slog.Default(),
		ttl:     DefaultTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "payment_bridge")
	return b
}

// =============================================================================
// CREATE
// =============================================================================

// PendingRequest records an externally initiated payment.
type PendingRequest struct {
	TenantID          generic.TenantID
	CardID            generic.CardID // optional
	Amount            generic.Cents
	Purpose           generic.PaymentPurpose
	Category          generic.Category // empty: PURCHASE for purchases, OTHER for top-ups
	Description       string
	ExpiresAt         time.Time // zero: now + TTL
	ExternalReference string
}

// CreatePending validates and stores a PENDING payment.
func (b *Bridge) CreatePending(ctx context.Context, req PendingRequest) (generic.PendingPayment, error) {
	if req.TenantID == "" {
		return generic.PendingPayment{}, fmt.Errorf("%w: tenant is required", generic.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ExternalReference) == "" {
		return generic.PendingPayment{}, fmt.Errorf("%w: external reference is required", generic.ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return generic.PendingPayment{}, &generic.InvalidValueError{Field: "amount", Value: int64(req.Amount), Err: generic.ErrInvalidAmount}
	}
	if !req.Purpose.Valid() {
		return generic.PendingPayment{}, &generic.InvalidValueError{Field: "purpose", Value: string(req.Purpose), Err: generic.ErrInvalidRequest}
	}
	category, err := purposeCategory(req.Purpose, req.Category)
	if err != nil {
		return generic.PendingPayment{}, err
	}

	now := b.now()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(b.ttl)
	}
	if !expiresAt.After(now) {
		return generic.PendingPayment{}, &generic.InvalidValueError{Field: "expires_at", Value: expiresAt, Err: generic.ErrInvalidRequest}
	}

	p := generic.PendingPayment{
		ID:                generic.NewPendingPaymentID(),
		TenantID:          req.TenantID,
		ExternalReference: req.ExternalReference,
		CardID:            req.CardID,
		Amount:            req.Amount,
		Purpose:           req.Purpose,
		Category:          category,
		Status:            generic.PendingOpen,
		Description:       req.Description,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.CardID != "" {
		card, err := b.ledger.Card(ctx, req.TenantID, req.CardID)
		if err != nil {
			return generic.PendingPayment{}, err
		}
		if card.Status != generic.CardActive {
			return generic.PendingPayment{}, &generic.CardStateError{CardID: card.ID, Status: card.Status, Err: generic.ErrCardNotActive}
		}
		p.CustomerID = card.CustomerID
	}

	if err := b.pending.CreatePending(ctx, p); err != nil {
		return generic.PendingPayment{}, err
	}
	b.logger.Info("pending payment created",
		"tenant_id", p.TenantID,
		"external_reference", p.ExternalReference,
		"card_id", p.CardID,
		"amount", int64(p.Amount),
		"purpose", p.Purpose)
	return p, nil
}

// InitiateRequest starts a provider payment and records it.
type InitiateRequest struct {
	TenantID    generic.TenantID
	CardID      generic.CardID
	Amount      generic.Cents
	Purpose     generic.PaymentPurpose
	Category    generic.Category
	Description string
}

// Initiate creates the provider intent, then the pending payment keyed by
// the intent ID. No ledger state is touched.
func (b *Bridge) Initiate(ctx context.Context, req InitiateRequest) (generic.PendingPayment, Intent, error) {
	if b.gateway == nil {
		return generic.PendingPayment{}, Intent{}, errors.New("no payment gateway configured")
	}
	if req.Amount <= 0 {
		return generic.PendingPayment{}, Intent{}, &generic.InvalidValueError{Field: "amount", Value: int64(req.Amount), Err: generic.ErrInvalidAmount}
	}
	if !req.Purpose.Valid() {
		return generic.PendingPayment{}, Intent{}, &generic.InvalidValueError{Field: "purpose", Value: string(req.Purpose), Err: generic.ErrInvalidRequest}
	}

	intent, err := b.gateway.CreateIntent(ctx, req.Amount, map[string]string{
		"tenant_id": string(req.TenantID),
		"card_id":   string(req.CardID),
		"purpose":   string(req.Purpose),
	})
	if err != nil {
		return generic.PendingPayment{}, Intent{}, err
	}

	p, err := b.CreatePending(ctx, PendingRequest{
		TenantID:          req.TenantID,
		CardID:            req.CardID,
		Amount:            req.Amount,
		Purpose:           req.Purpose,
		Category:          req.Category,
		Description:       req.Description,
		ExternalReference: intent.ID,
	})
	if err != nil {
		return generic.PendingPayment{}, Intent{}, err
	}
	return p, intent, nil
}

// =============================================================================
// RESOLVE
// =============================================================================

// Resolution is the state after a resolve. Transaction is nil for failures
// and card-less payments. Duplicate marks a delivery that changed nothing.
type Resolution struct {
	Pending     generic.PendingPayment
	Transaction *generic.Transaction
	Duplicate   bool
}

// Resolve applies a provider outcome to the payment with the given external
// reference. It is idempotent: repeated or concurrent deliveries produce at
// most one ledger entry. A success observed after expiry returns
// ErrPaymentExpired and credits nothing.
func (b *Bridge) Resolve(ctx context.Context, reference string, outcome Outcome) (Resolution, error) {
	if !outcome.Valid() {
		return Resolution{}, &generic.InvalidValueError{Field: "outcome", Value: string(outcome), Err: generic.ErrInvalidRequest}
	}
	p, err := b.pending.GetPendingByReference(ctx, reference)
	if err != nil {
		return Resolution{}, err
	}

	// One re-read covers losing a race against a concurrent resolver or
	// the expiry sweep.
	for attempt := 0; ; attempt++ {
		res, err := b.resolve(ctx, p, outcome)
		if err == nil || attempt > 0 || !errors.Is(err, generic.ErrInvalidTransition) {
			return res, err
		}
		if p, err = b.pending.GetPendingByReference(ctx, reference); err != nil {
			return Resolution{}, err
		}
	}
}

func (b *Bridge) resolve(ctx context.Context, p generic.PendingPayment, outcome Outcome) (Resolution, error) {
	now := b.now()
	log := b.logger.With("tenant_id", p.TenantID, "external_reference", p.ExternalReference, "outcome", outcome)

	if p.Status == generic.PendingOpen && p.IsExpired(now) {
		expired, err := b.transition(ctx, p, generic.PendingExpired, now, generic.PendingOpen)
		if err != nil {
			return Resolution{}, err
		}
		log.Info("pending payment expired on observation")
		p = expired
	}

	switch p.Status {
	case generic.PendingCompleted:
		return b.duplicate(ctx, p, log)
	case generic.PendingExpired:
		if outcome == OutcomeFailed {
			return Resolution{Pending: p, Duplicate: true}, nil
		}
		log.Warn("payment confirmed after expiry, not credited")
		return Resolution{Pending: p}, &generic.PendingStateError{Reference: p.ExternalReference, Status: p.Status, Err: generic.ErrPaymentExpired}
	case generic.PendingFailed:
		if outcome == OutcomeFailed {
			log.Info("duplicate payment event", "err", generic.ErrDuplicatePaymentEvent)
			return Resolution{Pending: p, Duplicate: true}, nil
		}
	}

	if outcome == OutcomeFailed {
		failed, err := b.transition(ctx, p, generic.PendingFailed, now, generic.PendingOpen)
		if err != nil {
			return Resolution{}, err
		}
		log.Info("pending payment failed")
		return Resolution{Pending: failed}, nil
	}

	if !p.HasCard() {
		completed, err := b.transition(ctx, p, generic.PendingCompleted, now, generic.PendingOpen, generic.PendingFailed)
		if err != nil {
			return Resolution{}, err
		}
		log.Info("card-less payment completed")
		return Resolution{Pending: completed}, nil
	}

	res, err := b.settle(ctx, p)
	if err != nil {
		return Resolution{}, err
	}
	if !res.Applied {
		return b.duplicate(ctx, p, log)
	}
	settled, err := b.pending.GetPendingByReference(ctx, p.ExternalReference)
	if err != nil {
		return Resolution{}, err
	}
	tx := res.Transaction
	log.Info("pending payment completed", "tx_id", tx.ID, "card_id", p.CardID)
	return Resolution{Pending: settled, Transaction: &tx}, nil
}

// settle credits the card through the engine, bound to the pending payment
// so the store completes it in the same atomic unit.
func (b *Bridge) settle(ctx context.Context, p generic.PendingPayment) (loyalty.Result, error) {
	s := generic.Settlement{PendingPaymentID: p.ID, ExternalReference: p.ExternalReference}
	switch p.Purpose {
	case generic.PurposeTopUp:
		return b.ledger.SettleAdjust(ctx, loyalty.AdjustRequest{
			TenantID: p.TenantID,
			CardID:   p.CardID,
			Category: p.Category,
			Amount:   p.Amount,
			Note:     noteFor(p),
		}, s)
	case generic.PurposePurchase:
		return b.ledger.SettleEarn(ctx, loyalty.EarnRequest{
			TenantID:       p.TenantID,
			CardID:         p.CardID,
			Category:       p.Category,
			PurchaseAmount: p.Amount,
			Description:    noteFor(p),
		}, s)
	}
	return loyalty.Result{}, &generic.InvalidValueError{Field: "purpose", Value: string(p.Purpose), Err: generic.ErrInvalidRequest}
}

func (b *Bridge) duplicate(ctx context.Context, p generic.PendingPayment, log *slog.Logger) (Resolution, error) {
	log.Info("duplicate payment event", "err", generic.ErrDuplicatePaymentEvent)
	current, err := b.pending.GetPendingByReference(ctx, p.ExternalReference)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Pending: current, Duplicate: true}
	if current.TransactionID != "" {
		tx, err := b.ledger.Transaction(ctx, current.TenantID, current.TransactionID)
		if err != nil {
			return Resolution{}, err
		}
		res.Transaction = &tx
	}
	return res, nil
}

func (b *Bridge) transition(ctx context.Context, p generic.PendingPayment, to generic.PendingStatus, at time.Time, from ...generic.PendingStatus) (generic.PendingPayment, error) {
	return b.pending.TransitionPending(ctx, generic.PendingTransition{
		Reference: p.ExternalReference,
		From:      from,
		To:        to,
		At:        at,
	})
}

// =============================================================================
// POLLING & SWEEP
// =============================================================================

// Payment returns a tenant's pending payment by ID.
func (b *Bridge) Payment(ctx context.Context, tenantID generic.TenantID, id generic.PendingPaymentID) (generic.PendingPayment, error) {
	return b.pending.GetPending(ctx, tenantID, id)
}

// Confirm asks the gateway for the payment's status and resolves it. Safe to
// call repeatedly and concurrently with webhook delivery.
func (b *Bridge) Confirm(ctx context.Context, tenantID generic.TenantID, id generic.PendingPaymentID) (Resolution, error) {
	p, err := b.pending.GetPending(ctx, tenantID, id)
	if err != nil {
		return Resolution{}, err
	}
	switch p.Status {
	case generic.PendingCompleted:
		return b.duplicate(ctx, p, b.logger.With("tenant_id", p.TenantID, "external_reference", p.ExternalReference))
	case generic.PendingExpired:
		return Resolution{Pending: p}, nil
	}
	if b.gateway == nil {
		return Resolution{}, errors.New("no payment gateway configured")
	}

	status, err := b.gateway.IntentStatus(ctx, p.ExternalReference)
	if err != nil {
		return Resolution{}, err
	}
	switch status {
	case IntentSucceeded:
		return b.Resolve(ctx, p.ExternalReference, OutcomeSucceeded)
	case IntentFailed:
		return b.Resolve(ctx, p.ExternalReference, OutcomeFailed)
	}

	if p.Status == generic.PendingOpen && p.IsExpired(b.now()) {
		expired, err := b.transition(ctx, p, generic.PendingExpired, b.now(), generic.PendingOpen)
		if err != nil {
			if errors.Is(err, generic.ErrInvalidTransition) {
				return b.reload(ctx, p)
			}
			return Resolution{}, err
		}
		return Resolution{Pending: expired}, nil
	}
	return Resolution{Pending: p}, nil
}

func (b *Bridge) reload(ctx context.Context, p generic.PendingPayment) (Resolution, error) {
	current, err := b.pending.GetPending(ctx, p.TenantID, p.ID)
	return Resolution{Pending: current}, err
}

// ExpireStale moves up to limit overdue PENDING payments to EXPIRED and
// returns how many it moved.
func (b *Bridge) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := b.pending.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired payments: %w", err)
	}
	expired := 0
	for _, p := range overdue {
		if _, err := b.transition(ctx, p, generic.PendingExpired, now, generic.PendingOpen); err != nil {
			if errors.Is(err, generic.ErrInvalidTransition) {
				continue
			}
			return expired, fmt.Errorf("failed to expire %s: %w", p.ExternalReference, err)
		}
		expired++
	}
	if expired > 0 {
		b.logger.Info("expired stale payments", "count", expired)
	}
	return expired, nil
}

// Helper functions

func purposeCategory(purpose generic.PaymentPurpose, c generic.Category) (generic.Category, error) {
	if c == "" {
		if purpose == generic.PurposeTopUp {
			return generic.CategoryOther, nil
		}
		return generic.CategoryPurchase, nil
	}
	if !c.Valid() {
		return "", &generic.InvalidValueError{Field: "category", Value: string(c), Err: generic.ErrInvalidCategory}
	}
	return c, nil
}

func noteFor(p generic.PendingPayment) string {
	if p.Description != "" {
		return p.Description
	}
	return "payment " + p.ExternalReference
}
