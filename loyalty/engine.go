/*
Package loyalty implements the cashback transaction engine.

PURPOSE:
  The Engine is the only component that decides what a purchase earns and
  turns customer actions into ledger mutations. It resolves the cashback
  rate, applies the balance change through LedgerStore.Mutate, upgrades the
  customer's tier after spend increases and fires notifications.

KEY CONCEPTS:
  - Earn:   Purchase earns floor(amount * rate / 10000) cashback (EARN entry)
  - Redeem: Spend balance; card must have a customer (REDEEM entry)
  - Adjust: Signed admin correction or top-up (ADJUST entry)
  - Settle*: The same operations bound to a PendingPayment so an external
             confirmation credits exactly once

ORDER OF EFFECTS:
  1. Load rules and customer tier (no locks held)
  2. Mutate (atomic: balance + entry + spend + settlement)
  3. Tier upgrade via compare-and-set (never lowers the tier)
  4. Fire-and-forget notification

  Steps 3 and 4 run only when the mutation was applied; their failures are
  logged and never undo step 2.

SEE ALSO:
  - generic/mutation.go: Atomic mutation rules
  - rewards/rates.go: Rate resolution
  - payments/bridge.go: Calls Settle* on payment confirmation
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/notify"
	"github.com/warp/cashback-engine/rewards"
)

// Store is everything the engine persists.
type Store interface {
	generic.CardStore
	generic.CustomerStore
	generic.LedgerStore
	rewards.RuleStore
}

// Engine executes balance operations for all tenants.
type Engine struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	retry    generic.RetryPolicy
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRetryPolicy(p generic.RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		retry:    generic.DefaultRetryPolicy,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "loyalty")
	return e
}

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

type EarnRequest struct {
	TenantID       generic.TenantID
	CardID         generic.CardID
	Category       generic.Category // empty means PURCHASE
	PurchaseAmount generic.Cents
	Description    string
	StoreID        generic.StoreID
}

type RedeemRequest struct {
	TenantID generic.TenantID
	CardID   generic.CardID
	Category generic.Category // empty means PURCHASE
	Amount   generic.Cents
	// ExpectedBalance rejects the redeem with ErrStaleBalance when the card
	// balance moved since the caller read it.
	ExpectedBalance *generic.Cents
	Note            string
	StoreID         generic.StoreID
}

type AdjustRequest struct {
	TenantID generic.TenantID
	CardID   generic.CardID
	Category generic.Category // empty means OTHER
	Amount   generic.Cents    // signed, non-zero
	Note     string
	StoreID  generic.StoreID
}

// Result reports a balance operation.
type Result struct {
	Transaction generic.Transaction
	Balance     generic.Cents
	// Applied is false when a settlement found the payment already credited.
	Applied bool
	// Rate is set for EARN.
	Rate *rewards.RateBreakdown
	// Tier is the customer's tier after the operation (empty without customer).
	Tier        generic.Tier
	TierChanged bool
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Earn credits cashback for a purchase.
func (e *Engine) Earn(ctx context.Context, req EarnRequest) (Result, error) {
	return e.earn(ctx, req, nil)
}

// SettleEarn is Earn bound to a pending payment; it credits at most once.
func (e *Engine) SettleEarn(ctx context.Context, req EarnRequest, settles generic.Settlement) (Result, error) {
	return e.earn(ctx, req, &settles)
}

func (e *Engine) earn(ctx context.Context, req EarnRequest, settles *generic.Settlement) (Result, error) {
	category, err := defaultCategory(req.Category, generic.CategoryPurchase)
	if err != nil {
		return Result{}, err
	}
	if req.PurchaseAmount <= 0 {
		return Result{}, &generic.InvalidValueError{Field: "purchase_amount", Value: int64(req.PurchaseAmount), Err: generic.ErrInvalidAmount}
	}

	card, err := e.store.GetCard(ctx, req.TenantID, req.CardID)
	if err != nil {
		return Result{}, err
	}
	rules, err := e.store.RuleSet(ctx, req.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load rules: %w", err)
	}
	tier, err := e.customerTier(ctx, card, rules)
	if err != nil {
		return Result{}, err
	}

	now := e.now()
	breakdown := rules.Breakdown(category, tier, now)
	cashback := rewards.CashbackFor(req.PurchaseAmount, breakdown.RateBps)

	m := generic.Mutation{
		TenantID: req.TenantID,
		CardID:   req.CardID,
		Entry: generic.TransactionDraft{
			Type:     generic.TxEarn,
			Category: category,
			Amount:   req.PurchaseAmount,
			Cashback: cashback,
			StoreID:  req.StoreID,
			Note:     req.Description,
		},
		SpendIncrement: req.PurchaseAmount,
		Settles:        settles,
		At:             now,
	}

	res, err := e.mutate(ctx, m)
	if err != nil {
		return Result{}, err
	}
	res.Rate = &breakdown
	res.Tier = tier

	if res.Applied && card.HasCustomer() {
		res.Tier, res.TierChanged = e.upgradeTier(ctx, rules, req.TenantID, card.CustomerID)
	}
	return res, nil
}

// Redeem spends balance. The card must be ACTIVE and linked to a customer.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (Result, error) {
	category, err := defaultCategory(req.Category, generic.CategoryPurchase)
	if err != nil {
		return Result{}, err
	}
	if req.Amount <= 0 {
		return Result{}, &generic.InvalidValueError{Field: "amount", Value: int64(req.Amount), Err: generic.ErrInvalidAmount}
	}

	m := generic.Mutation{
		TenantID: req.TenantID,
		CardID:   req.CardID,
		Entry: generic.TransactionDraft{
			Type:     generic.TxRedeem,
			Category: category,
			Amount:   req.Amount,
			StoreID:  req.StoreID,
			Note:     req.Note,
		},
		ExpectedPriorBalance: req.ExpectedBalance,
		RequireCustomer:      true,
		At:                   e.now(),
	}
	return e.mutate(ctx, m)
}

// Adjust applies a signed correction.
func (e *Engine) Adjust(ctx context.Context, req AdjustRequest) (Result, error) {
	return e.adjust(ctx, req, nil)
}

// SettleAdjust is Adjust bound to a pending payment (top-ups).
func (e *Engine) SettleAdjust(ctx context.Context, req AdjustRequest, settles generic.Settlement) (Result, error) {
	return e.adjust(ctx, req, &settles)
}

func (e *Engine) adjust(ctx context.Context, req AdjustRequest, settles *generic.Settlement) (Result, error) {
	category, err := defaultCategory(req.Category, generic.CategoryOther)
	if err != nil {
		return Result{}, err
	}
	if req.Amount == 0 {
		return Result{}, &generic.InvalidValueError{Field: "amount", Value: int64(0), Err: generic.ErrInvalidAmount}
	}

	m := generic.Mutation{
		TenantID: req.TenantID,
		CardID:   req.CardID,
		Entry: generic.TransactionDraft{
			Type:     generic.TxAdjust,
			Category: category,
			Amount:   req.Amount,
			StoreID:  req.StoreID,
			Note:     req.Note,
		},
		Settles: settles,
		At:      e.now(),
	}
	return e.mutate(ctx, m)
}

// mutate runs Mutate with bounded retries on lost races, then notifies.
func (e *Engine) mutate(ctx context.Context, m generic.Mutation) (Result, error) {
	var res generic.MutationResult
	err := e.retry.Do(ctx, func() error {
		var err error
		res, err = e.store.Mutate(ctx, m)
		if generic.IsRetryable(err) {
			e.logger.Debug("mutation conflict, retrying", "tenant_id", m.TenantID, "card_id", m.CardID)
		}
		return err
	})
	if err != nil {
		if !isBusinessError(err) {
			e.logger.Error("mutation failed", "tenant_id", m.TenantID, "card_id", m.CardID, "type", m.Entry.Type, "err", err)
		}
		return Result{}, err
	}

	out := Result{Transaction: res.Transaction, Balance: res.NewBalance, Applied: res.Applied}
	if res.Applied {
		e.logger.Info("balance changed",
			"tenant_id", m.TenantID,
			"card_id", m.CardID,
			"tx_id", res.Transaction.ID,
			"type", res.Transaction.Type,
			"delta", int64(res.Transaction.Delta()),
			"balance", int64(res.NewBalance))
		e.notifyChange(ctx, res.Transaction)
	}
	return out, nil
}

func (e *Engine) notifyChange(ctx context.Context, tx generic.Transaction) {
	if tx.CustomerID == "" {
		return
	}
	if err := e.notifier.NotifyBalanceChange(context.WithoutCancel(ctx), tx.CustomerID, tx); err != nil {
		e.logger.Warn("balance notification failed", "tx_id", tx.ID, "err", err)
	}
}

// =============================================================================
// TIERS
// =============================================================================

func (e *Engine) customerTier(ctx context.Context, card generic.Card, rules rewards.RuleSet) (generic.Tier, error) {
	if !card.HasCustomer() {
		return rules.DefaultTier(), nil
	}
	c, err := e.store.GetCustomer(ctx, card.TenantID, card.CustomerID)
	if err != nil {
		return "", err
	}
	return c.Tier, nil
}

// upgradeTier re-evaluates the tier from the stored lifetime spend and moves
// it up with compare-and-set. Returns the tier held afterwards.
func (e *Engine) upgradeTier(ctx context.Context, rules rewards.RuleSet, tenantID generic.TenantID, customerID generic.CustomerID) (generic.Tier, bool) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := e.store.GetCustomer(ctx, tenantID, customerID)
		if err != nil {
			e.logger.Warn("tier evaluation skipped", "tenant_id", tenantID, "customer_id", customerID, "err", err)
			return "", false
		}
		next := rules.Upgrade(c.Tier, c.TotalSpend)
		if next == c.Tier {
			return c.Tier, false
		}
		ok, err := e.store.CompareAndSetTier(ctx, tenantID, customerID, c.Tier, next)
		if err != nil {
			e.logger.Warn("tier update failed", "tenant_id", tenantID, "customer_id", customerID, "err", err)
			return c.Tier, false
		}
		if ok {
			e.logger.Info("tier upgraded", "tenant_id", tenantID, "customer_id", customerID, "from", c.Tier, "to", next)
			return next, true
		}
	}
	c, err := e.store.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		return "", false
	}
	return c.Tier, false
}

// Helper functions

// isBusinessError reports rejections that are part of normal operation.
func isBusinessError(err error) bool {
	return generic.IsClientError(err) ||
		generic.IsConflict(err) ||
		generic.IsNotFound(err) ||
		errors.Is(err, generic.ErrInsufficientBalance)
}

func defaultCategory(c, fallback generic.Category) (generic.Category, error) {
	if c == "" {
		return fallback, nil
	}
	if !c.Valid() {
		return "", &generic.InvalidValueError{Field: "category", Value: string(c), Err: generic.ErrInvalidCategory}
	}
	return c, nil
}
