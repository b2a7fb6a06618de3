package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
)

// SplitPlan divides a purchase between card balance and an external payment.
type SplitPlan struct {
	Total           generic.Cents
	BalancePortion  generic.Cents
	ExternalPortion generic.Cents
}

// PlanSplit uses min(requested, balance, total) of the balance and charges
// the rest externally.
func PlanSplit(balance, total, requested generic.Cents) (SplitPlan, error) {
	if total <= 0 {
		return SplitPlan{}, &generic.InvalidValueError{Field: "total", Value: int64(total), Err: generic.ErrInvalidAmount}
	}
	if requested < 0 {
		return SplitPlan{}, &generic.InvalidValueError{Field: "use_balance", Value: int64(requested), Err: generic.ErrInvalidAmount}
	}
	if balance < 0 {
		return SplitPlan{}, &generic.InvalidValueError{Field: "balance", Value: int64(balance), Err: generic.ErrInvalidAmount}
	}
	portion := min(requested, balance, total)
	return SplitPlan{Total: total, BalancePortion: portion, ExternalPortion: total - portion}, nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

// Redeemer is the part of the engine checkout spends balance through.
type Redeemer interface {
	Card(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error)
	Redeem(ctx context.Context, req loyalty.RedeemRequest) (loyalty.Result, error)
}

// Initiator starts the external part of a checkout.
type Initiator interface {
	Initiate(ctx context.Context, req InitiateRequest) (generic.PendingPayment, Intent, error)
}

// Coordinator sequences split checkouts: the REDEEM is durable before the
// external payment is requested, and is never reversed automatically.
type Coordinator struct {
	ledger Redeemer
	payer  Initiator
	logger *slog.Logger
}

func NewCoordinator(ledger Redeemer, payer Initiator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ledger: ledger, payer: payer, logger: logger.With("component", "checkout")}
}

type CheckoutRequest struct {
	TenantID    generic.TenantID
	CardID      generic.CardID
	Category    generic.Category
	Total       generic.Cents
	UseBalance  generic.Cents
	StoreID     generic.StoreID
	Description string
}

// CheckoutResult reports what was applied. Redeem is set once the balance
// portion is durable, even when the external step then fails.
type CheckoutResult struct {
	Plan    SplitPlan
	Redeem  *loyalty.Result
	Payment *generic.PendingPayment
	Intent  *Intent
}

// Checkout redeems the balance portion, then initiates a PURCHASE payment
// for the external portion. Cashback is earned on the external portion when
// that payment completes.
func (c *Coordinator) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	card, err := c.ledger.Card(ctx, req.TenantID, req.CardID)
	if err != nil {
		return CheckoutResult{}, err
	}
	plan, err := PlanSplit(card.Balance, req.Total, req.UseBalance)
	if err != nil {
		return CheckoutResult{}, err
	}
	out := CheckoutResult{Plan: plan}
	log := c.logger.With("tenant_id", req.TenantID, "card_id", req.CardID)

	if plan.BalancePortion > 0 {
		res, err := c.ledger.Redeem(ctx, loyalty.RedeemRequest{
			TenantID: req.TenantID,
			CardID:   req.CardID,
			Category: req.Category,
			Amount:   plan.BalancePortion,
			StoreID:  req.StoreID,
			Note:     req.Description,
		})
		if err != nil {
			return out, err
		}
		out.Redeem = &res
	}

	if plan.ExternalPortion == 0 {
		return out, nil
	}

	p, intent, err := c.payer.Initiate(ctx, InitiateRequest{
		TenantID:    req.TenantID,
		CardID:      req.CardID,
		Amount:      plan.ExternalPortion,
		Purpose:     generic.PurposePurchase,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		if out.Redeem != nil {
			log.Warn("external payment not initiated after balance redeem",
				"tx_id", out.Redeem.Transaction.ID,
				"redeemed", int64(plan.BalancePortion),
				"err", err)
		}
		return out, fmt.Errorf("failed to initiate external payment: %w", err)
	}
	out.Payment = &p
	out.Intent = &intent
	log.Info("checkout started",
		"balance_portion", int64(plan.BalancePortion),
		"external_portion", int64(plan.ExternalPortion),
		"external_reference", p.ExternalReference)
	return out, nil
}
