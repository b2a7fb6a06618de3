package loyalty

import (
	"context"
	"time"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

// QuoteRequest previews an EARN. The tier comes from the card's customer
// when CardID is set, otherwise from Tier, otherwise the tenant default.
type QuoteRequest struct {
	TenantID generic.TenantID
	CardID   generic.CardID
	Tier     generic.Tier
	Category generic.Category
	Amount   generic.Cents
	At       time.Time // zero means now
}

type Quote struct {
	Rate     rewards.RateBreakdown
	Amount   generic.Cents
	Cashback generic.Cents
}

// Quote computes what a purchase would earn without mutating anything.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	category, err := defaultCategory(req.Category, generic.CategoryPurchase)
	if err != nil {
		return Quote{}, err
	}
	if req.Amount <= 0 {
		return Quote{}, &generic.InvalidValueError{Field: "amount", Value: int64(req.Amount), Err: generic.ErrInvalidAmount}
	}
	if req.Tier != "" && !req.Tier.Valid() {
		return Quote{}, &generic.InvalidValueError{Field: "tier", Value: string(req.Tier), Err: generic.ErrInvalidTier}
	}

	rules, err := e.store.RuleSet(ctx, req.TenantID)
	if err != nil {
		return Quote{}, err
	}

	tier := req.Tier
	if req.CardID != "" {
		card, err := e.store.GetCard(ctx, req.TenantID, req.CardID)
		if err != nil {
			return Quote{}, err
		}
		if tier, err = e.customerTier(ctx, card, rules); err != nil {
			return Quote{}, err
		}
	}
	if tier == "" {
		tier = rules.DefaultTier()
	}

	at := req.At
	if at.IsZero() {
		at = e.now()
	}
	b := rules.Breakdown(category, tier, at)
	return Quote{Rate: b, Amount: req.Amount, Cashback: rewards.CashbackFor(req.Amount, b.RateBps)}, nil
}
