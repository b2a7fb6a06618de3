package rewards

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/generic"
)

// BpsDenominator converts basis points to a fraction.
const BpsDenominator = 10000

var bpsDenominator = decimal.NewFromInt(BpsDenominator)

// RateBreakdown explains how a rate was assembled.
type RateBreakdown struct {
	Category     generic.Category
	Tier         generic.Tier
	At           time.Time
	BaseBps      int64
	TierBonusBps int64
	OfferBps     int64
	OfferIDs     []string
	RateBps      int64
}

// ResolveRate returns the effective cashback rate in bps.
func (rs RuleSet) ResolveRate(category generic.Category, tier generic.Tier, at time.Time) int64 {
	return rs.Breakdown(category, tier, at).RateBps
}

// Breakdown resolves the rate and keeps every component.
func (rs RuleSet) Breakdown(category generic.Category, tier generic.Tier, at time.Time) RateBreakdown {
	b := RateBreakdown{Category: category, Tier: tier, At: at}

	for _, r := range rs.Cashback {
		if r.Active && r.Category == category {
			b.BaseBps = r.RateBps
			break
		}
	}
	for _, r := range rs.Tiers {
		if r.Active && r.Tier == tier {
			b.TierBonusBps = r.BonusBps
			break
		}
	}
	for _, o := range rs.Offers {
		if o.ActiveAt(at) {
			b.OfferBps += o.BonusBps
			b.OfferIDs = append(b.OfferIDs, o.ID)
		}
	}

	b.RateBps = b.BaseBps + b.TierBonusBps + b.OfferBps
	if b.RateBps < 0 {
		b.RateBps = 0
	}
	return b
}

// CashbackFor returns floor(amount * rateBps / 10000). Non-positive inputs
// earn nothing.
func CashbackFor(amount generic.Cents, rateBps int64) generic.Cents {
	if amount <= 0 || rateBps <= 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromInt(rateBps)).
		Div(bpsDenominator).
		Floor()
	return generic.Cents(v.IntPart())
}

// ResolveRate loads the tenant's rules and resolves the rate.
func ResolveRate(ctx context.Context, src RuleSource, tenantID generic.TenantID, category generic.Category, tier generic.Tier, at time.Time) (int64, error) {
	rules, err := src.RuleSet(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return rules.ResolveRate(category, tier, at), nil
}
