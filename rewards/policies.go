package rewards

import (
	"time"

	"github.com/warp/cashback-engine/generic"
)

// =============================================================================
// PRESET RULE SETS
// =============================================================================

// StandardRuleSet is the default program for a new tenant:
//
//	PURCHASE 200 bps, REPAIR 100 bps, OTHER 0 bps
//	SILVER from 0 (+0), GOLD from 500.00 (+100), PLATINUM from 2000.00 (+200)
func StandardRuleSet(tenantID generic.TenantID) RuleSet {
	return RuleSet{
		TenantID: tenantID,
		Cashback: []CashbackRule{
			{Category: generic.CategoryPurchase, RateBps: 200, Active: true},
			{Category: generic.CategoryRepair, RateBps: 100, Active: true},
			{Category: generic.CategoryOther, RateBps: 0, Active: true},
		},
		Tiers: []TierRule{
			{Tier: generic.TierSilver, MinTotalSpend: 0, BonusBps: 0, Active: true},
			{Tier: generic.TierGold, MinTotalSpend: 50000, BonusBps: 100, Active: true},
			{Tier: generic.TierPlatinum, MinTotalSpend: 200000, BonusBps: 200, Active: true},
		},
	}
}

// WithOffer returns a copy of rs with an extra offer.
func (rs RuleSet) WithOffer(o Offer) RuleSet {
	out := rs
	out.Offers = append(append([]Offer{}, rs.Offers...), o)
	return out
}

// LaunchWeekOffer is a one-week +50 bps promotion starting at start.
func LaunchWeekOffer(id string, start time.Time) Offer {
	return Offer{
		ID:       id,
		Name:     "Launch week",
		BonusBps: 50,
		StartAt:  start,
		EndAt:    start.AddDate(0, 0, 7),
		Active:   true,
	}
}
