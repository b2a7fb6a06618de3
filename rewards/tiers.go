package rewards

import (
	"sort"

	"github.com/warp/cashback-engine/generic"
)

// activeTiers returns the active tier rules ordered by threshold, lowest first.
func (rs RuleSet) activeTiers() []TierRule {
	var active []TierRule
	for _, r := range rs.Tiers {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].MinTotalSpend == active[j].MinTotalSpend {
			return active[i].Tier.Rank() < active[j].Tier.Rank()
		}
		return active[i].MinTotalSpend < active[j].MinTotalSpend
	})
	return active
}

// DefaultTier is the lowest active tier, or SILVER when no tier is defined.
func (rs RuleSet) DefaultTier() generic.Tier {
	if active := rs.activeTiers(); len(active) > 0 {
		return active[0].Tier
	}
	return generic.TierSilver
}

// EvaluateTier returns the highest active tier whose threshold is at most
// spend, falling back to DefaultTier. Pure and idempotent.
func (rs RuleSet) EvaluateTier(spend generic.Cents) generic.Tier {
	tier := rs.DefaultTier()
	for _, r := range rs.activeTiers() {
		if r.MinTotalSpend <= spend {
			tier = r.Tier
		}
	}
	return tier
}

// Upgrade returns the tier a customer should hold after reaching spend,
// never lower than current.
func (rs RuleSet) Upgrade(current generic.Tier, spend generic.Cents) generic.Tier {
	next := rs.EvaluateTier(spend)
	if next.Rank() > current.Rank() {
		return next
	}
	return current
}
