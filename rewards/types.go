/*
Package rewards computes cashback rates and loyalty tiers.

PURPOSE:
  Everything in this package is a pure function of a tenant's rule snapshot.
  Rules are loaded once per operation (RuleSource) and passed in explicitly,
  so rate resolution and tier evaluation are testable without a ledger and
  stable regardless of call order.

RULE TABLES:
  CashbackRule: base rate per category            (PURCHASE -> 200 bps)
  TierRule:     bonus rate per loyalty tier       (GOLD from $500 spend -> +100 bps)
  Offer:        time-boxed additive bonus         (+50 bps during [start, end))

  Every rule carries an Active flag. Inactive rules contribute zero; they are
  not "missing", and a category without any active rule simply earns 0 bps.

RATE FORMULA:
  rate     = base(category) + bonus(tier) + sum(active offers at t), floored at 0
  cashback = floor(amount * rate / 10000)

EXAMPLE:
  PURCHASE 200 bps, GOLD +100 bps, one offer +50 bps
  2000 cents at 350 bps -> floor(2000 * 350 / 10000) = 70 cents

SEE ALSO:
  - rates.go: ResolveRate and CashbackFor
  - tiers.go: EvaluateTier
  - policies.go: Preset rule sets
  - factory/: JSON/YAML rule configuration
*/
package rewards

import (
	"context"
	"time"

	"github.com/warp/cashback-engine/generic"
)

// =============================================================================
// RULE TABLES
// =============================================================================

type CashbackRule struct {
	Category generic.Category
	RateBps  int64
	Active   bool
}

type TierRule struct {
	Tier          generic.Tier
	MinTotalSpend generic.Cents
	BonusBps      int64
	Active        bool
}

// Offer is valid on the half-open window [StartAt, EndAt).
type Offer struct {
	ID       string
	Name     string
	BonusBps int64
	StartAt  time.Time
	EndAt    time.Time
	Active   bool
}

// ActiveAt reports whether the offer contributes at instant at.
func (o Offer) ActiveAt(at time.Time) bool {
	return o.Active && !at.Before(o.StartAt) && at.Before(o.EndAt)
}

// RuleSet is a tenant's rule snapshot.
type RuleSet struct {
	TenantID generic.TenantID
	Cashback []CashbackRule
	Tiers    []TierRule
	Offers   []Offer
}

// =============================================================================
// RULE SOURCES
// =============================================================================

// RuleSource loads a tenant's rule snapshot.
type RuleSource interface {
	RuleSet(ctx context.Context, tenantID generic.TenantID) (RuleSet, error)
}

// RuleStore persists rule snapshots. ReplaceRuleSet swaps all three tables
// for the tenant atomically.
type RuleStore interface {
	RuleSource
	ReplaceRuleSet(ctx context.Context, rules RuleSet) error
}
