/*
Package factory provides JSON/YAML to Go rule set conversion.

PURPOSE:
  Converts tenant rule documents into rewards.RuleSet values and back. This
  enables cashback configuration without code changes: merchants edit rules
  through the admin API (JSON) or operators import a YAML file with the CLI.

DOCUMENT SCHEMA (YAML shown, JSON uses the same keys):
  cashback_rules:
    - category: PURCHASE
      rate_bps: 200
    - category: REPAIR
      rate_bps: 100
      active: false
  tier_rules:
    - tier: SILVER
      min_total_spend: "0"
    - tier: GOLD
      min_total_spend: "500.00"
      bonus_bps: 100
  offers:
    - id: summer
      name: Summer boost
      bonus_bps: 50
      start_at: 2025-06-01T00:00:00Z
      end_at: 2025-09-01T00:00:00Z

KEY FEATURES:
  - Money is written in major units ("500.00") and stored as cents
  - `active` defaults to true
  - Validation collects every problem instead of stopping at the first

USAGE:
  f := factory.NewRuleFactory()
  rules, err := f.ParseYAML("acme", data)

SEE ALSO:
  - rewards/types.go: RuleSet definition
  - rewards/policies.go: Go-based presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// RuleSetDoc is the serialized form of a tenant's rules.
type RuleSetDoc struct {
	Cashback []CashbackRuleDoc `json:"cashback_rules" yaml:"cashback_rules"`
	Tiers    []TierRuleDoc     `json:"tier_rules" yaml:"tier_rules"`
	Offers   []OfferDoc        `json:"offers" yaml:"offers"`
}

type CashbackRuleDoc struct {
	Category string `json:"category" yaml:"category"`
	RateBps  int64  `json:"rate_bps" yaml:"rate_bps"`
	Active   *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

type TierRuleDoc struct {
	Tier          string          `json:"tier" yaml:"tier"`
	MinTotalSpend decimal.Decimal `json:"min_total_spend" yaml:"min_total_spend"`
	BonusBps      int64           `json:"bonus_bps" yaml:"bonus_bps"`
	Active        *bool           `json:"active,omitempty" yaml:"active,omitempty"`
}

type OfferDoc struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	BonusBps int64     `json:"bonus_bps" yaml:"bonus_bps"`
	StartAt  time.Time `json:"start_at" yaml:"start_at"`
	EndAt    time.Time `json:"end_at" yaml:"end_at"`
	Active   *bool     `json:"active,omitempty" yaml:"active,omitempty"`
}

// ValidationError lists every problem found in a rule document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule set: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return generic.ErrInvalidRequest }

// =============================================================================
// FACTORY
// =============================================================================

// RuleFactory converts rule documents to rewards.RuleSet.
type RuleFactory struct{}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseJSON parses and validates a JSON rule document.
func (f *RuleFactory) ParseJSON(tenantID generic.TenantID, data []byte) (rewards.RuleSet, error) {
	var doc RuleSetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return rewards.RuleSet{}, fmt.Errorf("%w: failed to parse rules JSON: %v", generic.ErrInvalidRequest, err)
	}
	return f.FromDoc(tenantID, doc)
}

// ParseYAML parses and validates a YAML rule document.
func (f *RuleFactory) ParseYAML(tenantID generic.TenantID, data []byte) (rewards.RuleSet, error) {
	var doc RuleSetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return rewards.RuleSet{}, fmt.Errorf("%w: failed to parse rules YAML: %v", generic.ErrInvalidRequest, err)
	}
	return f.FromDoc(tenantID, doc)
}

// LoadFile reads a rule document, choosing the format by extension
// (.json, otherwise YAML).
func (f *RuleFactory) LoadFile(tenantID generic.TenantID, path string) (rewards.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rewards.RuleSet{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return f.ParseJSON(tenantID, data)
	}
	return f.ParseYAML(tenantID, data)
}

// FromDoc converts and validates a document.
func (f *RuleFactory) FromDoc(tenantID generic.TenantID, doc RuleSetDoc) (rewards.RuleSet, error) {
	rs := rewards.RuleSet{TenantID: tenantID}
	var problems []string

	for i, c := range doc.Cashback {
		category, err := generic.ParseCategory(c.Category)
		if err != nil || strings.TrimSpace(c.Category) == "" {
			problems = append(problems, fmt.Sprintf("cashback_rules[%d]: unknown category %q", i, c.Category))
			continue
		}
		rs.Cashback = append(rs.Cashback, rewards.CashbackRule{
			Category: category,
			RateBps:  c.RateBps,
			Active:   activeOrDefault(c.Active),
		})
	}

	for i, t := range doc.Tiers {
		tier, err := generic.ParseTier(t.Tier)
		if err != nil {
			problems = append(problems, fmt.Sprintf("tier_rules[%d]: unknown tier %q", i, t.Tier))
			continue
		}
		spend, ok := generic.CentsFromDecimal(t.MinTotalSpend)
		if !ok {
			problems = append(problems, fmt.Sprintf("tier_rules[%d]: min_total_spend %s has more than 2 decimals", i, t.MinTotalSpend))
			continue
		}
		rs.Tiers = append(rs.Tiers, rewards.TierRule{
			Tier:          tier,
			MinTotalSpend: spend,
			BonusBps:      t.BonusBps,
			Active:        activeOrDefault(t.Active),
		})
	}

	for _, o := range doc.Offers {
		rs.Offers = append(rs.Offers, rewards.Offer{
			ID:       o.ID,
			Name:     o.Name,
			BonusBps: o.BonusBps,
			StartAt:  o.StartAt.UTC(),
			EndAt:    o.EndAt.UTC(),
			Active:   activeOrDefault(o.Active),
		})
	}

	if err := Validate(rs); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Problems...)
		}
	}
	if len(problems) > 0 {
		return rewards.RuleSet{}, &ValidationError{Problems: problems}
	}
	return rs, nil
}

// ToDoc converts a rule set back to its document form.
func (f *RuleFactory) ToDoc(rs rewards.RuleSet) RuleSetDoc {
	doc := RuleSetDoc{
		Cashback: []CashbackRuleDoc{},
		Tiers:    []TierRuleDoc{},
		Offers:   []OfferDoc{},
	}
	for _, c := range rs.Cashback {
		doc.Cashback = append(doc.Cashback, CashbackRuleDoc{Category: string(c.Category), RateBps: c.RateBps, Active: boolPtr(c.Active)})
	}
	for _, t := range rs.Tiers {
		doc.Tiers = append(doc.Tiers, TierRuleDoc{
			Tier:          string(t.Tier),
			MinTotalSpend: t.MinTotalSpend.Decimal(),
			BonusBps:      t.BonusBps,
			Active:        boolPtr(t.Active),
		})
	}
	for _, o := range rs.Offers {
		doc.Offers = append(doc.Offers, OfferDoc{
			ID: o.ID, Name: o.Name, BonusBps: o.BonusBps, StartAt: o.StartAt, EndAt: o.EndAt, Active: boolPtr(o.Active),
		})
	}
	return doc
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks a rule set:
//   - rates and bonuses are non-negative
//   - at most one active rule per category and per tier
//   - offers have an id and StartAt < EndAt
//   - active tier thresholds increase with the canonical tier order
func Validate(rs rewards.RuleSet) error {
	var problems []string

	seenCategory := map[generic.Category]bool{}
	for i, c := range rs.Cashback {
		if c.RateBps < 0 {
			problems = append(problems, fmt.Sprintf("cashback_rules[%d]: rate_bps must be >= 0", i))
		}
		if c.Active {
			if seenCategory[c.Category] {
				problems = append(problems, fmt.Sprintf("cashback_rules[%d]: duplicate active rule for %s", i, c.Category))
			}
			seenCategory[c.Category] = true
		}
	}

	seenTier := map[generic.Tier]bool{}
	for i, t := range rs.Tiers {
		if t.BonusBps < 0 {
			problems = append(problems, fmt.Sprintf("tier_rules[%d]: bonus_bps must be >= 0", i))
		}
		if t.MinTotalSpend < 0 {
			problems = append(problems, fmt.Sprintf("tier_rules[%d]: min_total_spend must be >= 0", i))
		}
		if t.Active {
			if seenTier[t.Tier] {
				problems = append(problems, fmt.Sprintf("tier_rules[%d]: duplicate active rule for %s", i, t.Tier))
			}
			seenTier[t.Tier] = true
		}
	}
	problems = append(problems, tierOrderProblems(rs.Tiers)...)

	seenOffer := map[string]bool{}
	for i, o := range rs.Offers {
		if strings.TrimSpace(o.ID) == "" {
			problems = append(problems, fmt.Sprintf("offers[%d]: id is required", i))
		} else if seenOffer[o.ID] {
			problems = append(problems, fmt.Sprintf("offers[%d]: duplicate id %q", i, o.ID))
		}
		seenOffer[o.ID] = true
		if o.BonusBps < 0 {
			problems = append(problems, fmt.Sprintf("offers[%d]: bonus_bps must be >= 0", i))
		}
		if !o.StartAt.Before(o.EndAt) {
			problems = append(problems, fmt.Sprintf("offers[%d]: start_at must be before end_at", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// tierOrderProblems requires that a higher-ranked tier never has a lower or
// equal threshold than a lower-ranked one, so upgrades by spend never move
// down the canonical order.
func tierOrderProblems(tiers []rewards.TierRule) []string {
	var problems []string
	for _, lo := range tiers {
		for _, hi := range tiers {
			if !lo.Active || !hi.Active || hi.Tier.Rank() <= lo.Tier.Rank() {
				continue
			}
			if hi.MinTotalSpend <= lo.MinTotalSpend {
				problems = append(problems, fmt.Sprintf("tier_rules: %s threshold %s must exceed %s threshold %s",
					hi.Tier, hi.MinTotalSpend, lo.Tier, lo.MinTotalSpend))
			}
		}
	}
	return problems
}

// Helper functions

func activeOrDefault(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func boolPtr(b bool) *bool { return &b }
