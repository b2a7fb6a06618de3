package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

const yamlRules = `
cashback_rules:
  - category: purchase
    rate_bps: 200
  - category: REPAIR
    rate_bps: 120
    active: false
tier_rules:
  - tier: SILVER
    min_total_spend: 0
  - tier: GOLD
    min_total_spend: "500.00"
    bonus_bps: 100
  - tier: PLATINUM
    min_total_spend: 2000
    bonus_bps: 200
offers:
  - id: summer
    name: Summer boost
    bonus_bps: 50
    start_at: 2025-06-01T00:00:00Z
    end_at: 2025-09-01T00:00:00Z
`

func TestParseYAML(t *testing.T) {
	rules, err := factory.NewRuleFactory().ParseYAML("acme", []byte(yamlRules))
	require.NoError(t, err)

	assert.Equal(t, generic.TenantID("acme"), rules.TenantID)
	require.Len(t, rules.Cashback, 2)
	assert.Equal(t, generic.CategoryPurchase, rules.Cashback[0].Category)
	assert.True(t, rules.Cashback[0].Active)
	assert.False(t, rules.Cashback[1].Active)

	require.Len(t, rules.Tiers, 3)
	assert.Equal(t, generic.Cents(50000), rules.Tiers[1].MinTotalSpend)
	assert.Equal(t, generic.Cents(200000), rules.Tiers[2].MinTotalSpend)

	at := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(350), rules.ResolveRate(generic.CategoryPurchase, generic.TierGold, at))
}

func TestParseJSON(t *testing.T) {
	doc := `{
		"cashback_rules": [{"category": "OTHER", "rate_bps": 25}],
		"tier_rules": [{"tier": "SILVER", "min_total_spend": "0"}, {"tier": "GOLD", "min_total_spend": 100.5, "bonus_bps": 10}],
		"offers": []
	}`
	rules, err := factory.NewRuleFactory().ParseJSON("acme", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(10050), rules.Tiers[1].MinTotalSpend)
	assert.Equal(t, int64(35), rules.ResolveRate(generic.CategoryOther, generic.TierGold, time.Now()))
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown category", `{"cashback_rules": [{"category": "FOOD", "rate_bps": 1}]}`, "unknown category"},
		{"negative rate", `{"cashback_rules": [{"category": "OTHER", "rate_bps": -1}]}`, "rate_bps must be >= 0"},
		{"duplicate category", `{"cashback_rules": [{"category": "OTHER", "rate_bps": 1}, {"category": "OTHER", "rate_bps": 2}]}`, "duplicate active rule"},
		{"unknown tier", `{"tier_rules": [{"tier": "BRONZE", "min_total_spend": 0}]}`, "unknown tier"},
		{"sub-cent spend", `{"tier_rules": [{"tier": "GOLD", "min_total_spend": "1.001"}]}`, "more than 2 decimals"},
		{"tier order", `{"tier_rules": [{"tier": "GOLD", "min_total_spend": 100}, {"tier": "PLATINUM", "min_total_spend": 50}]}`, "must exceed"},
		{"empty window", `{"offers": [{"id": "x", "bonus_bps": 5, "start_at": "2025-01-02T00:00:00Z", "end_at": "2025-01-01T00:00:00Z"}]}`, "start_at must be before end_at"},
		{"missing offer id", `{"offers": [{"bonus_bps": 5, "start_at": "2025-01-01T00:00:00Z", "end_at": "2025-01-02T00:00:00Z"}]}`, "id is required"},
		{"malformed", `{"cashback_rules": 7}`, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.NewRuleFactory().ParseJSON("acme", []byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_InactiveTiersIgnoredForOrder(t *testing.T) {
	rs := rewards.RuleSet{Tiers: []rewards.TierRule{
		{Tier: generic.TierGold, MinTotalSpend: 100, Active: true},
		{Tier: generic.TierPlatinum, MinTotalSpend: 50, Active: false},
	}}
	assert.NoError(t, factory.Validate(rs))
}

func TestToDoc_RoundTrip(t *testing.T) {
	f := factory.NewRuleFactory()
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	original := rewards.StandardRuleSet("acme").WithOffer(rewards.LaunchWeekOffer("launch", start))

	back, err := f.FromDoc("acme", f.ToDoc(original))
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlRules), 0o644))

	rules, err := factory.NewRuleFactory().LoadFile("acme", path)
	require.NoError(t, err)
	assert.Len(t, rules.Offers, 1)

	_, err = factory.NewRuleFactory().LoadFile("acme", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
