package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/rewards"
)

func TestIssueCards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cards, err := h.engine.IssueCards(ctx, loyalty.IssueRequest{TenantID: "acme", StoreID: "s2", Count: 3})
	require.NoError(t, err)
	require.Len(t, cards, 3)
	seen := map[generic.CardID]bool{}
	for _, c := range cards {
		assert.Equal(t, generic.CardUnassigned, c.Status)
		assert.Equal(t, generic.Cents(0), c.Balance)
		assert.Equal(t, generic.StoreID("s2"), c.StoreID)
		assert.False(t, seen[c.ID], "card ids are unique")
		seen[c.ID] = true
	}

	all, err := h.engine.Cards(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	for _, n := range []int{0, -1, loyalty.MaxIssueBatch + 1} {
		_, err := h.engine.IssueCards(ctx, loyalty.IssueRequest{TenantID: "acme", Count: n})
		assert.ErrorIs(t, err, generic.ErrInvalidRequest, "count %d", n)
	}
}

func TestCardLifecycle(t *testing.T) {
	// GIVEN: A freshly issued card
	// WHEN: Walking it through assign, block and unblock
	// THEN: Only UNASSIGNED->ACTIVE->BLOCKED->ACTIVE is allowed

	ctx := context.Background()
	h := newHarness(t)
	cards, err := h.engine.IssueCards(ctx, loyalty.IssueRequest{TenantID: "acme", Count: 1})
	require.NoError(t, err)
	id := cards[0].ID

	_, err = h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: id, Amount: 1})
	assert.ErrorIs(t, err, generic.ErrCardNotActive, "unassigned cards cannot transact")

	_, err = h.engine.BlockCard(ctx, "acme", id)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = h.engine.AssignCard(ctx, "acme", id, "ghost")
	assert.ErrorIs(t, err, generic.ErrCustomerNotFound)

	card, err := h.engine.AssignCard(ctx, "acme", id, h.cust)
	require.NoError(t, err)
	assert.Equal(t, generic.CardActive, card.Status)
	assert.Equal(t, h.cust, card.CustomerID)

	_, err = h.engine.AssignCard(ctx, "acme", id, h.cust)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	card, err = h.engine.BlockCard(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, generic.CardBlocked, card.Status)

	card, err = h.engine.UnblockCard(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, generic.CardActive, card.Status)

	_, err = h.engine.UnblockCard(ctx, "acme", id)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestRegisterCustomer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	c, err := h.engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "acme", ID: "c-42", Name: " Grace "})
	require.NoError(t, err)
	assert.Equal(t, "Grace", c.Name)
	assert.Equal(t, generic.TierSilver, c.Tier)

	_, err = h.engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "acme", ID: "c-42", Name: "Again"})
	assert.ErrorIs(t, err, generic.ErrCustomerExists)

	_, err = h.engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "acme"})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)

	_, err = h.engine.Customer(ctx, "other", "c-42")
	assert.ErrorIs(t, err, generic.ErrCustomerNotFound)
}

func TestRegisterCustomer_DefaultsToLowestConfiguredTier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rules := rewards.RuleSet{TenantID: "gold-only", Tiers: []rewards.TierRule{
		{Tier: generic.TierGold, MinTotalSpend: 0, BonusBps: 10, Active: true},
	}}
	require.NoError(t, h.engine.ReplaceRules(ctx, rules))

	c, err := h.engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "gold-only", Name: "Lin"})
	require.NoError(t, err)
	assert.Equal(t, generic.TierGold, c.Tier)
}

func TestReplaceRules_Validates(t *testing.T) {
	h := newHarness(t)
	bad := rewards.RuleSet{TenantID: "acme", Cashback: []rewards.CashbackRule{
		{Category: generic.CategoryOther, RateBps: -5, Active: true},
	}}
	assert.ErrorIs(t, h.engine.ReplaceRules(context.Background(), bad), generic.ErrInvalidRequest)

	rules, err := h.engine.Rules(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, rules.Cashback, "previous rules survive a rejected replace")
}

func TestVerifyCard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 1000)
	_, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 2000})
	require.NoError(t, err)

	report, err := h.engine.VerifyCard(ctx, "acme", h.card)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)

	_, err = h.engine.VerifyCard(ctx, "acme", "missing")
	assert.ErrorIs(t, err, generic.ErrCardNotFound)
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q, err := h.engine.Quote(ctx, loyalty.QuoteRequest{TenantID: "acme", Tier: generic.TierGold, Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, int64(350), q.Rate.RateBps)
	assert.Equal(t, generic.Cents(70), q.Cashback)
	assert.Equal(t, []string{"summer"}, q.Rate.OfferIDs)

	q, err = h.engine.Quote(ctx, loyalty.QuoteRequest{TenantID: "acme", CardID: h.card, Category: generic.CategoryRepair, Amount: 1000, At: june1.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.Rate.RateBps, "SILVER card, REPAIR, offer expired")
	assert.Equal(t, generic.Cents(10), q.Cashback)

	_, err = h.engine.Quote(ctx, loyalty.QuoteRequest{TenantID: "acme", Tier: "BRONZE", Amount: 10})
	assert.ErrorIs(t, err, generic.ErrInvalidTier)

	history, _ := h.engine.History(ctx, "acme", h.card)
	assert.Empty(t, history, "quotes never mutate")
}
