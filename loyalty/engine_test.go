package loyalty_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/generic/store"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/notify"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var june1 = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioRules() rewards.RuleSet {
	return rewards.StandardRuleSet("acme").WithOffer(rewards.Offer{
		ID: "summer", BonusBps: 50, StartAt: june1.AddDate(0, 0, -1), EndAt: june1.AddDate(0, 0, 1), Active: true,
	})
}

type harness struct {
	engine *loyalty.Engine
	store  *store.Memory
	card   generic.CardID
	cust   generic.CustomerID
}

// newHarness returns an engine with one ACTIVE card linked to a customer.
func newHarness(t *testing.T, opts ...loyalty.Option) *harness {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.ReplaceRuleSet(ctx, scenarioRules()))

	opts = append([]loyalty.Option{
		loyalty.WithLogger(quietLogger()),
		loyalty.WithClock(func() time.Time { return june1 }),
	}, opts...)
	e := loyalty.NewEngine(mem, opts...)

	cust, err := e.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "acme", Name: "Ada"})
	require.NoError(t, err)
	cards, err := e.IssueCards(ctx, loyalty.IssueRequest{TenantID: "acme", StoreID: "s1", Count: 1})
	require.NoError(t, err)
	_, err = e.AssignCard(ctx, "acme", cards[0].ID, cust.ID)
	require.NoError(t, err)

	return &harness{engine: e, store: mem, card: cards[0].ID, cust: cust.ID}
}

func (h *harness) topUp(t *testing.T, amount generic.Cents) {
	t.Helper()
	_, err := h.engine.Adjust(context.Background(), loyalty.AdjustRequest{TenantID: "acme", CardID: h.card, Amount: amount, Note: "seed"})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) generic.Cents {
	t.Helper()
	card, err := h.engine.Card(context.Background(), "acme", h.card)
	require.NoError(t, err)
	return card.Balance
}

// =============================================================================
// EARN
// =============================================================================

func TestEarn_GoldCustomerScenario(t *testing.T) {
	// GIVEN: PURCHASE 200 bps, GOLD +100 bps, offer +50 bps; customer is GOLD
	// WHEN: A 20.00 purchase
	// THEN: 350 bps, 70 cents credited, entry records the purchase amount

	ctx := context.Background()
	h := newHarness(t)
	ok, err := h.store.CompareAndSetTier(ctx, "acme", h.cust, generic.TierSilver, generic.TierGold)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 2000})
	require.NoError(t, err)

	assert.Equal(t, int64(350), res.Rate.RateBps)
	assert.Equal(t, generic.Cents(70), res.Transaction.Cashback)
	assert.Equal(t, generic.Cents(2000), res.Transaction.Amount)
	assert.Equal(t, generic.CategoryPurchase, res.Transaction.Category)
	assert.Equal(t, generic.Cents(70), res.Balance)
	assert.Equal(t, generic.Cents(70), h.balance(t))
}

func TestEarn_UpgradesTierAfterThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 49999})
	require.NoError(t, err)
	assert.Equal(t, generic.TierSilver, res.Tier)
	assert.False(t, res.TierChanged)

	res, err = h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 1})
	require.NoError(t, err)
	assert.Equal(t, generic.TierGold, res.Tier)
	assert.True(t, res.TierChanged)
	assert.Equal(t, int64(250), res.Rate.RateBps, "rate uses the tier held before the purchase")

	c, err := h.engine.Customer(ctx, "acme", h.cust)
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(50000), c.TotalSpend)
	assert.Equal(t, generic.TierGold, c.Tier)
}

func TestEarn_TierNeverRegressesWhenThresholdsRise(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 60000})
	require.NoError(t, err)

	rules := scenarioRules()
	rules.Tiers[1].MinTotalSpend = 100000
	rules.Tiers[2].MinTotalSpend = 500000
	require.NoError(t, h.engine.ReplaceRules(ctx, rules))

	res, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 100})
	require.NoError(t, err)
	assert.Equal(t, generic.TierGold, res.Tier)
}

func TestEarn_ZeroRateStillRecordsEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loyalty.WithClock(func() time.Time { return june1.AddDate(0, 2, 0) }))

	res, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, Category: generic.CategoryOther, PurchaseAmount: 1500})
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(0), res.Transaction.Cashback)

	history, err := h.engine.History(ctx, "acme", h.card)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEarn_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 0})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, Category: "FOOD", PurchaseAmount: 100})
	assert.ErrorIs(t, err, generic.ErrInvalidCategory)

	_, err = h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "other", CardID: h.card, PurchaseAmount: 100})
	assert.ErrorIs(t, err, generic.ErrCardNotFound)
}

// =============================================================================
// REDEEM & ADJUST
// =============================================================================

func TestRedeem_InsufficientBalanceScenario(t *testing.T) {
	// GIVEN: Card balance 500
	// WHEN: REDEEM 600
	// THEN: InsufficientBalance, balance stays 500, no entry written

	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 500)

	_, err := h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 600})

	var ibe *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, generic.Cents(500), ibe.Available)
	assert.Equal(t, generic.Cents(500), h.balance(t))

	history, _ := h.engine.History(ctx, "acme", h.card)
	assert.Len(t, history, 1)
}

func TestRedeem_RequiresCustomerAndActiveCard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 500)

	_, err := h.engine.BlockCard(ctx, "acme", h.card)
	require.NoError(t, err)
	_, err = h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 100})
	assert.ErrorIs(t, err, generic.ErrCardNotActive)
	_, err = h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 100})
	assert.ErrorIs(t, err, generic.ErrCardNotActive)

	_, err = h.engine.UnblockCard(ctx, "acme", h.card)
	require.NoError(t, err)
	_, err = h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 100})
	assert.NoError(t, err)
}

func TestRedeem_ExpectedBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 500)

	stale := generic.Cents(400)
	_, err := h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 100, ExpectedBalance: &stale})
	assert.ErrorIs(t, err, generic.ErrStaleBalance)

	fresh := generic.Cents(500)
	res, err := h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 100, ExpectedBalance: &fresh})
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(400), res.Balance)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 300)

	res, err := h.engine.Adjust(ctx, loyalty.AdjustRequest{TenantID: "acme", CardID: h.card, Amount: -100, Note: "correction"})
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(200), res.Balance)
	assert.Equal(t, generic.CategoryOther, res.Transaction.Category)

	_, err = h.engine.Adjust(ctx, loyalty.AdjustRequest{TenantID: "acme", CardID: h.card, Amount: -201})
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	_, err = h.engine.Adjust(ctx, loyalty.AdjustRequest{TenantID: "acme", CardID: h.card, Amount: 0})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

// =============================================================================
// LEDGER PROPERTIES
// =============================================================================

func TestLedger_ReplayMatchesBalanceForRandomSequences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		h := newHarness(t)
		var sumDelta generic.Cents
		for i := 0; i < 40; i++ {
			amount := generic.Cents(rng.Intn(5000) + 1)
			var res loyalty.Result
			var err error
			switch rng.Intn(3) {
			case 0:
				res, err = h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: amount})
			case 1:
				res, err = h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: amount})
			case 2:
				if rng.Intn(2) == 0 {
					amount = -amount
				}
				res, err = h.engine.Adjust(ctx, loyalty.AdjustRequest{TenantID: "acme", CardID: h.card, Amount: amount})
			}
			if err != nil {
				require.ErrorIs(t, err, generic.ErrInsufficientBalance)
				continue
			}
			sumDelta += res.Transaction.Delta()
			require.GreaterOrEqual(t, int64(res.Balance), int64(0))
		}

		report, err := h.engine.VerifyCard(ctx, "acme", h.card)
		require.NoError(t, err)
		assert.True(t, report.OK, report.Problem)
		assert.Equal(t, sumDelta, report.CardBalance)
	}
}

func TestLedger_ConcurrentRedeemsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.topUp(t, 1000)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 100}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, generic.Cents(0), h.balance(t))
}

// =============================================================================
// RETRIES & NOTIFICATIONS
// =============================================================================

// flakyStore loses the serialization race a fixed number of times.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Mutate(ctx context.Context, m generic.Mutation) (generic.MutationResult, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
	}
	return f.Memory.Mutate(ctx, m)
}

func flakyEngine(t *testing.T, failures int32) (*loyalty.Engine, *flakyStore, generic.CardID) {
	t.Helper()
	h := newHarness(t)
	fs := &flakyStore{Memory: h.store}
	fs.failures.Store(failures)
	e := loyalty.NewEngine(fs,
		loyalty.WithLogger(quietLogger()),
		loyalty.WithRetryPolicy(generic.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))
	return e, fs, h.card
}

func TestMutate_RetriesLostRaces(t *testing.T) {
	e, fs, card := flakyEngine(t, 2)

	_, err := e.Adjust(context.Background(), loyalty.AdjustRequest{TenantID: "acme", CardID: card, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestMutate_RetriesAreBounded(t *testing.T) {
	e, fs, card := flakyEngine(t, 10)

	_, err := e.Adjust(context.Background(), loyalty.AdjustRequest{TenantID: "acme", CardID: card, Amount: 100})
	assert.ErrorIs(t, err, generic.ErrConcurrentMutationConflict)
	assert.True(t, generic.IsRetryable(err))
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestNotify_FailureDoesNotAffectBalance(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	failing := notify.Func(func(context.Context, generic.CustomerID, generic.Transaction) error {
		calls.Add(1)
		return errors.New("smtp down")
	})
	h := newHarness(t, loyalty.WithNotifier(failing))

	res, err := h.engine.Earn(ctx, loyalty.EarnRequest{TenantID: "acme", CardID: h.card, PurchaseAmount: 1000})
	require.NoError(t, err)
	assert.Equal(t, res.Balance, h.balance(t))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotify_ReceivesCommittedEntry(t *testing.T) {
	ctx := context.Background()
	var got []generic.Transaction
	recorder := notify.Func(func(_ context.Context, customerID generic.CustomerID, tx generic.Transaction) error {
		assert.Equal(t, tx.CustomerID, customerID)
		got = append(got, tx)
		return nil
	})
	h := newHarness(t, loyalty.WithNotifier(recorder))

	h.topUp(t, 500)
	_, err := h.engine.Redeem(ctx, loyalty.RedeemRequest{TenantID: "acme", CardID: h.card, Amount: 1000})
	require.Error(t, err)

	require.Len(t, got, 1, "rejected mutations are not notified")
	assert.Equal(t, generic.TxAdjust, got[0].Type)
}
