package payments_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/generic/store"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/payments"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var start = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGateway records intents and reports configurable statuses.
type fakeGateway struct {
	mu       sync.Mutex
	next     int
	statuses map[string]payments.IntentStatus
	created  []generic.Cents
	err      error
	onCreate func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]payments.IntentStatus{}}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount generic.Cents, _ map[string]string) (payments.Intent, error) {
	if g.onCreate != nil {
		g.onCreate()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payments.Intent{}, g.err
	}
	g.next++
	id := "pi_" + string(rune('a'+g.next))
	g.statuses[id] = payments.IntentPending
	g.created = append(g.created, amount)
	return payments.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *fakeGateway) IntentStatus(_ context.Context, id string) (payments.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.statuses[id]
	if !ok {
		return "", errors.New("no such intent")
	}
	return s, nil
}

func (g *fakeGateway) set(id string, s payments.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = s
}

type harness struct {
	clock   *clock
	store   *store.Memory
	engine  *loyalty.Engine
	bridge  *payments.Bridge
	gateway *fakeGateway
	card    generic.CardID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: start}
	mem := store.NewMemory()
	mem.SetClock(clk.Now)
	require.NoError(t, mem.ReplaceRuleSet(ctx, rewards.StandardRuleSet("acme")))

	engine := loyalty.NewEngine(mem, loyalty.WithLogger(quietLogger()), loyalty.WithClock(clk.Now))
	cust, err := engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{TenantID: "acme", Name: "Ada"})
	require.NoError(t, err)
	cards, err := engine.IssueCards(ctx, loyalty.IssueRequest{TenantID: "acme", Count: 1})
	require.NoError(t, err)
	_, err = engine.AssignCard(ctx, "acme", cards[0].ID, cust.ID)
	require.NoError(t, err)

	gw := newFakeGateway()
	bridge := payments.NewBridge(mem, engine, gw,
		payments.WithBridgeLogger(quietLogger()),
		payments.WithBridgeClock(clk.Now),
		payments.WithTTL(15*time.Minute))

	return &harness{clock: clk, store: mem, engine: engine, bridge: bridge, gateway: gw, card: cards[0].ID}
}

func (h *harness) pending(t *testing.T, ref string, purpose generic.PaymentPurpose, amount generic.Cents) generic.PendingPayment {
	t.Helper()
	p, err := h.bridge.CreatePending(context.Background(), payments.PendingRequest{
		TenantID:          "acme",
		CardID:            h.card,
		Amount:            amount,
		Purpose:           purpose,
		ExternalReference: ref,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) balance(t *testing.T) generic.Cents {
	t.Helper()
	card, err := h.engine.Card(context.Background(), "acme", h.card)
	require.NoError(t, err)
	return card.Balance
}

func (h *harness) entries(t *testing.T) []generic.Transaction {
	t.Helper()
	txs, err := h.engine.History(context.Background(), "acme", h.card)
	require.NoError(t, err)
	return txs
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreatePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p := h.pending(t, "pi_1", generic.PurposeTopUp, 1000)
	assert.Equal(t, generic.PendingOpen, p.Status)
	assert.Equal(t, start.Add(15*time.Minute), p.ExpiresAt)
	assert.Equal(t, generic.CategoryOther, p.Category)
	assert.NotEmpty(t, p.CustomerID)

	_, err := h.bridge.CreatePending(ctx, payments.PendingRequest{
		TenantID: "acme", CardID: h.card, Amount: 5, Purpose: generic.PurposeTopUp, ExternalReference: "pi_1",
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateExternalReference)

	tests := []struct {
		name string
		req  payments.PendingRequest
		want error
	}{
		{"zero amount", payments.PendingRequest{TenantID: "acme", Amount: 0, Purpose: generic.PurposeTopUp, ExternalReference: "x"}, generic.ErrInvalidAmount},
		{"no reference", payments.PendingRequest{TenantID: "acme", Amount: 10, Purpose: generic.PurposeTopUp}, generic.ErrInvalidRequest},
		{"bad purpose", payments.PendingRequest{TenantID: "acme", Amount: 10, Purpose: "GIFT", ExternalReference: "x"}, generic.ErrInvalidRequest},
		{"past expiry", payments.PendingRequest{TenantID: "acme", Amount: 10, Purpose: generic.PurposeTopUp, ExternalReference: "x", ExpiresAt: start.Add(-time.Second)}, generic.ErrInvalidRequest},
		{"unknown card", payments.PendingRequest{TenantID: "acme", CardID: "nope", Amount: 10, Purpose: generic.PurposeTopUp, ExternalReference: "x"}, generic.ErrCardNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.bridge.CreatePending(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreatePending_DefaultClockIsUTC(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	engine := loyalty.NewEngine(mem, loyalty.WithLogger(quietLogger()))
	bridge := payments.NewBridge(mem, engine, nil, payments.WithBridgeLogger(quietLogger()))

	p, err := bridge.CreatePending(ctx, payments.PendingRequest{
		TenantID: "acme", Amount: 10, Purpose: generic.PurposeTopUp, ExternalReference: "pi_utc",
	})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, p.CreatedAt.Location())
	assert.Equal(t, time.UTC, p.ExpiresAt.Location())
}

func TestCreatePending_RejectsBlockedCard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.BlockCard(ctx, "acme", h.card)
	require.NoError(t, err)

	_, err = h.bridge.CreatePending(ctx, payments.PendingRequest{
		TenantID: "acme", CardID: h.card, Amount: 10, Purpose: generic.PurposeTopUp, ExternalReference: "pi_b",
	})
	assert.ErrorIs(t, err, generic.ErrCardNotActive)
}

// =============================================================================
// RESOLVE
// =============================================================================

func TestResolve_DuplicateWebhookCreditsOnce(t *testing.T) {
	// GIVEN: A 1000-cent top-up awaiting confirmation
	// WHEN: The provider delivers SUCCEEDED twice
	// THEN: The balance rises by exactly 1000 and both calls return the same entry

	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_dup", generic.PurposeTopUp, 1000)

	first, err := h.bridge.Resolve(ctx, "pi_dup", payments.OutcomeSucceeded)
	require.NoError(t, err)
	require.NotNil(t, first.Transaction)
	assert.False(t, first.Duplicate)
	assert.Equal(t, generic.PendingCompleted, first.Pending.Status)
	assert.Equal(t, first.Transaction.ID, first.Pending.TransactionID)
	assert.Equal(t, generic.TxAdjust, first.Transaction.Type)

	second, err := h.bridge.Resolve(ctx, "pi_dup", payments.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Transaction)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	assert.Equal(t, generic.Cents(1000), h.balance(t))
	assert.Len(t, h.entries(t), 1)
}

func TestResolve_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_race", generic.PurposeTopUp, 1000)

	var wg sync.WaitGroup
	results := make([]payments.Resolution, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.bridge.Resolve(ctx, "pi_race", payments.OutcomeSucceeded)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Transaction)
		if !results[i].Duplicate {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, generic.Cents(1000), h.balance(t))
	assert.Len(t, h.entries(t), 1)
}

func TestResolve_AfterExpiryNeverCredits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_late", generic.PurposeTopUp, 1000)
	h.clock.Advance(15 * time.Minute)

	res, err := h.bridge.Resolve(ctx, "pi_late", payments.OutcomeSucceeded)
	assert.ErrorIs(t, err, generic.ErrPaymentExpired)
	assert.Equal(t, generic.PendingExpired, res.Pending.Status)
	assert.Nil(t, res.Transaction)

	_, err = h.bridge.Resolve(ctx, "pi_late", payments.OutcomeSucceeded)
	assert.ErrorIs(t, err, generic.ErrPaymentExpired)

	assert.Equal(t, generic.Cents(0), h.balance(t))
	assert.Empty(t, h.entries(t))
}

func TestResolve_FailedThenLateSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_retry", generic.PurposeTopUp, 400)

	res, err := h.bridge.Resolve(ctx, "pi_retry", payments.OutcomeFailed)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingFailed, res.Pending.Status)
	assert.Nil(t, res.Transaction)

	res, err = h.bridge.Resolve(ctx, "pi_retry", payments.OutcomeFailed)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	res, err = h.bridge.Resolve(ctx, "pi_retry", payments.OutcomeSucceeded)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingCompleted, res.Pending.Status)
	assert.Equal(t, generic.Cents(400), h.balance(t))

	// A failure arriving after completion changes nothing.
	res, err = h.bridge.Resolve(ctx, "pi_retry", payments.OutcomeFailed)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, generic.PendingCompleted, res.Pending.Status)
	assert.Equal(t, generic.Cents(400), h.balance(t))
}

func TestResolve_PurchaseEarnsCashback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_buy", generic.PurposePurchase, 5000)

	res, err := h.bridge.Resolve(ctx, "pi_buy", payments.OutcomeSucceeded)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, generic.TxEarn, res.Transaction.Type)
	assert.Equal(t, generic.Cents(5000), res.Transaction.Amount)
	assert.Equal(t, generic.Cents(100), res.Transaction.Cashback, "PURCHASE 200 bps for SILVER")
	assert.Equal(t, generic.Cents(100), h.balance(t))

	card, err := h.engine.Card(ctx, "acme", h.card)
	require.NoError(t, err)
	cust, err := h.engine.Customer(ctx, "acme", card.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, generic.Cents(5000), cust.TotalSpend)
}

func TestResolve_CardlessPaymentCompletesWithoutEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.bridge.CreatePending(ctx, payments.PendingRequest{
		TenantID: "acme", Amount: 900, Purpose: generic.PurposePurchase, ExternalReference: "pi_cash",
	})
	require.NoError(t, err)

	res, err := h.bridge.Resolve(ctx, "pi_cash", payments.OutcomeSucceeded)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingCompleted, res.Pending.Status)
	assert.Nil(t, res.Transaction)

	res, err = h.bridge.Resolve(ctx, "pi_cash", payments.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestResolve_Errors(t *testing.T) {
	h := newHarness(t)
	_, err := h.bridge.Resolve(context.Background(), "missing", payments.OutcomeSucceeded)
	assert.ErrorIs(t, err, generic.ErrPendingPaymentNotFound)

	_, err = h.bridge.Resolve(context.Background(), "missing", "MAYBE")
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

func TestResolve_BlockedCardLeavesPaymentPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_blocked", generic.PurposeTopUp, 300)
	_, err := h.engine.BlockCard(ctx, "acme", h.card)
	require.NoError(t, err)

	_, err = h.bridge.Resolve(ctx, "pi_blocked", payments.OutcomeSucceeded)
	assert.ErrorIs(t, err, generic.ErrCardNotActive)

	p, err := h.store.GetPendingByReference(ctx, "pi_blocked")
	require.NoError(t, err)
	assert.Equal(t, generic.PendingOpen, p.Status, "retry after unblock can still complete")
}

// =============================================================================
// POLLING & SWEEP
// =============================================================================

func TestInitiateAndConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p, intent, err := h.bridge.Initiate(ctx, payments.InitiateRequest{
		TenantID: "acme", CardID: h.card, Amount: 700, Purpose: generic.PurposeTopUp,
	})
	require.NoError(t, err)
	assert.Equal(t, intent.ID, p.ExternalReference)
	assert.NotEmpty(t, intent.ClientSecret)

	res, err := h.bridge.Confirm(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingOpen, res.Pending.Status, "provider still pending")

	h.gateway.set(intent.ID, payments.IntentSucceeded)
	res, err = h.bridge.Confirm(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingCompleted, res.Pending.Status)
	require.NotNil(t, res.Transaction)

	// Webhook arriving after the poll is a duplicate.
	dup, err := h.bridge.Resolve(ctx, intent.ID, payments.OutcomeSucceeded)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, res.Transaction.ID, dup.Transaction.ID)

	again, err := h.bridge.Confirm(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, generic.Cents(700), h.balance(t))

	_, err = h.bridge.Confirm(ctx, "other", p.ID)
	assert.ErrorIs(t, err, generic.ErrPendingPaymentNotFound)
}

func TestConfirm_ExpiresOverduePayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p, _, err := h.bridge.Initiate(ctx, payments.InitiateRequest{
		TenantID: "acme", CardID: h.card, Amount: 700, Purpose: generic.PurposeTopUp,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	res, err := h.bridge.Confirm(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.PendingExpired, res.Pending.Status)
}

func TestInitiate_GatewayFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gateway.err = errors.New("provider down")

	_, _, err := h.bridge.Initiate(ctx, payments.InitiateRequest{
		TenantID: "acme", CardID: h.card, Amount: 700, Purpose: generic.PurposeTopUp,
	})
	assert.Error(t, err)
	expired, err := h.store.ListExpiredPending(ctx, start.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pending(t, "pi_a", generic.PurposeTopUp, 100)
	h.pending(t, "pi_b", generic.PurposeTopUp, 100)
	h.pending(t, "pi_c", generic.PurposeTopUp, 100)
	_, err := h.bridge.Resolve(ctx, "pi_c", payments.OutcomeSucceeded)
	require.NoError(t, err)

	n, err := h.bridge.ExpireStale(ctx, start.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing overdue yet")

	n, err = h.bridge.ExpireStale(ctx, start.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := h.store.GetPendingByReference(ctx, "pi_a")
	require.NoError(t, err)
	assert.Equal(t, generic.PendingExpired, p.Status)
	p, err = h.store.GetPendingByReference(ctx, "pi_c")
	require.NoError(t, err)
	assert.Equal(t, generic.PendingCompleted, p.Status)
}
