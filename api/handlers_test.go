package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/api"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/generic/store"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/payments"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const webhookSecret = "whsec_api"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGateway struct {
	mu   sync.Mutex
	next int
}

func (g *stubGateway) CreateIntent(context.Context, generic.Cents, map[string]string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("pi_api_%d", g.next)
	return payments.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *stubGateway) IntentStatus(context.Context, string) (payments.IntentStatus, error) {
	return payments.IntentPending, nil
}

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.ReplaceRuleSet(context.Background(), rewards.StandardRuleSet("acme")))

	engine := loyalty.NewEngine(mem, loyalty.WithLogger(quietLogger()))
	bridge := payments.NewBridge(mem, engine, &stubGateway{}, payments.WithBridgeLogger(quietLogger()))
	checkout := payments.NewCoordinator(engine, bridge, quietLogger())
	hooks := payments.NewWebhooks(bridge, webhookSecret,
		payments.WithEventCache(payments.NewMemoryEventCache(time.Hour)),
		payments.WithWebhookLogger(quietLogger()))

	h := api.NewHandler(engine, bridge, checkout, hooks, quietLogger())
	return api.NewRouter(h, nil)
}

func call(t *testing.T, router http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

// activeCard registers a customer, issues one card and assigns it.
func activeCard(t *testing.T, router http.Handler) string {
	t.Helper()
	var cust api.CustomerDTO
	rec := call(t, router, http.MethodPost, "/api/tenants/acme/customers", `{"name":"Ada"}`, &cust)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "SILVER", cust.Tier)

	var cards []api.CardDTO
	rec = call(t, router, http.MethodPost, "/api/tenants/acme/cards", `{"count":1,"store_id":"store-1"}`, &cards)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, cards, 1)
	assert.Equal(t, "UNASSIGNED", cards[0].Status)

	var card api.CardDTO
	rec = call(t, router, http.MethodPost, "/api/tenants/acme/cards/"+cards[0].ID+"/assign",
		fmt.Sprintf(`{"customer_id":%q}`, cust.ID), &card)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", card.Status)
	return card.ID
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

func TestAPI_EarnRedeemAndHistory(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)
	base := "/api/tenants/acme/cards/" + card

	var earned api.ResultDTO
	rec := call(t, router, http.MethodPost, base+"/earn", `{"amount":"50.00","category":"PURCHASE"}`, &earned)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), earned.Balance.Cents)
	assert.Equal(t, "1.00", earned.Balance.Display)
	require.NotNil(t, earned.Rate)
	assert.Equal(t, int64(200), earned.Rate.RateBps)
	assert.Equal(t, "EARN", earned.Transaction.Type)

	var errResp api.ErrorResponse
	rec = call(t, router, http.MethodPost, base+"/redeem", `{"amount":5}`, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_balance", errResp.Code)

	var redeemed api.ResultDTO
	rec = call(t, router, http.MethodPost, base+"/redeem", `{"amount":"0.40"}`, &redeemed)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(60), redeemed.Balance.Cents)

	rec = call(t, router, http.MethodPost, base+"/redeem", `{"amount":"0.10","expected_balance":"0.99"}`, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var txs []api.TransactionDTO
	rec = call(t, router, http.MethodGet, base+"/transactions", "", &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(100), txs[0].Delta.Cents)
	assert.Equal(t, int64(-40), txs[1].Delta.Cents)

	var report api.VerificationDTO
	rec = call(t, router, http.MethodGet, base+"/verify", "", &report)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)
}

func TestAPI_RejectsBadInput(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)
	base := "/api/tenants/acme/cards/" + card

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"sub-cent amount", base + "/earn", `{"amount":"1.005"}`, http.StatusBadRequest},
		{"zero amount", base + "/earn", `{"amount":0}`, http.StatusBadRequest},
		{"unknown category", base + "/earn", `{"amount":1,"category":"FUEL"}`, http.StatusBadRequest},
		{"malformed json", base + "/earn", `{"amount":`, http.StatusBadRequest},
		{"empty body", base + "/redeem", ``, http.StatusBadRequest},
		{"amount beyond int64 cents", base + "/earn", `{"amount":"184467440737095517.16"}`, http.StatusBadRequest},
		{"redeem beyond int64 cents", base + "/redeem", `{"amount":"100000000000000000"}`, http.StatusBadRequest},
		{"zero adjustment", base + "/adjust", `{"amount":0}`, http.StatusBadRequest},
		{"unknown card", "/api/tenants/acme/cards/nope/earn", `{"amount":1}`, http.StatusNotFound},
		{"other tenant", "/api/tenants/globex/cards/" + card + "/earn", `{"amount":1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, router, http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_BlockedCardConflicts(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)
	base := "/api/tenants/acme/cards/" + card

	rec := call(t, router, http.MethodPost, base+"/block", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var errResp api.ErrorResponse
	rec = call(t, router, http.MethodPost, base+"/earn", `{"amount":10}`, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "card_not_active", errResp.Code)

	rec = call(t, router, http.MethodPost, base+"/block", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "already blocked")

	rec = call(t, router, http.MethodPost, base+"/unblock", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_AdjustAllowsNegative(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)
	base := "/api/tenants/acme/cards/" + card

	var res api.ResultDTO
	rec := call(t, router, http.MethodPost, base+"/adjust", `{"amount":"12.50","note":"goodwill"}`, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1250), res.Balance.Cents)

	rec = call(t, router, http.MethodPost, base+"/adjust", `{"amount":"-2.50","note":"correction"}`, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1000), res.Balance.Cents)
	assert.Equal(t, "ADJUST", res.Transaction.Type)
}

// =============================================================================
// RULES & QUOTES
// =============================================================================

func TestAPI_Rules(t *testing.T) {
	router := setupRouter(t)

	var errResp struct {
		Error   string   `json:"error"`
		Code    string   `json:"code"`
		Details []string `json:"details"`
	}
	rec := call(t, router, http.MethodPut, "/api/tenants/acme/rules", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty body")

	rec = call(t, router, http.MethodGet, "/api/tenants/acme/rules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, router, http.MethodPut, "/api/tenants/acme/rules",
		`{"cashback_rules":[{"category":"PURCHASE","rate_bps":-1}],"tier_rules":[{"tier":"SILVER","min_total_spend":0}]}`, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, errResp.Details)

	rec = call(t, router, http.MethodPut, "/api/tenants/acme/rules",
		`{"cashback_rules":[{"category":"PURCHASE","rate_bps":500}],"tier_rules":[{"tier":"SILVER","min_total_spend":0}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var q api.QuoteDTO
	rec = call(t, router, http.MethodPost, "/api/tenants/acme/quote", `{"amount":"20.00"}`, &q)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(500), q.Rate.RateBps)
	assert.Equal(t, int64(100), q.Cashback.Cents)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestAPI_TopUpViaWebhook(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)

	var p api.PaymentDTO
	rec := call(t, router, http.MethodPost, "/api/tenants/acme/payments",
		fmt.Sprintf(`{"card_id":%q,"amount":"10.00","purpose":"TOP_UP"}`, card), &p)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", p.Status)
	assert.NotEmpty(t, p.ClientSecret)

	body := fmt.Sprintf(`{"id":"evt_api","type":%q,"data":{"object":{"id":%q}}}`, payments.EventIntentSucceeded, p.ExternalReference)
	deliver := func() (int, map[string]string) {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(body))
		req.Header.Set("Stripe-Signature", payments.Sign([]byte(body), webhookSecret, time.Now()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var out map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code, out
	}

	code, out := deliver()
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", out["status"])

	code, out = deliver()
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", out["status"])

	var got api.CardDTO
	call(t, router, http.MethodGet, "/api/tenants/acme/cards/"+card, "", &got)
	assert.Equal(t, int64(1000), got.Balance.Cents)

	var after api.PaymentDTO
	call(t, router, http.MethodGet, "/api/tenants/acme/payments/"+p.ID, "", &after)
	assert.Equal(t, "COMPLETED", after.Status)
	assert.NotEmpty(t, after.TransactionID)
}

func TestAPI_WebhookRejectsBadSignature(t *testing.T) {
	router := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(`{"id":"evt"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=00")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CheckoutSplitsPayment(t *testing.T) {
	router := setupRouter(t)
	card := activeCard(t, router)
	base := "/api/tenants/acme/cards/" + card

	rec := call(t, router, http.MethodPost, base+"/adjust", `{"amount":"3.00"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res api.CheckoutDTO
	rec = call(t, router, http.MethodPost, base+"/checkout", `{"total":"10.00","use_balance":"3.00"}`, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(300), res.BalancePortion.Cents)
	assert.Equal(t, int64(700), res.ExternalPortion.Cents)
	require.NotNil(t, res.Redeem)
	assert.Equal(t, int64(0), res.Redeem.Balance.Cents)
	require.NotNil(t, res.Payment)
	assert.Equal(t, "PURCHASE", res.Payment.Purpose)
}

func TestAPI_Healthz(t *testing.T) {
	router := setupRouter(t)
	rec := call(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
