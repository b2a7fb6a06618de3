/*
handlers.go - HTTP API handlers for the cashback engine

PURPOSE:
  Exposes the cashback engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and the payment bridge.

ENDPOINTS (all under /api/tenants/{tenantID}):
  Cards:
    POST   /cards                          Issue a batch of UNASSIGNED cards
    GET    /cards                          List cards
    GET    /cards/{cardID}                 Card with balance
    POST   /cards/{cardID}/assign          Link to a customer (-> ACTIVE)
    POST   /cards/{cardID}/block|unblock   Lifecycle
    GET    /cards/{cardID}/transactions    Ledger, oldest first
    GET    /cards/{cardID}/verify          Ledger replay check

  Balance operations:
    POST   /cards/{cardID}/earn            Cashback on a purchase
    POST   /cards/{cardID}/redeem          Spend balance
    POST   /cards/{cardID}/adjust          Signed admin correction
    POST   /cards/{cardID}/checkout        Split balance + external payment

  Customers, rules, quotes:
    POST   /customers, GET /customers/{customerID}
    GET    /rules, PUT /rules
    POST   /quote

  Payments:
    POST   /payments                       Initiate via the gateway
    GET    /payments/{paymentID}
    POST   /payments/{paymentID}/confirm   Client polling confirmation

  Outside tenants:
    POST   /api/webhooks/payments          Signed provider events
    GET    /healthz

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Card or payment state conflict
  - 422: Insufficient balance
  - 503: Lost a concurrent mutation race after retries
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Tenant isolation is by path only; put an
  authenticating proxy in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/payments"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *loyalty.Engine
	Bridge      *payments.Bridge
	Coordinator *payments.Coordinator
	Webhooks    *payments.Webhooks
	Rules       *factory.RuleFactory
	Logger      *slog.Logger

	// Health reports backing store reachability; nil means always healthy.
	Health func(ctx context.Context) error
}

// NewHandler creates a new handler. webhooks may be nil when no webhook
// secret is configured; the endpoint then answers 503.
func NewHandler(engine *loyalty.Engine, bridge *payments.Bridge, checkout *payments.Coordinator, webhooks *payments.Webhooks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:      engine,
		Bridge:      bridge,
		Coordinator: checkout,
		Webhooks:    webhooks,
		Rules:       factory.NewRuleFactory(),
		Logger:      logger.With("component", "api"),
	}
}

func tenantID(r *http.Request) generic.TenantID {
	return generic.TenantID(chi.URLParam(r, "tenantID"))
}

func cardID(r *http.Request) generic.CardID {
	return generic.CardID(chi.URLParam(r, "cardID"))
}

// =============================================================================
// CARD HANDLERS
// =============================================================================

// IssueCards creates a batch of cards.
// POST /api/tenants/{tenantID}/cards
func (h *Handler) IssueCards(w http.ResponseWriter, r *http.Request) {
	var req IssueCardsRequest
	if !h.decode(w, r, &req) {
		return
	}
	cards, err := h.Engine.IssueCards(r.Context(), loyalty.IssueRequest{
		TenantID: tenantID(r),
		StoreID:  generic.StoreID(req.StoreID),
		Count:    req.Count,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to issue cards", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCardDTOs(cards))
}

// ListCards returns all cards of a tenant.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.Engine.Cards(r.Context(), tenantID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list cards", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTOs(cards))
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Engine.Card(r.Context(), tenantID(r), cardID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// AssignCard links a card to a customer.
// POST /api/tenants/{tenantID}/cards/{cardID}/assign
func (h *Handler) AssignCard(w http.ResponseWriter, r *http.Request) {
	var req AssignCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	card, err := h.Engine.AssignCard(r.Context(), tenantID(r), cardID(r), generic.CustomerID(req.CustomerID))
	if err != nil {
		h.writeDomainError(w, "Failed to assign card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

func (h *Handler) BlockCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Engine.BlockCard(r.Context(), tenantID(r), cardID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to block card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

func (h *Handler) UnblockCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Engine.UnblockCard(r.Context(), tenantID(r), cardID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to unblock card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// GetTransactions returns the card ledger.
// GET /api/tenants/{tenantID}/cards/{cardID}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.Engine.Card(ctx, tenantID(r), cardID(r)); err != nil {
		h.writeDomainError(w, "Failed to get card", err)
		return
	}
	txs, err := h.Engine.History(ctx, tenantID(r), cardID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// VerifyCard replays the ledger. A failed check is still a 200 with ok=false.
func (h *Handler) VerifyCard(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.VerifyCard(r.Context(), tenantID(r), cardID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to verify card", err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(report))
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

// Earn credits cashback for a purchase.
// POST /api/tenants/{tenantID}/cards/{cardID}/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := cents(req.Amount, "amount")
	if err != nil {
		h.writeDomainError(w, "Invalid amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	res, err := h.Engine.Earn(r.Context(), loyalty.EarnRequest{
		TenantID:       tenantID(r),
		CardID:         cardID(r),
		Category:       category,
		PurchaseAmount: amount,
		Description:    req.Description,
		StoreID:        generic.StoreID(req.StoreID),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to earn cashback", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// Redeem spends balance.
// POST /api/tenants/{tenantID}/cards/{cardID}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := cents(req.Amount, "amount")
	if err != nil {
		h.writeDomainError(w, "Invalid amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	var expected *generic.Cents
	if req.ExpectedBalance != nil {
		c, err := cents(*req.ExpectedBalance, "expected_balance")
		if err != nil {
			h.writeDomainError(w, "Invalid expected balance", err)
			return
		}
		expected = &c
	}
	res, err := h.Engine.Redeem(r.Context(), loyalty.RedeemRequest{
		TenantID:        tenantID(r),
		CardID:          cardID(r),
		Category:        category,
		Amount:          amount,
		ExpectedBalance: expected,
		Note:            req.Note,
		StoreID:         generic.StoreID(req.StoreID),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to redeem", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// Adjust applies a signed correction.
// POST /api/tenants/{tenantID}/cards/{cardID}/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := cents(req.Amount, "amount")
	if err != nil {
		h.writeDomainError(w, "Invalid amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	res, err := h.Engine.Adjust(r.Context(), loyalty.AdjustRequest{
		TenantID: tenantID(r),
		CardID:   cardID(r),
		Category: category,
		Amount:   amount,
		Note:     req.Note,
		StoreID:  generic.StoreID(req.StoreID),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// Checkout pays part of a purchase from balance and the rest externally.
// A gateway failure after the redeem still reports the applied redeem.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := cents(req.Total, "total")
	if err != nil {
		h.writeDomainError(w, "Invalid total", err)
		return
	}
	useBalance, err := cents(req.UseBalance, "use_balance")
	if err != nil {
		h.writeDomainError(w, "Invalid balance amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	res, err := h.Coordinator.Checkout(r.Context(), payments.CheckoutRequest{
		TenantID:    tenantID(r),
		CardID:      cardID(r),
		Category:    category,
		Total:       total,
		UseBalance:  useBalance,
		StoreID:     generic.StoreID(req.StoreID),
		Description: req.Description,
	})
	if err != nil {
		if res.Redeem != nil {
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error:   "Balance redeemed but external payment could not be started",
				Code:    "external_payment_failed",
				Details: toCheckoutDTO(res),
			})
			return
		}
		h.writeDomainError(w, "Checkout failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCheckoutDTO(res))
}

// =============================================================================
// CUSTOMERS, RULES, QUOTES
// =============================================================================

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Engine.RegisterCustomer(r.Context(), loyalty.RegisterCustomerRequest{
		TenantID: tenantID(r),
		ID:       generic.CustomerID(req.ID),
		Name:     req.Name,
		Phone:    req.Phone,
		Email:    req.Email,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Customer(r.Context(), tenantID(r), generic.CustomerID(chi.URLParam(r, "customerID")))
	if err != nil {
		h.writeDomainError(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.Rules(r.Context(), tenantID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get rules", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.ToDoc(rules))
}

// PutRules replaces the tenant's rule set.
// PUT /api/tenants/{tenantID}/rules
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid rules", errEmptyBody)
		return
	}
	rules, err := h.Rules.ParseJSON(tenantID(r), body)
	if err != nil {
		h.writeDomainError(w, "Invalid rules", err)
		return
	}
	if err := h.Engine.ReplaceRules(r.Context(), rules); err != nil {
		h.writeDomainError(w, "Failed to replace rules", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.ToDoc(rules))
}

// Quote previews cashback without touching the ledger.
// POST /api/tenants/{tenantID}/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := cents(req.Amount, "amount")
	if err != nil {
		h.writeDomainError(w, "Invalid amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	var tier generic.Tier
	if req.Tier != "" {
		if tier, err = generic.ParseTier(req.Tier); err != nil {
			h.writeDomainError(w, "Invalid tier", err)
			return
		}
	}
	qr := loyalty.QuoteRequest{
		TenantID: tenantID(r),
		CardID:   generic.CardID(req.CardID),
		Tier:     tier,
		Category: category,
		Amount:   amount,
	}
	if req.At != nil {
		qr.At = *req.At
	}
	q, err := h.Engine.Quote(r.Context(), qr)
	if err != nil {
		h.writeDomainError(w, "Failed to quote", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{Rate: *toRateDTO(q.Rate), Amount: money(q.Amount), Cashback: money(q.Cashback)})
}

// =============================================================================
// PAYMENTS
// =============================================================================

// InitiatePayment creates a gateway intent and a pending payment.
// POST /api/tenants/{tenantID}/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := cents(req.Amount, "amount")
	if err != nil {
		h.writeDomainError(w, "Invalid amount", err)
		return
	}
	category, err := optionalCategory(req.Category)
	if err != nil {
		h.writeDomainError(w, "Invalid category", err)
		return
	}
	p, intent, err := h.Bridge.Initiate(r.Context(), payments.InitiateRequest{
		TenantID:    tenantID(r),
		CardID:      generic.CardID(req.CardID),
		Amount:      amount,
		Purpose:     generic.PaymentPurpose(req.Purpose),
		Category:    category,
		Description: req.Description,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to initiate payment", err)
		return
	}
	dto := toPaymentDTO(p)
	dto.ClientSecret = intent.ClientSecret
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Bridge.Payment(r.Context(), tenantID(r), generic.PendingPaymentID(chi.URLParam(r, "paymentID")))
	if err != nil {
		h.writeDomainError(w, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// ConfirmPayment polls the gateway and resolves the payment idempotently.
// POST /api/tenants/{tenantID}/payments/{paymentID}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Bridge.Confirm(r.Context(), tenantID(r), generic.PendingPaymentID(chi.URLParam(r, "paymentID")))
	if err != nil {
		h.writeDomainError(w, "Failed to confirm payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toResolutionDTO(res))
}

// PaymentWebhook receives signed provider events. Expired and ignored
// events are acknowledged so the provider stops retrying; unknown
// references answer 404 so an event racing payment creation is redelivered.
// POST /api/webhooks/payments
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "Webhooks are not configured", nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	res, err := h.Webhooks.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrSignatureExpired):
		writeError(w, http.StatusBadRequest, "Invalid signature", err)
		return
	case errors.Is(err, generic.ErrPaymentExpired):
		writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
		return
	case err != nil:
		h.writeDomainError(w, "Failed to process webhook", err)
		return
	}

	status := "processed"
	switch {
	case res.Ignored:
		status = "ignored"
	case res.Duplicate:
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "event_id": res.Event.ID})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

var errEmptyBody = errors.New("request body is empty")

// decode reads a JSON request body. Every decoded route needs one, so an
// empty body is a 400.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errEmptyBody
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrPaymentExpired):
		return http.StatusConflict, "payment_expired"
	case errors.Is(err, generic.ErrCardNotActive):
		return http.StatusConflict, "card_not_active"
	case generic.IsConflict(err):
		return http.StatusConflict, "conflict"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "concurrent_modification"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "err", err)
	}
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	var verr *factory.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr.Problems
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// cents converts a major-unit amount, rejecting sub-cent precision.
func cents(d decimal.Decimal, field string) (generic.Cents, error) {
	c, ok := generic.CentsFromDecimal(d)
	if !ok {
		return 0, &generic.InvalidValueError{Field: field, Value: d.String(), Err: generic.ErrInvalidAmount}
	}
	return c, nil
}

func optionalCategory(s string) (generic.Category, error) {
	if s == "" {
		return "", nil
	}
	return generic.ParseCategory(s)
}

func toCardDTOs(cards []generic.Card) []CardDTO {
	out := make([]CardDTO, len(cards))
	for i, c := range cards {
		out[i] = toCardDTO(c)
	}
	return out
}
