/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

MONEY:
  Responses carry every amount twice: integer cents and a fixed two-decimal
  string ("20.50"). Requests accept major units as a JSON number or string
  and reject sub-cent precision.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleSetDoc, reused as the rules payload
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/payments"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyDTO is an amount in minor units plus its display form.
type MoneyDTO struct {
	Cents   int64  `json:"cents"`
	Display string `json:"display"`
}

func money(c generic.Cents) MoneyDTO {
	return MoneyDTO{Cents: int64(c), Display: c.String()}
}

// =============================================================================
// CARDS & CUSTOMERS
// =============================================================================

type CardDTO struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	CustomerID string   `json:"customer_id,omitempty"`
	StoreID    string   `json:"store_id,omitempty"`
	Status     string   `json:"status"`
	Balance    MoneyDTO `json:"balance"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

func toCardDTO(c generic.Card) CardDTO {
	return CardDTO{
		ID:         string(c.ID),
		TenantID:   string(c.TenantID),
		CustomerID: string(c.CustomerID),
		StoreID:    string(c.StoreID),
		Status:     string(c.Status),
		Balance:    money(c.Balance),
		CreatedAt:  formatTime(c.CreatedAt),
		UpdatedAt:  formatTime(c.UpdatedAt),
	}
}

type IssueCardsRequest struct {
	StoreID string `json:"store_id"`
	Count   int    `json:"count"`
}

type AssignCardRequest struct {
	CustomerID string `json:"customer_id"`
}

type CustomerDTO struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Phone      string   `json:"phone,omitempty"`
	Email      string   `json:"email,omitempty"`
	Tier       string   `json:"tier"`
	TotalSpend MoneyDTO `json:"total_spend"`
	CreatedAt  string   `json:"created_at"`
}

func toCustomerDTO(c generic.Customer) CustomerDTO {
	return CustomerDTO{
		ID:         string(c.ID),
		Name:       c.Name,
		Phone:      c.Phone,
		Email:      c.Email,
		Tier:       string(c.Tier),
		TotalSpend: money(c.TotalSpend),
		CreatedAt:  formatTime(c.CreatedAt),
	}
}

type CreateCustomerRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID            string   `json:"id"`
	CardID        string   `json:"card_id"`
	CustomerID    string   `json:"customer_id,omitempty"`
	StoreID       string   `json:"store_id,omitempty"`
	Type          string   `json:"type"`
	Category      string   `json:"category"`
	Amount        MoneyDTO `json:"amount"`
	Cashback      MoneyDTO `json:"cashback"`
	Delta         MoneyDTO `json:"delta"`
	BalanceBefore MoneyDTO `json:"balance_before"`
	BalanceAfter  MoneyDTO `json:"balance_after"`
	Sequence      int64    `json:"sequence"`
	PaymentID     string   `json:"payment_id,omitempty"`
	Note          string   `json:"note,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		CardID:        string(tx.CardID),
		CustomerID:    string(tx.CustomerID),
		StoreID:       string(tx.StoreID),
		Type:          string(tx.Type),
		Category:      string(tx.Category),
		Amount:        money(tx.Amount),
		Cashback:      money(tx.Cashback),
		Delta:         money(tx.Delta()),
		BalanceBefore: money(tx.BalanceBefore),
		BalanceAfter:  money(tx.BalanceAfter),
		Sequence:      tx.Sequence,
		PaymentID:     string(tx.PendingPaymentID),
		Note:          tx.Note,
		CreatedAt:     formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

// EarnRequest, RedeemRequest and AdjustRequest take major units.
type EarnRequest struct {
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	StoreID     string          `json:"store_id"`
}

type RedeemRequest struct {
	Category        string           `json:"category"`
	Amount          decimal.Decimal  `json:"amount"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance,omitempty"`
	Note            string           `json:"note"`
	StoreID         string           `json:"store_id"`
}

type AdjustRequest struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note"`
	StoreID  string          `json:"store_id"`
}

type RateDTO struct {
	RateBps      int64    `json:"rate_bps"`
	BaseBps      int64    `json:"base_bps"`
	TierBonusBps int64    `json:"tier_bonus_bps"`
	OfferBps     int64    `json:"offer_bps"`
	OfferIDs     []string `json:"offer_ids,omitempty"`
}

func toRateDTO(b rewards.RateBreakdown) *RateDTO {
	return &RateDTO{
		RateBps:      b.RateBps,
		BaseBps:      b.BaseBps,
		TierBonusBps: b.TierBonusBps,
		OfferBps:     b.OfferBps,
		OfferIDs:     b.OfferIDs,
	}
}

// ResultDTO is the response of every balance operation.
type ResultDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     MoneyDTO       `json:"balance"`
	Rate        *RateDTO       `json:"rate,omitempty"`
	Tier        string         `json:"tier,omitempty"`
	TierChanged bool           `json:"tier_changed,omitempty"`
}

func toResultDTO(r loyalty.Result) ResultDTO {
	out := ResultDTO{
		Transaction: toTransactionDTO(r.Transaction),
		Balance:     money(r.Balance),
		Tier:        string(r.Tier),
		TierChanged: r.TierChanged,
	}
	if r.Rate != nil {
		out.Rate = toRateDTO(*r.Rate)
	}
	return out
}

type VerificationDTO struct {
	CardID          string   `json:"card_id"`
	Entries         int      `json:"entries"`
	CardBalance     MoneyDTO `json:"card_balance"`
	ReplayedBalance MoneyDTO `json:"replayed_balance"`
	OK              bool     `json:"ok"`
	Problem         string   `json:"problem,omitempty"`
}

func toVerificationDTO(r generic.VerificationReport) VerificationDTO {
	return VerificationDTO{
		CardID:          string(r.CardID),
		Entries:         r.Entries,
		CardBalance:     money(r.CardBalance),
		ReplayedBalance: money(r.ReplayedBalance),
		OK:              r.OK,
		Problem:         r.Problem,
	}
}

// =============================================================================
// QUOTES
// =============================================================================

type QuoteRequest struct {
	CardID   string          `json:"card_id"`
	Tier     string          `json:"tier"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	At       *time.Time      `json:"at,omitempty"`
}

type QuoteDTO struct {
	Rate     RateDTO  `json:"rate"`
	Amount   MoneyDTO `json:"amount"`
	Cashback MoneyDTO `json:"cashback"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type InitiatePaymentRequest struct {
	CardID      string          `json:"card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Purpose     string          `json:"purpose"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
}

type PaymentDTO struct {
	ID                string   `json:"id"`
	ExternalReference string   `json:"external_reference"`
	CardID            string   `json:"card_id,omitempty"`
	Amount            MoneyDTO `json:"amount"`
	Purpose           string   `json:"purpose"`
	Category          string   `json:"category"`
	Status            string   `json:"status"`
	ExpiresAt         string   `json:"expires_at"`
	TransactionID     string   `json:"transaction_id,omitempty"`
	ClientSecret      string   `json:"client_secret,omitempty"`
}

func toPaymentDTO(p generic.PendingPayment) PaymentDTO {
	return PaymentDTO{
		ID:                string(p.ID),
		ExternalReference: p.ExternalReference,
		CardID:            string(p.CardID),
		Amount:            money(p.Amount),
		Purpose:           string(p.Purpose),
		Category:          string(p.Category),
		Status:            string(p.Status),
		ExpiresAt:         formatTime(p.ExpiresAt),
		TransactionID:     string(p.TransactionID),
	}
}

type ResolutionDTO struct {
	Payment     PaymentDTO      `json:"payment"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Duplicate   bool            `json:"duplicate"`
}

func toResolutionDTO(r payments.Resolution) ResolutionDTO {
	out := ResolutionDTO{Payment: toPaymentDTO(r.Pending), Duplicate: r.Duplicate}
	if r.Transaction != nil {
		tx := toTransactionDTO(*r.Transaction)
		out.Transaction = &tx
	}
	return out
}

type CheckoutRequest struct {
	Category    string          `json:"category"`
	Total       decimal.Decimal `json:"total"`
	UseBalance  decimal.Decimal `json:"use_balance"`
	StoreID     string          `json:"store_id"`
	Description string          `json:"description"`
}

type CheckoutDTO struct {
	BalancePortion  MoneyDTO    `json:"balance_portion"`
	ExternalPortion MoneyDTO    `json:"external_portion"`
	Redeem          *ResultDTO  `json:"redeem,omitempty"`
	Payment         *PaymentDTO `json:"payment,omitempty"`
}

func toCheckoutDTO(r payments.CheckoutResult) CheckoutDTO {
	out := CheckoutDTO{
		BalancePortion:  money(r.Plan.BalancePortion),
		ExternalPortion: money(r.Plan.ExternalPortion),
	}
	if r.Redeem != nil {
		res := toResultDTO(*r.Redeem)
		out.Redeem = &res
	}
	if r.Payment != nil {
		p := toPaymentDTO(*r.Payment)
		if r.Intent != nil {
			p.ClientSecret = r.Intent.ClientSecret
		}
		out.Payment = &p
	}
	return out
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
