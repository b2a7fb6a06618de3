/*
Package generic provides the core cashback ledger engine types.

PURPOSE:
  This package contains the tenant-scoped types and rules shared by every
  layer of the cashback engine: cards with a mutable balance, the immutable
  ledger entries that explain every balance change, customers with their
  loyalty tier, and the pending payments that bridge asynchronous external
  payments into exactly-once credits.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cents: Integer minor-currency units (never floats)
  - Card: The only contended resource, holds the mutable balance
  - Transaction: An immutable ledger entry recording one balance change
  - Mutation: The single delta primitive every store must apply atomically
  - PendingPayment: Bridge record for an externally confirmed payment

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, corrections are ADJUST entries
  2. Precision: Money is int64 minor units; rate math uses decimal.Decimal
  3. Closed enums: Type, Category, Status and Tier are validated, never open strings
  4. Traceability: There is no "set balance", only Mutation with a ledger entry

USAGE:
  m := generic.Mutation{
      TenantID: "acme",
      CardID:   "card-123",
      Entry: generic.TransactionDraft{
          Type:     generic.TxRedeem,
          Category: generic.CategoryPurchase,
          Amount:   500,
      },
  }
  res, err := store.Mutate(ctx, m)

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Ledger replay and verification
  - errors.go: Error taxonomy
*/
package generic

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Cents is an amount in minor currency units.
type Cents int64

// Decimal returns the amount in major units (e.g. 2050 -> 20.50).
func (c Cents) Decimal() decimal.Decimal { return decimal.New(int64(c), -2) }

func (c Cents) String() string { return c.Decimal().StringFixed(2) }

var (
	minCents = decimal.NewFromInt(math.MinInt64)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// CentsFromDecimal converts a major-unit amount to cents. ok is false when
// d has sub-cent precision or does not fit in int64 cents.
func CentsFromDecimal(d decimal.Decimal) (c Cents, ok bool) {
	shifted := d.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, false
	}
	if shifted.LessThan(minCents) || shifted.GreaterThan(maxCents) {
		return 0, false
	}
	return Cents(shifted.IntPart()), true
}

// AddCents returns a+b. An int64 overflow is an ErrInvalidAmount on field.
func AddCents(field string, a, b Cents) (Cents, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, invalidAmount(field, b)
	}
	return sum, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type CardID string
type CustomerID string
type StoreID string
type TransactionID string
type PendingPaymentID string

func NewCardID() CardID                     { return CardID(uuid.NewString()) }
func NewTransactionID() TransactionID       { return TransactionID(uuid.NewString()) }
func NewPendingPaymentID() PendingPaymentID { return PendingPaymentID(uuid.NewString()) }

// =============================================================================
// CLOSED ENUMS
// =============================================================================

type CardStatus string

const (
	CardUnassigned CardStatus = "UNASSIGNED"
	CardActive     CardStatus = "ACTIVE"
	CardBlocked    CardStatus = "BLOCKED"
)

func (s CardStatus) Valid() bool {
	switch s {
	case CardUnassigned, CardActive, CardBlocked:
		return true
	}
	return false
}

// CanTransitionTo reports whether the card lifecycle allows s -> to.
//
//	UNASSIGNED -> ACTIVE (assignment), ACTIVE -> BLOCKED, BLOCKED -> ACTIVE
func (s CardStatus) CanTransitionTo(to CardStatus) bool {
	switch s {
	case CardUnassigned:
		return to == CardActive
	case CardActive:
		return to == CardBlocked
	case CardBlocked:
		return to == CardActive
	}
	return false
}

type TransactionType string

const (
	TxEarn   TransactionType = "EARN"
	TxRedeem TransactionType = "REDEEM"
	TxAdjust TransactionType = "ADJUST"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxEarn, TxRedeem, TxAdjust:
		return true
	}
	return false
}

type Category string

const (
	CategoryPurchase Category = "PURCHASE"
	CategoryRepair   Category = "REPAIR"
	CategoryOther    Category = "OTHER"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryPurchase, CategoryRepair, CategoryOther}

func (c Category) Valid() bool {
	switch c {
	case CategoryPurchase, CategoryRepair, CategoryOther:
		return true
	}
	return false
}

// ParseCategory accepts any letter case. Empty input defaults to PURCHASE.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CategoryPurchase, nil
	}
	c := Category(strings.ToUpper(s))
	if !c.Valid() {
		return "", &InvalidValueError{Field: "category", Value: s, Err: ErrInvalidCategory}
	}
	return c, nil
}

// Tier is a loyalty level. Tiers are ranked SILVER < GOLD < PLATINUM; rule
// thresholds must agree with that order (enforced by the factory package).
type Tier string

const (
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierSilver, TierGold, TierPlatinum}

// Rank returns the position of the tier, or -1 when unknown.
func (t Tier) Rank() int {
	for i, candidate := range Tiers {
		if candidate == t {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &InvalidValueError{Field: "tier", Value: s, Err: ErrInvalidTier}
	}
	return t, nil
}

type PendingStatus string

const (
	PendingOpen      PendingStatus = "PENDING"
	PendingCompleted PendingStatus = "COMPLETED"
	PendingExpired   PendingStatus = "EXPIRED"
	PendingFailed    PendingStatus = "FAILED"
)

func (s PendingStatus) Valid() bool {
	switch s {
	case PendingOpen, PendingCompleted, PendingExpired, PendingFailed:
		return true
	}
	return false
}

// PaymentPurpose decides which engine operation a confirmed payment triggers.
type PaymentPurpose string

const (
	// PurposeTopUp credits the full amount as store credit (ADJUST).
	PurposeTopUp PaymentPurpose = "TOP_UP"
	// PurposePurchase earns cashback on the paid amount (EARN).
	PurposePurchase PaymentPurpose = "PURCHASE"
)

func (p PaymentPurpose) Valid() bool {
	return p == PurposeTopUp || p == PurposePurchase
}

// =============================================================================
// CARD & CUSTOMER
// =============================================================================

type Card struct {
	ID         CardID
	TenantID   TenantID
	CustomerID CustomerID // empty while UNASSIGNED
	StoreID    StoreID
	Status     CardStatus
	Balance    Cents
	// Version counts applied mutations; it equals the number of ledger entries.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Card) HasCustomer() bool { return c.CustomerID != "" }

type Customer struct {
	ID         CustomerID
	TenantID   TenantID
	Name       string
	Phone      string
	Email      string
	Tier       Tier
	TotalSpend Cents
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Transaction struct {
	ID               TransactionID
	TenantID         TenantID
	CardID           CardID
	CustomerID       CustomerID
	StoreID          StoreID
	Type             TransactionType
	Category         Category
	Amount           Cents // purchase amount (EARN), redeemed amount (REDEEM), signed change (ADJUST)
	Cashback         Cents // EARN only
	BalanceBefore    Cents
	BalanceAfter     Cents
	Sequence         int64 // per card, 1-based
	PendingPaymentID PendingPaymentID
	Note             string
	CreatedAt        time.Time
}

// Delta is the balance effect of the entry.
func (t Transaction) Delta() Cents {
	return entryDelta(t.Type, t.Amount, t.Cashback)
}

// TransactionDraft is the caller-supplied part of a ledger entry. The store
// fills in balances, sequence and timestamps inside the atomic unit.
type TransactionDraft struct {
	ID       TransactionID
	Type     TransactionType
	Category Category
	Amount   Cents
	Cashback Cents
	StoreID  StoreID
	Note     string
}

func (d TransactionDraft) Delta() Cents {
	return entryDelta(d.Type, d.Amount, d.Cashback)
}

func entryDelta(t TransactionType, amount, cashback Cents) Cents {
	switch t {
	case TxEarn:
		return cashback
	case TxRedeem:
		return -amount
	case TxAdjust:
		return amount
	}
	return 0
}

// =============================================================================
// PENDING PAYMENT - Async payment bridge record
// =============================================================================

type PendingPayment struct {
	ID                PendingPaymentID
	TenantID          TenantID
	ExternalReference string
	CardID            CardID // optional
	CustomerID        CustomerID
	Amount            Cents
	Purpose           PaymentPurpose
	Category          Category
	Status            PendingStatus
	Description       string
	ExpiresAt         time.Time
	TransactionID     TransactionID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// IsExpired reports whether now is at or after ExpiresAt.
func (p PendingPayment) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p PendingPayment) HasCard() bool { return p.CardID != "" }
