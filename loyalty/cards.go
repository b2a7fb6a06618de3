package loyalty

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

// MaxIssueBatch bounds a single card issuance.
const MaxIssueBatch = 1000

// =============================================================================
// CARD LIFECYCLE
// =============================================================================

type IssueRequest struct {
	TenantID generic.TenantID
	StoreID  generic.StoreID
	Count    int
}

// IssueCards creates Count UNASSIGNED cards with a zero balance.
func (e *Engine) IssueCards(ctx context.Context, req IssueRequest) ([]generic.Card, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", generic.ErrInvalidRequest)
	}
	if req.Count < 1 || req.Count > MaxIssueBatch {
		return nil, &generic.InvalidValueError{Field: "count", Value: req.Count, Err: generic.ErrInvalidRequest}
	}

	now := e.now()
	cards := make([]generic.Card, req.Count)
	for i := range cards {
		cards[i] = generic.Card{
			ID:        generic.NewCardID(),
			TenantID:  req.TenantID,
			StoreID:   req.StoreID,
			Status:    generic.CardUnassigned,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := e.store.CreateCards(ctx, cards); err != nil {
		return nil, err
	}
	e.logger.Info("cards issued", "tenant_id", req.TenantID, "store_id", req.StoreID, "count", req.Count)
	return cards, nil
}

// AssignCard links an UNASSIGNED card to an existing customer and activates it.
func (e *Engine) AssignCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID, customerID generic.CustomerID) (generic.Card, error) {
	if customerID == "" {
		return generic.Card{}, fmt.Errorf("%w: customer is required", generic.ErrInvalidRequest)
	}
	if _, err := e.store.GetCustomer(ctx, tenantID, customerID); err != nil {
		return generic.Card{}, err
	}
	return e.transition(ctx, tenantID, cardID, generic.CardUnassigned, generic.CardActive, customerID)
}

// BlockCard stops all mutations on an ACTIVE card.
func (e *Engine) BlockCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	return e.transition(ctx, tenantID, cardID, generic.CardActive, generic.CardBlocked, "")
}

// UnblockCard re-activates a BLOCKED card.
func (e *Engine) UnblockCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	return e.transition(ctx, tenantID, cardID, generic.CardBlocked, generic.CardActive, "")
}

func (e *Engine) transition(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID, from, to generic.CardStatus, customerID generic.CustomerID) (generic.Card, error) {
	card, err := e.store.UpdateCardStatus(ctx, generic.CardStatusChange{
		TenantID:   tenantID,
		CardID:     cardID,
		From:       from,
		To:         to,
		CustomerID: customerID,
		At:         e.now(),
	})
	if err != nil {
		return card, err
	}
	e.logger.Info("card status changed", "tenant_id", tenantID, "card_id", cardID, "from", from, "to", to)
	return card, nil
}

func (e *Engine) Card(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	return e.store.GetCard(ctx, tenantID, cardID)
}

func (e *Engine) Cards(ctx context.Context, tenantID generic.TenantID) ([]generic.Card, error) {
	return e.store.ListCards(ctx, tenantID)
}

// History returns the card's ledger, oldest first.
func (e *Engine) History(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) ([]generic.Transaction, error) {
	return e.store.Transactions(ctx, tenantID, cardID)
}

func (e *Engine) Transaction(ctx context.Context, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	return e.store.GetTransaction(ctx, tenantID, id)
}

// VerifyCard replays the ledger and compares it with the stored balance.
func (e *Engine) VerifyCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.VerificationReport, error) {
	card, err := e.store.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return generic.VerificationReport{}, err
	}
	entries, err := e.store.Transactions(ctx, tenantID, cardID)
	if err != nil {
		return generic.VerificationReport{}, err
	}
	report := generic.Verify(card, entries)
	if !report.OK {
		e.logger.Error("ledger verification failed", "tenant_id", tenantID, "card_id", cardID, "problem", report.Problem)
	}
	return report, nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type RegisterCustomerRequest struct {
	TenantID generic.TenantID
	ID       generic.CustomerID // generated when empty
	Name     string
	Phone    string
	Email    string
}

// RegisterCustomer creates a customer at the tenant's lowest tier.
func (e *Engine) RegisterCustomer(ctx context.Context, req RegisterCustomerRequest) (generic.Customer, error) {
	if req.TenantID == "" {
		return generic.Customer{}, fmt.Errorf("%w: tenant is required", generic.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Name) == "" {
		return generic.Customer{}, &generic.InvalidValueError{Field: "name", Value: req.Name, Err: generic.ErrInvalidRequest}
	}
	rules, err := e.store.RuleSet(ctx, req.TenantID)
	if err != nil {
		return generic.Customer{}, fmt.Errorf("failed to load rules: %w", err)
	}

	id := req.ID
	if id == "" {
		id = generic.CustomerID(uuid.NewString())
	}
	now := e.now()
	c := generic.Customer{
		ID:        id,
		TenantID:  req.TenantID,
		Name:      strings.TrimSpace(req.Name),
		Phone:     req.Phone,
		Email:     req.Email,
		Tier:      rules.DefaultTier(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SaveCustomer(ctx, c); err != nil {
		return generic.Customer{}, err
	}
	return c, nil
}

func (e *Engine) Customer(ctx context.Context, tenantID generic.TenantID, customerID generic.CustomerID) (generic.Customer, error) {
	return e.store.GetCustomer(ctx, tenantID, customerID)
}

// =============================================================================
// RULES
// =============================================================================

func (e *Engine) Rules(ctx context.Context, tenantID generic.TenantID) (rewards.RuleSet, error) {
	return e.store.RuleSet(ctx, tenantID)
}

// ReplaceRules validates and installs a tenant's rule set. Existing tiers
// are untouched; upgrades pick up new thresholds on the next purchase.
func (e *Engine) ReplaceRules(ctx context.Context, rules rewards.RuleSet) error {
	if err := factory.Validate(rules); err != nil {
		return err
	}
	if err := e.store.ReplaceRuleSet(ctx, rules); err != nil {
		return err
	}
	e.logger.Info("rules replaced", "tenant_id", rules.TenantID,
		"cashback_rules", len(rules.Cashback), "tier_rules", len(rules.Tiers), "offers", len(rules.Offers))
	return nil
}
