/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate a tenant with realistic
	data for demos and manual testing. Each scenario installs rules,
	registers customers, activates cards and runs balance operations
	through the engine, so the ledger is exactly what live traffic
	would have produced.

AVAILABLE SCENARIOS:

	standard:      Standard rules, one customer, earn and redeem
	launch-week:   Standard rules plus a +50 bps offer running now
	tier-upgrade:  Spend crossing the GOLD threshold mid-scenario

HOW SCENARIOS WORK:
 1. Replace the tenant's rules
 2. Register customers
 3. Issue and assign cards
 4. Apply EARN / REDEEM operations

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "tier-upgrade", "tenant_id": "demo"}

NOTE:

	Scenarios overwrite the tenant's rules and add data; they never
	delete. Load them into dedicated demo tenants.

SEE ALSO:
  - rewards/policies.go: StandardRuleSet, LaunchWeekOffer
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
	"github.com/warp/cashback-engine/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	ScenarioID string        `json:"scenario_id"`
	TenantID   string        `json:"tenant_id"`
	Customers  []CustomerDTO `json:"customers"`
	Cards      []CardDTO     `json:"cards"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "standard",
		Name:        "Standard Program",
		Description: "PURCHASE 2%, REPAIR 1%; one SILVER customer with two earns and a redeem",
	},
	{
		ID:          "launch-week",
		Name:        "Launch Week",
		Description: "Standard program with a +0.5% offer active for the next week",
	},
	{
		ID:          "tier-upgrade",
		Name:        "Tier Upgrade",
		Description: "A customer whose spend crosses 500.00 and moves from SILVER to GOLD",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario into a tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
		TenantID   string `json:"tenant_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = "demo"
	}

	res, err := h.LoadScenarioInto(r.Context(), req.ScenarioID, generic.TenantID(req.TenantID))
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LoadScenarioInto runs a scenario loader against tenantID.
func (h *Handler) LoadScenarioInto(ctx context.Context, scenarioID string, tenantID generic.TenantID) (ScenarioResult, error) {
	s := &scenarioRun{engine: h.Engine, tenant: tenantID}

	var err error
	switch scenarioID {
	case "standard":
		err = s.standard(ctx)
	case "launch-week":
		err = s.launchWeek(ctx)
	case "tier-upgrade":
		err = s.tierUpgrade(ctx)
	default:
		return ScenarioResult{}, &generic.InvalidValueError{Field: "scenario_id", Value: scenarioID, Err: generic.ErrInvalidRequest}
	}
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("scenario %s: %w", scenarioID, err)
	}

	h.Logger.Info("scenario loaded", "scenario", scenarioID, "tenant_id", tenantID, "cards", len(s.cards))
	return s.result(ctx, scenarioID)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioRun struct {
	engine    *loyalty.Engine
	tenant    generic.TenantID
	customers []generic.CustomerID
	cards     []generic.CardID
}

func (s *scenarioRun) standard(ctx context.Context) error {
	if err := s.engine.ReplaceRules(ctx, rewards.StandardRuleSet(s.tenant)); err != nil {
		return err
	}
	card, err := s.member(ctx, "Ada Lovelace", "ada@example.com")
	if err != nil {
		return err
	}
	if err := s.earn(ctx, card, generic.CategoryPurchase, 5000); err != nil {
		return err
	}
	if err := s.earn(ctx, card, generic.CategoryRepair, 12000); err != nil {
		return err
	}
	_, err = s.engine.Redeem(ctx, loyalty.RedeemRequest{
		TenantID: s.tenant,
		CardID:   card,
		Amount:   100,
		Note:     "demo redeem",
	})
	return err
}

func (s *scenarioRun) launchWeek(ctx context.Context) error {
	rules := rewards.StandardRuleSet(s.tenant).
		WithOffer(rewards.LaunchWeekOffer("launch-week", s.engine.Now().Add(-1)))
	if err := s.engine.ReplaceRules(ctx, rules); err != nil {
		return err
	}
	card, err := s.member(ctx, "Grace Hopper", "grace@example.com")
	if err != nil {
		return err
	}
	return s.earn(ctx, card, generic.CategoryPurchase, 8000)
}

func (s *scenarioRun) tierUpgrade(ctx context.Context) error {
	if err := s.engine.ReplaceRules(ctx, rewards.StandardRuleSet(s.tenant)); err != nil {
		return err
	}
	card, err := s.member(ctx, "Katherine Johnson", "katherine@example.com")
	if err != nil {
		return err
	}
	// 450.00 stays SILVER; the next 75.00 crosses 500.00.
	if err := s.earn(ctx, card, generic.CategoryPurchase, 45000); err != nil {
		return err
	}
	return s.earn(ctx, card, generic.CategoryPurchase, 7500)
}

// member registers a customer and gives them an active card.
func (s *scenarioRun) member(ctx context.Context, name, email string) (generic.CardID, error) {
	cust, err := s.engine.RegisterCustomer(ctx, loyalty.RegisterCustomerRequest{
		TenantID: s.tenant,
		Name:     name,
		Email:    email,
	})
	if err != nil {
		return "", err
	}
	cards, err := s.engine.IssueCards(ctx, loyalty.IssueRequest{TenantID: s.tenant, StoreID: "demo-store", Count: 1})
	if err != nil {
		return "", err
	}
	if _, err := s.engine.AssignCard(ctx, s.tenant, cards[0].ID, cust.ID); err != nil {
		return "", err
	}
	s.customers = append(s.customers, cust.ID)
	s.cards = append(s.cards, cards[0].ID)
	return cards[0].ID, nil
}

func (s *scenarioRun) earn(ctx context.Context, card generic.CardID, category generic.Category, amount generic.Cents) error {
	_, err := s.engine.Earn(ctx, loyalty.EarnRequest{
		TenantID:       s.tenant,
		CardID:         card,
		Category:       category,
		PurchaseAmount: amount,
		StoreID:        "demo-store",
		Description:    "demo purchase",
	})
	return err
}

func (s *scenarioRun) result(ctx context.Context, scenarioID string) (ScenarioResult, error) {
	out := ScenarioResult{ScenarioID: scenarioID, TenantID: string(s.tenant)}
	for _, id := range s.customers {
		c, err := s.engine.Customer(ctx, s.tenant, id)
		if err != nil {
			return out, err
		}
		out.Customers = append(out.Customers, toCustomerDTO(c))
	}
	for _, id := range s.cards {
		c, err := s.engine.Card(ctx, s.tenant, id)
		if err != nil {
			return out, err
		}
		out.Cards = append(out.Cards, toCardDTO(c))
	}
	return out, nil
}
