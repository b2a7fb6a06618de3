/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Production store for multi-instance deployments. Same tables as the
  SQLite store; per-card serialization comes from row locks
  (SELECT ... FOR UPDATE) instead of a process mutex, so any number of API
  replicas can mutate balances safely.

ERROR MAPPING:
  23505 unique_violation      -> duplicate sentinels / ErrConcurrentMutationConflict
  40001 serialization_failure -> ErrConcurrentMutationConflict (retryable)
  40P01 deadlock_detected     -> ErrConcurrentMutationConflict (retryable)

USAGE:
  pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
  store, err := postgres.New(ctx, pool)

SEE ALSO:
  - store/sqlite/sqlite.go: Single-file equivalent
  - generic/mutation.go: Rules shared by every Mutate implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var (
	_ generic.CardStore     = (*Store)(nil)
	_ generic.CustomerStore = (*Store)(nil)
	_ generic.LedgerStore   = (*Store)(nil)
	_ generic.PendingStore  = (*Store)(nil)
	_ rewards.RuleStore     = (*Store)(nil)
)

// New wraps the pool and migrates the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{db: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		total_spend BIGINT NOT NULL DEFAULT 0 CHECK (total_spend >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL DEFAULT '',
		store_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cards_tenant ON cards(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		card_id TEXT NOT NULL REFERENCES cards(id),
		customer_id TEXT NOT NULL DEFAULT '',
		store_id TEXT NOT NULL DEFAULT '',
		tx_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount BIGINT NOT NULL,
		cashback BIGINT NOT NULL DEFAULT 0,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
		sequence BIGINT NOT NULL,
		pending_payment_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_card_sequence ON transactions(card_id, sequence);

	CREATE TABLE IF NOT EXISTS pending_payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_reference TEXT NOT NULL UNIQUE,
		card_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		purpose TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_pending_status_expiry ON pending_payments(status, expires_at);

	CREATE TABLE IF NOT EXISTS cashback_rules (
		tenant_id TEXT NOT NULL,
		position INT NOT NULL,
		category TEXT NOT NULL,
		rate_bps BIGINT NOT NULL,
		active BOOLEAN NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);

	CREATE TABLE IF NOT EXISTS tier_rules (
		tenant_id TEXT NOT NULL,
		position INT NOT NULL,
		tier TEXT NOT NULL,
		min_total_spend BIGINT NOT NULL,
		bonus_bps BIGINT NOT NULL,
		active BOOLEAN NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);

	CREATE TABLE IF NOT EXISTS offers (
		tenant_id TEXT NOT NULL,
		position INT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		bonus_bps BIGINT NOT NULL,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// CARD STORE
// =============================================================================

const cardColumns = `id, tenant_id, customer_id, store_id, status, balance, version, created_at, updated_at`

func (s *Store) CreateCards(ctx context.Context, cards []generic.Card) error {
	batch := &pgx.Batch{}
	for _, c := range cards {
		batch.Queue(`INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.TenantID, c.CustomerID, c.StoreID, c.Status, c.Balance, c.Version, c.CreatedAt, c.UpdatedAt)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return &generic.InvalidValueError{Field: "card_id", Value: "duplicate", Err: generic.ErrInvalidRequest}
		}
		return fmt.Errorf("failed to insert cards: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	return getCard(ctx, s.db, tenantID, cardID, false)
}

func getCard(ctx context.Context, q querier, tenantID generic.TenantID, cardID generic.CardID, lock bool) (generic.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE tenant_id = $1 AND id = $2`
	if lock {
		// Use FOR UPDATE to lock the row, serializing mutations per card.
		query += ` FOR UPDATE`
	}
	c, err := scanCard(q.QueryRow(ctx, query, tenantID, cardID))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Card{}, generic.ErrCardNotFound
	}
	return c, mapError(err)
}

func (s *Store) ListCards(ctx context.Context, tenantID generic.TenantID) ([]generic.Card, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []generic.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (s *Store) UpdateCardStatus(ctx context.Context, change generic.CardStatusChange) (generic.Card, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return generic.Card{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	card, err := getCard(ctx, tx, change.TenantID, change.CardID, true)
	if err != nil {
		return generic.Card{}, err
	}
	if card.Status != change.From || !change.From.CanTransitionTo(change.To) {
		return card, &generic.CardStateError{CardID: card.ID, Status: card.Status, Err: generic.ErrInvalidTransition}
	}
	if change.CustomerID != "" && change.From == generic.CardUnassigned {
		card.CustomerID = change.CustomerID
	}
	card.Status = change.To
	card.UpdatedAt = change.At

	_, err = tx.Exec(ctx, `UPDATE cards SET status = $1, customer_id = $2, updated_at = $3 WHERE id = $4`,
		card.Status, card.CustomerID, card.UpdatedAt, card.ID)
	if err != nil {
		return generic.Card{}, fmt.Errorf("failed to update card: %w", err)
	}
	return card, tx.Commit(ctx)
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

const customerColumns = `id, tenant_id, name, phone, email, tier, total_spend, created_at, updated_at`

func (s *Store) SaveCustomer(ctx context.Context, c generic.Customer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO customers (`+customerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.TenantID, c.Name, c.Phone, c.Email, c.Tier, c.TotalSpend, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return generic.ErrCustomerExists
	}
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID generic.TenantID, customerID generic.CustomerID) (generic.Customer, error) {
	var c generic.Customer
	err := s.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2`, tenantID, customerID,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Tier, &c.TotalSpend, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Customer{}, generic.ErrCustomerNotFound
	}
	if err != nil {
		return generic.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (s *Store) CompareAndSetTier(ctx context.Context, tenantID generic.TenantID, customerID generic.CustomerID, from, to generic.Tier) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE customers SET tier = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4 AND tier = $5`,
		to, s.now(), tenantID, customerID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update tier: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM customers WHERE tenant_id = $1 AND id = $2)`, tenantID, customerID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, generic.ErrCustomerNotFound
	}
	return false, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const transactionColumns = `id, tenant_id, card_id, customer_id, store_id, tx_type, category, amount, cashback,
	balance_before, balance_after, sequence, pending_payment_id, note, created_at`

// Mutate locks the card row, applies the delta and appends the entry in one
// database transaction.
func (s *Store) Mutate(ctx context.Context, m generic.Mutation) (generic.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return generic.MutationResult{}, err
	}
	now := m.At
	if now.IsZero() {
		now = s.now()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return generic.MutationResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	card, err := getCard(ctx, tx, m.TenantID, m.CardID, true)
	if err != nil {
		return generic.MutationResult{}, err
	}

	var pending generic.PendingPayment
	if m.Settles != nil {
		if pending, err = settlementPending(ctx, tx, *m.Settles); err != nil {
			return generic.MutationResult{}, err
		}
		settled, err := generic.CheckSettlement(pending, m, now)
		if err != nil {
			return generic.MutationResult{}, err
		}
		if settled {
			existing, err := getTransaction(ctx, tx, m.TenantID, pending.TransactionID)
			if err != nil {
				return generic.MutationResult{}, err
			}
			return generic.MutationResult{Transaction: existing, NewBalance: card.Balance}, nil
		}
	}

	entry, err := m.Apply(card, now)
	if err != nil {
		return generic.MutationResult{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE cards SET balance = $1, version = $2, updated_at = $3 WHERE id = $4 AND version = $5`,
		entry.BalanceAfter, entry.Sequence, now, card.ID, card.Version)
	if err != nil {
		return generic.MutationResult{}, mapError(err)
	}
	if tag.RowsAffected() != 1 {
		return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		entry.ID, entry.TenantID, entry.CardID, entry.CustomerID, entry.StoreID, entry.Type, entry.Category,
		entry.Amount, entry.Cashback, entry.BalanceBefore, entry.BalanceAfter, entry.Sequence,
		entry.PendingPaymentID, entry.Note, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
		}
		return generic.MutationResult{}, mapError(err)
	}

	result := generic.MutationResult{Transaction: entry, NewBalance: entry.BalanceAfter, Applied: true}

	if m.SpendIncrement > 0 && card.HasCustomer() {
		var spend generic.Cents
		err := tx.QueryRow(ctx,
			`SELECT total_spend FROM customers WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			card.TenantID, card.CustomerID,
		).Scan(&spend)
		if errors.Is(err, pgx.ErrNoRows) {
			return generic.MutationResult{}, generic.ErrCustomerNotFound
		}
		if err != nil {
			return generic.MutationResult{}, mapError(err)
		}
		if spend, err = generic.AddCents("spend_increment", spend, m.SpendIncrement); err != nil {
			return generic.MutationResult{}, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE customers SET total_spend = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
			spend, now, card.TenantID, card.CustomerID,
		); err != nil {
			return generic.MutationResult{}, mapError(err)
		}
		result.CustomerTotalSpend = spend
	}

	if m.Settles != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE pending_payments SET status = $1, transaction_id = $2, updated_at = $3, resolved_at = $3
			 WHERE external_reference = $4 AND status IN ($5, $6)`,
			generic.PendingCompleted, entry.ID, now, pending.ExternalReference, generic.PendingOpen, generic.PendingFailed)
		if err != nil {
			return generic.MutationResult{}, mapError(err)
		}
		if tag.RowsAffected() != 1 {
			return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return generic.MutationResult{}, mapError(err)
	}
	return result, nil
}

func (s *Store) Transactions(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) ([]generic.Transaction, error) {
	if _, err := getCard(ctx, s.db, tenantID, cardID, false); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = $1 AND card_id = $2 ORDER BY sequence ASC`,
		tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	return getTransaction(ctx, s.db, tenantID, id)
}

func getTransaction(ctx context.Context, q querier, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return t, err
}

// =============================================================================
// PENDING PAYMENT STORE
// =============================================================================

const pendingColumns = `id, tenant_id, external_reference, card_id, customer_id, amount, purpose, category,
	status, description, expires_at, transaction_id, created_at, updated_at, resolved_at`

func (s *Store) CreatePending(ctx context.Context, p generic.PendingPayment) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pending_payments (`+pendingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.TenantID, p.ExternalReference, p.CardID, p.CustomerID, p.Amount, p.Purpose, p.Category,
		p.Status, p.Description, p.ExpiresAt, p.TransactionID, p.CreatedAt, p.UpdatedAt, p.ResolvedAt)
	if isUniqueViolation(err) {
		return generic.ErrDuplicateExternalReference
	}
	if err != nil {
		return fmt.Errorf("failed to create pending payment: %w", err)
	}
	return nil
}

func (s *Store) GetPending(ctx context.Context, tenantID generic.TenantID, id generic.PendingPaymentID) (generic.PendingPayment, error) {
	return scanPendingRow(s.db.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *Store) GetPendingByReference(ctx context.Context, reference string) (generic.PendingPayment, error) {
	return scanPendingRow(s.db.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments WHERE external_reference = $1`, reference))
}

func settlementPending(ctx context.Context, q querier, st generic.Settlement) (generic.PendingPayment, error) {
	if st.ExternalReference != "" {
		return scanPendingRow(q.QueryRow(ctx,
			`SELECT `+pendingColumns+` FROM pending_payments WHERE external_reference = $1 FOR UPDATE`, st.ExternalReference))
	}
	return scanPendingRow(q.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments WHERE id = $1 FOR UPDATE`, st.PendingPaymentID))
}

func (s *Store) TransitionPending(ctx context.Context, t generic.PendingTransition) (generic.PendingPayment, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return generic.PendingPayment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := settlementPending(ctx, tx, generic.Settlement{ExternalReference: t.Reference})
	if err != nil {
		return generic.PendingPayment{}, err
	}
	if err := t.Check(p); err != nil {
		return p, err
	}
	p.Status = t.To
	p.UpdatedAt = t.At
	if t.To != generic.PendingOpen {
		at := t.At
		p.ResolvedAt = &at
	}
	_, err = tx.Exec(ctx,
		`UPDATE pending_payments SET status = $1, updated_at = $2, resolved_at = $3 WHERE external_reference = $4`,
		p.Status, p.UpdatedAt, p.ResolvedAt, p.ExternalReference)
	if err != nil {
		return generic.PendingPayment{}, mapError(err)
	}
	return p, tx.Commit(ctx)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]generic.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments
		 WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at ASC`
	args := []any{generic.PendingOpen, now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired payments: %w", err)
	}
	defer rows.Close()

	var out []generic.PendingPayment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RULE STORE
// =============================================================================

func (s *Store) RuleSet(ctx context.Context, tenantID generic.TenantID) (rewards.RuleSet, error) {
	rs := rewards.RuleSet{TenantID: tenantID}

	rows, err := s.db.Query(ctx,
		`SELECT category, rate_bps, active FROM cashback_rules WHERE tenant_id = $1 ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query cashback rules: %w", err)
	}
	rs.Cashback, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.CashbackRule, error) {
		var r rewards.CashbackRule
		err := row.Scan(&r.Category, &r.RateBps, &r.Active)
		return r, err
	})
	if err != nil {
		return rs, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT tier, min_total_spend, bonus_bps, active FROM tier_rules WHERE tenant_id = $1 ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query tier rules: %w", err)
	}
	rs.Tiers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.TierRule, error) {
		var r rewards.TierRule
		err := row.Scan(&r.Tier, &r.MinTotalSpend, &r.BonusBps, &r.Active)
		return r, err
	})
	if err != nil {
		return rs, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT id, name, bonus_bps, start_at, end_at, active FROM offers WHERE tenant_id = $1 ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query offers: %w", err)
	}
	rs.Offers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.Offer, error) {
		var o rewards.Offer
		err := row.Scan(&o.ID, &o.Name, &o.BonusBps, &o.StartAt, &o.EndAt, &o.Active)
		return o, err
	})
	return rs, err
}

func (s *Store) ReplaceRuleSet(ctx context.Context, rules rewards.RuleSet) error {
	batch := &pgx.Batch{}
	for _, table := range []string{"cashback_rules", "tier_rules", "offers"} {
		batch.Queue("DELETE FROM "+table+" WHERE tenant_id = $1", rules.TenantID)
	}
	for i, r := range rules.Cashback {
		batch.Queue(`INSERT INTO cashback_rules (tenant_id, position, category, rate_bps, active) VALUES ($1, $2, $3, $4, $5)`,
			rules.TenantID, i, r.Category, r.RateBps, r.Active)
	}
	for i, r := range rules.Tiers {
		batch.Queue(`INSERT INTO tier_rules (tenant_id, position, tier, min_total_spend, bonus_bps, active) VALUES ($1, $2, $3, $4, $5, $6)`,
			rules.TenantID, i, r.Tier, r.MinTotalSpend, r.BonusBps, r.Active)
	}
	for i, o := range rules.Offers {
		batch.Queue(`INSERT INTO offers (tenant_id, position, id, name, bonus_bps, start_at, end_at, active) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rules.TenantID, i, o.ID, o.Name, o.BonusBps, o.StartAt, o.EndAt, o.Active)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to replace rules: %w", err)
	}
	return tx.Commit(ctx)
}

// =============================================================================
// SCANNING
// =============================================================================

func scanCard(row pgx.Row) (generic.Card, error) {
	var c generic.Card
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.StoreID, &c.Status, &c.Balance, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanTransaction(row pgx.Row) (generic.Transaction, error) {
	var t generic.Transaction
	err := row.Scan(
		&t.ID, &t.TenantID, &t.CardID, &t.CustomerID, &t.StoreID, &t.Type, &t.Category,
		&t.Amount, &t.Cashback, &t.BalanceBefore, &t.BalanceAfter, &t.Sequence,
		&t.PendingPaymentID, &t.Note, &t.CreatedAt,
	)
	return t, err
}

func scanPending(row pgx.Row) (generic.PendingPayment, error) {
	var p generic.PendingPayment
	err := row.Scan(
		&p.ID, &p.TenantID, &p.ExternalReference, &p.CardID, &p.CustomerID, &p.Amount, &p.Purpose, &p.Category,
		&p.Status, &p.Description, &p.ExpiresAt, &p.TransactionID, &p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt,
	)
	return p, err
}

func scanPendingRow(row pgx.Row) (generic.PendingPayment, error) {
	p, err := scanPending(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	return p, mapError(err)
}

// Helper functions

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns lock contention into the retryable conflict sentinel.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", generic.ErrConcurrentMutationConflict, pgErr.Message)
		}
	}
	return err
}
