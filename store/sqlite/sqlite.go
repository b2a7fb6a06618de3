/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (CardStore, CustomerStore,
  LedgerStore, PendingStore, rewards.RuleStore) on a single SQLite file.
  The PostgreSQL store in store/postgres follows the same table layout.

INTERFACES IMPLEMENTED:
  generic.CardStore:     Card issuance and lifecycle
  generic.CustomerStore: Customers and tier compare-and-set
  generic.LedgerStore:   Atomic Mutate + ledger history
  generic.PendingStore:  Pending payments keyed by external reference
  rewards.RuleStore:     Per-tenant cashback, tier and offer rules

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections are ADJUST entries

KEY TABLES:
  cards:            Balance and version (number of applied mutations)
  customers:        Tier and lifetime spend
  transactions:     Immutable ledger, UNIQUE(card_id, sequence)
  pending_payments: UNIQUE(external_reference)
  cashback_rules, tier_rules, offers: Rule configuration

CONCURRENCY:
  One open connection and a sync.RWMutex serialize writers. Mutate also
  guards the card row with a version precondition, so a lost race surfaces
  as ErrConcurrentMutationConflict rather than a double spend.

USAGE:
  store, err := sqlite.New("./data/cashback.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/mutation.go: Rules shared by every Mutate implementation
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/rewards"
)

const timeFormat = time.RFC3339Nano

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var (
	_ generic.CardStore     = (*Store)(nil)
	_ generic.CustomerStore = (*Store)(nil)
	_ generic.LedgerStore   = (*Store)(nil)
	_ generic.PendingStore  = (*Store)(nil)
	_ rewards.RuleStore     = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		total_spend INTEGER NOT NULL DEFAULT 0 CHECK (total_spend >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL DEFAULT '',
		store_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cards_tenant
		ON cards(tenant_id, created_at);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		card_id TEXT NOT NULL REFERENCES cards(id),
		customer_id TEXT NOT NULL DEFAULT '',
		store_id TEXT NOT NULL DEFAULT '',
		tx_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount INTEGER NOT NULL,
		cashback INTEGER NOT NULL DEFAULT 0,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		sequence INTEGER NOT NULL,
		pending_payment_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one entry per card sequence number
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_card_sequence
		ON transactions(card_id, sequence);

	CREATE TABLE IF NOT EXISTS pending_payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_reference TEXT NOT NULL UNIQUE,
		card_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		purpose TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);

	-- Expiry sweep (hot path for the scheduler)
	CREATE INDEX IF NOT EXISTS idx_pending_status_expiry
		ON pending_payments(status, expires_at);

	CREATE TABLE IF NOT EXISTS cashback_rules (
		tenant_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		category TEXT NOT NULL,
		rate_bps INTEGER NOT NULL,
		active INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);

	CREATE TABLE IF NOT EXISTS tier_rules (
		tenant_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		tier TEXT NOT NULL,
		min_total_spend INTEGER NOT NULL,
		bonus_bps INTEGER NOT NULL,
		active INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);

	CREATE TABLE IF NOT EXISTS offers (
		tenant_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		bonus_bps INTEGER NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		active INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, position)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CARD STORE
// =============================================================================

const cardColumns = `id, tenant_id, customer_id, store_id, status, balance, version, created_at, updated_at`

// CreateCards inserts a batch of cards atomically.
func (s *Store) CreateCards(ctx context.Context, cards []generic.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.PrepareContext(ctx, `INSERT INTO cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare card insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cards {
		_, err := stmt.ExecContext(ctx,
			c.ID, c.TenantID, c.CustomerID, c.StoreID, c.Status, c.Balance, c.Version,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &generic.InvalidValueError{Field: "card_id", Value: c.ID, Err: generic.ErrInvalidRequest}
			}
			return fmt.Errorf("failed to insert card: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) GetCard(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCard(ctx, s.db, tenantID, cardID)
}

func getCard(ctx context.Context, q querier, tenantID generic.TenantID, cardID generic.CardID) (generic.Card, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE tenant_id = ? AND id = ?`, tenantID, cardID)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Card{}, generic.ErrCardNotFound
	}
	return c, err
}

func (s *Store) ListCards(ctx context.Context, tenantID generic.TenantID) ([]generic.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE tenant_id = ? ORDER BY created_at ASC, id ASC`, tenantID)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Card{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	card, err := getCard(ctx, sqlTx, change.TenantID, change.CardID)
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

	_, err = sqlTx.ExecContext(ctx,
		`UPDATE cards SET status = ?, customer_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		card.Status, card.CustomerID, formatTime(card.UpdatedAt), card.ID, change.From)
	if err != nil {
		return generic.Card{}, fmt.Errorf("failed to update card: %w", err)
	}
	return card, sqlTx.Commit()
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

const customerColumns = `id, tenant_id, name, phone, email, tier, total_spend, created_at, updated_at`

func (s *Store) SaveCustomer(ctx context.Context, c generic.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Phone, c.Email, c.Tier, c.TotalSpend,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrCustomerExists
		}
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID generic.TenantID, customerID generic.CustomerID) (generic.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c                    generic.Customer
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? AND id = ?`, tenantID, customerID,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Tier, &c.TotalSpend, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Customer{}, generic.ErrCustomerNotFound
	}
	if err != nil {
		return generic.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (s *Store) CompareAndSetTier(ctx context.Context, tenantID generic.TenantID, customerID generic.CustomerID, from, to generic.Tier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET tier = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND tier = ?`,
		to, formatTime(s.now()), tenantID, customerID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update tier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM customers WHERE tenant_id = ? AND id = ?`, tenantID, customerID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, generic.ErrCustomerNotFound
	}
	return false, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const transactionColumns = `id, tenant_id, card_id, customer_id, store_id, tx_type, category, amount, cashback,
	balance_before, balance_after, sequence, pending_payment_id, note, created_at`

// Mutate applies the balance delta and appends the ledger entry in one
// database transaction, together with the optional spend increment and
// pending payment settlement.
func (s *Store) Mutate(ctx context.Context, m generic.Mutation) (generic.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return generic.MutationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.At
	if now.IsZero() {
		now = s.now()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.MutationResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	card, err := getCard(ctx, sqlTx, m.TenantID, m.CardID)
	if err != nil {
		return generic.MutationResult{}, err
	}

	var pending generic.PendingPayment
	if m.Settles != nil {
		if pending, err = settlementPending(ctx, sqlTx, *m.Settles); err != nil {
			return generic.MutationResult{}, err
		}
		settled, err := generic.CheckSettlement(pending, m, now)
		if err != nil {
			return generic.MutationResult{}, err
		}
		if settled {
			existing, err := getTransaction(ctx, sqlTx, m.TenantID, pending.TransactionID)
			if err != nil {
				return generic.MutationResult{}, err
			}
			return generic.MutationResult{Transaction: existing, NewBalance: card.Balance}, nil
		}
	}

	tx, err := m.Apply(card, now)
	if err != nil {
		return generic.MutationResult{}, err
	}

	res, err := sqlTx.ExecContext(ctx,
		`UPDATE cards SET balance = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		tx.BalanceAfter, tx.Sequence, formatTime(now), card.ID, card.Version)
	if err != nil {
		return generic.MutationResult{}, fmt.Errorf("failed to update card balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
	}

	if err := insertTransaction(ctx, sqlTx, tx); err != nil {
		return generic.MutationResult{}, err
	}

	result := generic.MutationResult{Transaction: tx, NewBalance: tx.BalanceAfter, Applied: true}

	if m.SpendIncrement > 0 && card.HasCustomer() {
		var spend generic.Cents
		err := sqlTx.QueryRowContext(ctx,
			`SELECT total_spend FROM customers WHERE tenant_id = ? AND id = ?`,
			card.TenantID, card.CustomerID,
		).Scan(&spend)
		if errors.Is(err, sql.ErrNoRows) {
			return generic.MutationResult{}, generic.ErrCustomerNotFound
		}
		if err != nil {
			return generic.MutationResult{}, fmt.Errorf("failed to read customer spend: %w", err)
		}
		if spend, err = generic.AddCents("spend_increment", spend, m.SpendIncrement); err != nil {
			return generic.MutationResult{}, err
		}
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE customers SET total_spend = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
			spend, formatTime(now), card.TenantID, card.CustomerID,
		); err != nil {
			return generic.MutationResult{}, fmt.Errorf("failed to update customer spend: %w", err)
		}
		result.CustomerTotalSpend = spend
	}

	if m.Settles != nil {
		res, err := sqlTx.ExecContext(ctx,
			`UPDATE pending_payments SET status = ?, transaction_id = ?, updated_at = ?, resolved_at = ?
			 WHERE external_reference = ? AND status IN (?, ?)`,
			generic.PendingCompleted, tx.ID, formatTime(now), formatTime(now),
			pending.ExternalReference, generic.PendingOpen, generic.PendingFailed)
		if err != nil {
			return generic.MutationResult{}, fmt.Errorf("failed to settle pending payment: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return generic.MutationResult{}, generic.ErrConcurrentMutationConflict
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return generic.MutationResult{}, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return result, nil
}

func insertTransaction(ctx context.Context, q querier, tx generic.Transaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TenantID, tx.CardID, tx.CustomerID, tx.StoreID, tx.Type, tx.Category,
		tx.Amount, tx.Cashback, tx.BalanceBefore, tx.BalanceAfter, tx.Sequence,
		tx.PendingPaymentID, tx.Note, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrConcurrentMutationConflict
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Transactions returns the card's ledger ordered by sequence.
func (s *Store) Transactions(ctx context.Context, tenantID generic.TenantID, cardID generic.CardID) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getCard(ctx, s.db, tenantID, cardID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = ? AND card_id = ? ORDER BY sequence ASC`,
		tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, tenantID, id)
}

func getTransaction(ctx context.Context, q querier, tenantID generic.TenantID, id generic.TransactionID) (generic.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return tx, err
}

// =============================================================================
// PENDING PAYMENT STORE
// =============================================================================

const pendingColumns = `id, tenant_id, external_reference, card_id, customer_id, amount, purpose, category,
	status, description, expires_at, transaction_id, created_at, updated_at, resolved_at`

func (s *Store) CreatePending(ctx context.Context, p generic.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_payments (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.ExternalReference, p.CardID, p.CustomerID, p.Amount, p.Purpose, p.Category,
		p.Status, p.Description, formatTime(p.ExpiresAt), p.TransactionID,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.ResolvedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateExternalReference
		}
		return fmt.Errorf("failed to create pending payment: %w", err)
	}
	return nil
}

func (s *Store) GetPending(ctx context.Context, tenantID generic.TenantID, id generic.PendingPaymentID) (generic.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanPendingRow(row)
}

func (s *Store) GetPendingByReference(ctx context.Context, reference string) (generic.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingByReference(ctx, s.db, reference)
}

func pendingByReference(ctx context.Context, q querier, reference string) (generic.PendingPayment, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments WHERE external_reference = ?`, reference)
	return scanPendingRow(row)
}

func settlementPending(ctx context.Context, q querier, st generic.Settlement) (generic.PendingPayment, error) {
	if st.ExternalReference != "" {
		return pendingByReference(ctx, q, st.ExternalReference)
	}
	row := q.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_payments WHERE id = ?`, st.PendingPaymentID)
	return scanPendingRow(row)
}

func (s *Store) TransitionPending(ctx context.Context, t generic.PendingTransition) (generic.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.PendingPayment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	p, err := pendingByReference(ctx, sqlTx, t.Reference)
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
	_, err = sqlTx.ExecContext(ctx,
		`UPDATE pending_payments SET status = ?, updated_at = ?, resolved_at = ? WHERE external_reference = ?`,
		p.Status, formatTime(p.UpdatedAt), nullTime(p.ResolvedAt), p.ExternalReference)
	if err != nil {
		return generic.PendingPayment{}, fmt.Errorf("failed to transition pending payment: %w", err)
	}
	return p, sqlTx.Commit()
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]generic.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_payments
		 WHERE status = ? AND expires_at <= ?
		 ORDER BY expires_at ASC LIMIT ?`,
		generic.PendingOpen, formatTime(now), limit)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := rewards.RuleSet{TenantID: tenantID}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, rate_bps, active FROM cashback_rules WHERE tenant_id = ? ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query cashback rules: %w", err)
	}
	for rows.Next() {
		var r rewards.CashbackRule
		if err := rows.Scan(&r.Category, &r.RateBps, &r.Active); err != nil {
			rows.Close()
			return rs, err
		}
		rs.Cashback = append(rs.Cashback, r)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT tier, min_total_spend, bonus_bps, active FROM tier_rules WHERE tenant_id = ? ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query tier rules: %w", err)
	}
	for rows.Next() {
		var r rewards.TierRule
		if err := rows.Scan(&r.Tier, &r.MinTotalSpend, &r.BonusBps, &r.Active); err != nil {
			rows.Close()
			return rs, err
		}
		rs.Tiers = append(rs.Tiers, r)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, name, bonus_bps, start_at, end_at, active FROM offers WHERE tenant_id = ? ORDER BY position`, tenantID)
	if err != nil {
		return rs, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o          rewards.Offer
			start, end string
		)
		if err := rows.Scan(&o.ID, &o.Name, &o.BonusBps, &start, &end, &o.Active); err != nil {
			return rs, err
		}
		o.StartAt = parseTime(start)
		o.EndAt = parseTime(end)
		rs.Offers = append(rs.Offers, o)
	}
	return rs, rows.Err()
}

// ReplaceRuleSet swaps the tenant's whole configuration in one transaction.
func (s *Store) ReplaceRuleSet(ctx context.Context, rules rewards.RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range []string{"cashback_rules", "tier_rules", "offers"} {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenant_id = ?", rules.TenantID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for i, r := range rules.Cashback {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO cashback_rules (tenant_id, position, category, rate_bps, active) VALUES (?, ?, ?, ?, ?)`,
			rules.TenantID, i, r.Category, r.RateBps, r.Active); err != nil {
			return fmt.Errorf("failed to insert cashback rule: %w", err)
		}
	}
	for i, r := range rules.Tiers {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO tier_rules (tenant_id, position, tier, min_total_spend, bonus_bps, active) VALUES (?, ?, ?, ?, ?, ?)`,
			rules.TenantID, i, r.Tier, r.MinTotalSpend, r.BonusBps, r.Active); err != nil {
			return fmt.Errorf("failed to insert tier rule: %w", err)
		}
	}
	for i, o := range rules.Offers {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO offers (tenant_id, position, id, name, bonus_bps, start_at, end_at, active) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rules.TenantID, i, o.ID, o.Name, o.BonusBps, formatTime(o.StartAt), formatTime(o.EndAt), o.Active); err != nil {
			return fmt.Errorf("failed to insert offer: %w", err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (generic.Card, error) {
	var (
		c                    generic.Card
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.StoreID, &c.Status, &c.Balance, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan card: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func scanTransaction(row scanner) (generic.Transaction, error) {
	var (
		tx        generic.Transaction
		createdAt string
	)
	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.CardID, &tx.CustomerID, &tx.StoreID, &tx.Type, &tx.Category,
		&tx.Amount, &tx.Cashback, &tx.BalanceBefore, &tx.BalanceAfter, &tx.Sequence,
		&tx.PendingPaymentID, &tx.Note, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

func scanPending(row scanner) (generic.PendingPayment, error) {
	var (
		p                               generic.PendingPayment
		expiresAt, createdAt, updatedAt string
		resolvedAt                      sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.ExternalReference, &p.CardID, &p.CustomerID, &p.Amount, &p.Purpose, &p.Category,
		&p.Status, &p.Description, &expiresAt, &p.TransactionID, &createdAt, &updatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan pending payment: %w", err)
	}
	p.ExpiresAt = parseTime(expiresAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		p.ResolvedAt = &t
	}
	return p, nil
}

func scanPendingRow(row *sql.Row) (generic.PendingPayment, error) {
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.PendingPayment{}, generic.ErrPendingPaymentNotFound
	}
	return p, err
}

// Helper functions

// formatTime stores UTC with fixed-width nanoseconds so text order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
