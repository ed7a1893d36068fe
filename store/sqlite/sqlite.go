/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (ledger.TxStore plus the rewards
  stores) using SQLite. The same patterns apply to PostgreSQL - see
  store/postgres for the pgx implementation.

INTERFACES IMPLEMENTED:
  ledger.TxStore:          Accounts + append-only transaction log
  rewards.RateStore:       Product point rates
  rewards.InvoiceStore:    Processed-invoice idempotency records
  rewards.ReferralStore:   Referral relationships
  rewards.SlabStore:       Slab definitions and evaluations
  rewards.WithdrawalStore: Withdrawal request lifecycle

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement touches point_transactions. The only
  write is the INSERT in appendTransaction.

DECIMALS:
  All money/point columns are TEXT holding decimal strings - never REAL.
  Ordering and range filters that need numeric comparison CAST in SQL;
  arithmetic happens in Go on decimal.Decimal.

CONCURRENCY:
  A sync.RWMutex serializes writers at the process level; SQLite WAL mode
  lets readers proceed. WithTx holds the write lock for the duration of
  the database transaction, and the transactional view runs its reads on
  unexported unlocked helpers against the sql.Tx - it must never call the
  locking public methods while the write lock is held.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/memory: in-memory implementation for tests
  - store/postgres: pgx implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (cached balances + credit settings)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		regular_balance TEXT NOT NULL DEFAULT '0',
		annual_balance TEXT NOT NULL DEFAULT '0',
		regular_earned TEXT NOT NULL DEFAULT '0',
		regular_redeemed TEXT NOT NULL DEFAULT '0',
		annual_earned TEXT NOT NULL DEFAULT '0',
		annual_redeemed TEXT NOT NULL DEFAULT '0',
		credit_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		credit_limit TEXT NOT NULL DEFAULT '0',
		credit_used TEXT NOT NULL DEFAULT '0',
		credit_overdue_days INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_active
		ON accounts(active);

	-- Point transactions (append-only ledger)
	-- seq gives a total order for history paging; rows are never
	-- updated or deleted.
	CREATE TABLE IF NOT EXISTS point_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		pool TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		source TEXT NOT NULL,
		reference_id TEXT,
		reference_type TEXT,
		description TEXT,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	-- History queries (hot path): account, optionally pool, newest first
	CREATE INDEX IF NOT EXISTS idx_point_tx_account_seq
		ON point_transactions(account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_point_tx_account_pool_seq
		ON point_transactions(account_id, pool, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_point_tx_reference
		ON point_transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Product point rates (admin config)
	CREATE TABLE IF NOT EXISTS product_point_rates (
		item_id TEXT PRIMARY KEY,
		points_per_unit TEXT NOT NULL DEFAULT '0',
		annual_eligible BOOLEAN NOT NULL DEFAULT FALSE,
		annual_percent TEXT NOT NULL DEFAULT '0'
	);

	-- Processed invoices (idempotency records, one row per external id)
	CREATE TABLE IF NOT EXISTS processed_invoices (
		external_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		number TEXT NOT NULL,
		date TEXT NOT NULL,
		total TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		regular_points TEXT NOT NULL DEFAULT '0',
		annual_points TEXT NOT NULL DEFAULT '0',
		referral_points TEXT NOT NULL DEFAULT '0',
		settled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Period sums and the credit sweep's oldest-unsettled lookup
	CREATE INDEX IF NOT EXISTS idx_invoices_account_date
		ON processed_invoices(account_id, date);
	CREATE INDEX IF NOT EXISTS idx_invoices_unsettled
		ON processed_invoices(account_id, date)
		WHERE billing_type = 'self' AND settled = FALSE;

	-- Referral relationships
	CREATE TABLE IF NOT EXISTS referral_relationships (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		bill_count INTEGER NOT NULL DEFAULT 0,
		tier_percent TEXT NOT NULL DEFAULT '0.5',
		total_points_paid TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_referrer
		ON referral_relationships(referrer_id);

	-- Slab definitions (admin config)
	CREATE TABLE IF NOT EXISTS slab_definitions (
		id TEXT PRIMARY KEY,
		period_type TEXT NOT NULL,
		min_amount TEXT NOT NULL,
		max_amount TEXT,
		bonus_points TEXT NOT NULL,
		label TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Slab evaluations (idempotency records for the periodic job)
	CREATE TABLE IF NOT EXISTS slab_evaluations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_label TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		total_purchase TEXT NOT NULL,
		slab_id TEXT,
		points_awarded TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		UNIQUE(account_id, period_type, period_label)
	);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TEXT NOT NULL,
		processed_by TEXT,
		processed_at TEXT,
		payment_ref TEXT,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_account
		ON withdrawal_requests(account_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawal_requests(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx. The unlocked helpers
// take it so the transactional view shares their implementation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS (ledger.Store interface)
// =============================================================================

const accountColumns = `id, regular_balance, annual_balance, regular_earned, regular_redeemed,
	       annual_earned, annual_redeemed, credit_enabled, credit_limit, credit_used,
	       credit_overdue_days, active, created_at`

// GetAccount returns the account or ledger.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAccount(ctx, s.db, id)
}

func (s *Store) getAccount(ctx context.Context, q querier, id string) (*ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SaveAccount inserts or updates an account record.
func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveAccount(ctx, s.db, a)
}

func (s *Store) saveAccount(ctx context.Context, q querier, a ledger.Account) error {
	query := `
		INSERT INTO accounts
		(id, regular_balance, annual_balance, regular_earned, regular_redeemed,
		 annual_earned, annual_redeemed, credit_enabled, credit_limit, credit_used,
		 credit_overdue_days, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			credit_enabled = excluded.credit_enabled,
			credit_limit = excluded.credit_limit,
			credit_used = excluded.credit_used,
			active = excluded.active
	`

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, query,
		a.ID,
		a.RegularBalance.String(), a.AnnualBalance.String(),
		a.RegularEarned.String(), a.RegularRedeemed.String(),
		a.AnnualEarned.String(), a.AnnualRedeemed.String(),
		a.CreditEnabled, a.CreditLimit.String(), a.CreditUsed.String(),
		a.CreditOverdueDays, a.Active,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// ListActiveAccounts returns all active accounts, for batch jobs.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listActiveAccounts(ctx, s.db)
}

func (s *Store) listActiveAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE active = TRUE ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateBalance writes the cached balance and lifetime counters for one
// pool, leaving the other pool's columns untouched.
func (s *Store) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateBalance(ctx, s.db, accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func (s *Store) updateBalance(ctx context.Context, q querier, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	var query string
	if pool == ledger.PoolAnnual {
		query = `UPDATE accounts SET annual_balance = ?, annual_earned = ?, annual_redeemed = ? WHERE id = ?`
	} else {
		query = `UPDATE accounts SET regular_balance = ?, regular_earned = ?, regular_redeemed = ? WHERE id = ?`
	}

	res, err := q.ExecContext(ctx, query,
		balance.String(), lifetimeEarned.String(), lifetimeRedeemed.String(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

// UpdateCreditSettings writes the credit fields.
func (s *Store) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET credit_enabled = ?, credit_limit = ?, credit_used = ? WHERE id = ?",
		enabled, limit.String(), used.String(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

// UpdateCreditOverdueDays persists the observed age of the oldest unpaid
// self-billed invoice.
func (s *Store) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET credit_overdue_days = ? WHERE id = ?",
		days, accountID)
	if err != nil {
		return err
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		a                                 ledger.Account
		regBal, annBal                    string
		regEarned, regRedeemed            string
		annEarned, annRedeemed            string
		creditLimit, creditUsed           string
		createdAt                         string
	)

	err := row.Scan(
		&a.ID, &regBal, &annBal, &regEarned, &regRedeemed,
		&annEarned, &annRedeemed, &a.CreditEnabled, &creditLimit, &creditUsed,
		&a.CreditOverdueDays, &a.Active, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.RegularBalance = parseDecimal(regBal)
	a.AnnualBalance = parseDecimal(annBal)
	a.RegularEarned = parseDecimal(regEarned)
	a.RegularRedeemed = parseDecimal(regRedeemed)
	a.AnnualEarned = parseDecimal(annEarned)
	a.AnnualRedeemed = parseDecimal(annRedeemed)
	a.CreditLimit = parseDecimal(creditLimit)
	a.CreditUsed = parseDecimal(creditUsed)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

// =============================================================================
// TRANSACTION LOG (ledger.Store interface)
// =============================================================================

// AppendTransaction adds one row to the ledger. Append-only.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendTransaction(ctx, s.db, tx)
}

func (s *Store) appendTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	query := `
		INSERT INTO point_transactions
		(id, account_id, pool, tx_type, amount, balance_after, source,
		 reference_id, reference_type, description, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		string(tx.Pool),
		string(tx.Type),
		tx.Amount.String(),
		tx.BalanceAfter.String(),
		string(tx.Source),
		nullString(tx.ReferenceID),
		nullString(tx.ReferenceType),
		nullString(tx.Description),
		nullString(tx.ActorID),
		tx.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Transactions returns ledger entries for an account, newest first.
func (s *Store) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transactions(ctx, s.db, accountID, pool, limit, offset)
}

func (s *Store) transactions(ctx context.Context, q querier, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, account_id, pool, tx_type, amount, balance_after, source,
		       reference_id, reference_type, description, actor_id, created_at
		FROM point_transactions
		WHERE account_id = ?
	`
	args := []any{accountID}
	if pool != nil {
		query += " AND pool = ?"
		args = append(args, string(*pool))
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx                             ledger.Transaction
			amount, balanceAfter           string
			refID, refType, desc, actorID  sql.NullString
			createdAt                      string
		)
		if err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.Pool, &tx.Type, &amount, &balanceAfter,
			&tx.Source, &refID, &refType, &desc, &actorID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = parseDecimal(amount)
		tx.BalanceAfter = parseDecimal(balanceAfter)
		tx.ReferenceID = refID.String
		tx.ReferenceType = refType.String
		tx.Description = desc.String
		tx.ActorID = actorID.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is
// held for the duration, so the view below must stay on the unlocked
// helpers.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txView{tx: sqlTx, parent: s}
	if err := fn(view); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txView routes ledger.Store calls to the open sql.Tx.
type txView struct {
	tx     *sql.Tx
	parent *Store
}

func (v *txView) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return v.parent.getAccount(ctx, v.tx, id)
}

func (v *txView) SaveAccount(ctx context.Context, a ledger.Account) error {
	return v.parent.saveAccount(ctx, v.tx, a)
}

func (v *txView) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	return v.parent.listActiveAccounts(ctx, v.tx)
}

func (v *txView) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	return v.parent.updateBalance(ctx, v.tx, accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func (v *txView) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	res, err := v.tx.ExecContext(ctx,
		"UPDATE accounts SET credit_enabled = ?, credit_limit = ?, credit_used = ? WHERE id = ?",
		enabled, limit.String(), used.String(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

func (v *txView) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	res, err := v.tx.ExecContext(ctx,
		"UPDATE accounts SET credit_overdue_days = ? WHERE id = ?", days, accountID)
	if err != nil {
		return err
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

func (v *txView) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return v.parent.appendTransaction(ctx, v.tx, tx)
}

func (v *txView) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	return v.parent.transactions(ctx, v.tx, accountID, pool, limit, offset)
}

// =============================================================================
// PRODUCT POINT RATES (rewards.RateStore interface)
// =============================================================================

// GetProductRate returns the rate for an item, or (nil, nil) when absent.
func (s *Store) GetProductRate(ctx context.Context, itemID string) (*rewards.ProductPointRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                    rewards.ProductPointRate
		perUnit, annualPct   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT item_id, points_per_unit, annual_eligible, annual_percent FROM product_point_rates WHERE item_id = ?",
		itemID,
	).Scan(&r.ItemID, &perUnit, &r.AnnualEligible, &annualPct)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.PointsPerUnit = parseDecimal(perUnit)
	r.AnnualPercent = parseDecimal(annualPct)
	return &r, nil
}

// SaveProductRate inserts or updates a rate.
func (s *Store) SaveProductRate(ctx context.Context, rate rewards.ProductPointRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO product_point_rates (item_id, points_per_unit, annual_eligible, annual_percent)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			points_per_unit = excluded.points_per_unit,
			annual_eligible = excluded.annual_eligible,
			annual_percent = excluded.annual_percent
	`
	_, err := s.db.ExecContext(ctx, query,
		rate.ItemID, rate.PointsPerUnit.String(), rate.AnnualEligible, rate.AnnualPercent.String())
	return err
}

// =============================================================================
// PROCESSED INVOICES (rewards.InvoiceStore interface)
// =============================================================================

const invoiceColumns = `external_id, account_id, number, date, total, billing_type,
	       regular_points, annual_points, referral_points, settled, created_at`

// GetProcessedInvoice returns the record for an external invoice id, or
// (nil, nil) when the invoice has never been processed.
func (s *Store) GetProcessedInvoice(ctx context.Context, externalID string) (*rewards.ProcessedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM processed_invoices WHERE external_id = ?", externalID)

	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// RecordProcessedInvoice writes the idempotency record. Fails on a
// duplicate external id.
func (s *Store) RecordProcessedInvoice(ctx context.Context, inv rewards.ProcessedInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO processed_invoices
		(external_id, account_id, number, date, total, billing_type,
		 regular_points, annual_points, referral_points, settled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ExternalID, inv.AccountID, inv.Number,
		inv.Date.Format(time.RFC3339),
		inv.Total.String(), string(inv.BillingType),
		inv.RegularPoints.String(), inv.AnnualPoints.String(), inv.ReferralPoints.String(),
		inv.Settled, inv.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("invoice %s already processed", inv.ExternalID)
		}
		return fmt.Errorf("failed to record processed invoice: %w", err)
	}
	return nil
}

// SumInvoiceTotals sums invoice totals for an account with invoice date
// in [from, to). Summed in Go to keep decimal precision.
func (s *Store) SumInvoiceTotals(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT total FROM processed_invoices WHERE account_id = ? AND date >= ? AND date < ?",
		accountID, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(parseDecimal(t))
	}
	return total, rows.Err()
}

// OldestUnsettledSelfInvoice returns the account's oldest self-billed
// invoice not yet marked settled, or (nil, nil) when there is none.
func (s *Store) OldestUnsettledSelfInvoice(ctx context.Context, accountID string) (*rewards.ProcessedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+` FROM processed_invoices
		 WHERE account_id = ? AND billing_type = 'self' AND settled = FALSE
		 ORDER BY date ASC LIMIT 1`, accountID)

	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// MarkInvoiceSettled flips the settled flag.
func (s *Store) MarkInvoiceSettled(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE processed_invoices SET settled = TRUE WHERE external_id = ?", externalID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("invoice %s not found", externalID))
}

func scanInvoice(row rowScanner) (*rewards.ProcessedInvoice, error) {
	var (
		inv                       rewards.ProcessedInvoice
		date, createdAt           string
		total, regular, annual    string
		referral                  string
	)
	err := row.Scan(
		&inv.ExternalID, &inv.AccountID, &inv.Number, &date, &total, &inv.BillingType,
		&regular, &annual, &referral, &inv.Settled, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Date, _ = time.Parse(time.RFC3339, date)
	inv.Total = parseDecimal(total)
	inv.RegularPoints = parseDecimal(regular)
	inv.AnnualPoints = parseDecimal(annual)
	inv.ReferralPoints = parseDecimal(referral)
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &inv, nil
}

// =============================================================================
// REFERRALS (rewards.ReferralStore interface)
// =============================================================================

// GetReferralByReferred returns the relationship where the given account
// is the referred party, or (nil, nil) when there is none.
func (s *Store) GetReferralByReferred(ctx context.Context, referredID string) (*rewards.ReferralRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rel                 rewards.ReferralRelationship
		tierPct, totalPaid  string
		createdAt           string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, referrer_id, referred_id, bill_count, tier_percent, total_points_paid, active, created_at
		 FROM referral_relationships WHERE referred_id = ?`, referredID,
	).Scan(&rel.ID, &rel.ReferrerID, &rel.ReferredID, &rel.BillCount,
		&tierPct, &totalPaid, &rel.Active, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rel.TierPercent = parseDecimal(tierPct)
	rel.TotalPointsPaid = parseDecimal(totalPaid)
	rel.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rel, nil
}

// SaveReferral inserts or updates a relationship.
func (s *Store) SaveReferral(ctx context.Context, rel rewards.ReferralRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO referral_relationships
		(id, referrer_id, referred_id, bill_count, tier_percent, total_points_paid, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bill_count = excluded.bill_count,
			tier_percent = excluded.tier_percent,
			total_points_paid = excluded.total_points_paid,
			active = excluded.active
	`

	createdAt := rel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		rel.ID, rel.ReferrerID, rel.ReferredID, rel.BillCount,
		rel.TierPercent.String(), rel.TotalPointsPaid.String(), rel.Active,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// SLABS (rewards.SlabStore interface)
// =============================================================================

// ListSlabDefinitions returns active definitions for a period type,
// MinAmount descending.
func (s *Store) ListSlabDefinitions(ctx context.Context, periodType rewards.PeriodType) ([]rewards.SlabDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period_type, min_amount, max_amount, bonus_points, label, active
		 FROM slab_definitions
		 WHERE active = TRUE AND period_type = ?
		 ORDER BY CAST(min_amount AS REAL) DESC`, string(periodType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []rewards.SlabDefinition
	for rows.Next() {
		var (
			def                rewards.SlabDefinition
			minAmt, bonus      string
			maxAmt             sql.NullString
		)
		if err := rows.Scan(&def.ID, &def.PeriodType, &minAmt, &maxAmt, &bonus, &def.Label, &def.Active); err != nil {
			return nil, err
		}
		def.MinAmount = parseDecimal(minAmt)
		def.BonusPoints = parseDecimal(bonus)
		if maxAmt.Valid {
			m := parseDecimal(maxAmt.String)
			def.MaxAmount = &m
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SaveSlabDefinition inserts or updates a definition.
func (s *Store) SaveSlabDefinition(ctx context.Context, def rewards.SlabDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxAmt *string
	if def.MaxAmount != nil {
		m := def.MaxAmount.String()
		maxAmt = &m
	}

	query := `
		INSERT INTO slab_definitions (id, period_type, min_amount, max_amount, bonus_points, label, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			period_type = excluded.period_type,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			bonus_points = excluded.bonus_points,
			label = excluded.label,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		def.ID, string(def.PeriodType), def.MinAmount.String(), maxAmt,
		def.BonusPoints.String(), def.Label, def.Active)
	return err
}

// GetSlabEvaluation returns the evaluation record, or (nil, nil) when the
// period has not been evaluated for the account.
func (s *Store) GetSlabEvaluation(ctx context.Context, accountID string, periodType rewards.PeriodType, label string) (*rewards.SlabEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		eval                    rewards.SlabEvaluation
		start, end, createdAt   string
		total, awarded          string
		slabID                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, period_type, period_label, period_start, period_end,
		        total_purchase, slab_id, points_awarded, created_at
		 FROM slab_evaluations
		 WHERE account_id = ? AND period_type = ? AND period_label = ?`,
		accountID, string(periodType), label,
	).Scan(&eval.ID, &eval.AccountID, &eval.PeriodType, &eval.PeriodLabel,
		&start, &end, &total, &slabID, &awarded, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	eval.PeriodStart, _ = time.Parse(time.RFC3339, start)
	eval.PeriodEnd, _ = time.Parse(time.RFC3339, end)
	eval.TotalPurchase = parseDecimal(total)
	eval.PointsAwarded = parseDecimal(awarded)
	if slabID.Valid {
		id := slabID.String
		eval.SlabID = &id
	}
	eval.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &eval, nil
}

// RecordSlabEvaluation writes the idempotency record. Fails on a
// duplicate (account, period type, label).
func (s *Store) RecordSlabEvaluation(ctx context.Context, eval rewards.SlabEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var slabID *string
	if eval.SlabID != nil {
		id := *eval.SlabID
		slabID = &id
	}

	query := `
		INSERT INTO slab_evaluations
		(id, account_id, period_type, period_label, period_start, period_end,
		 total_purchase, slab_id, points_awarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		eval.ID, eval.AccountID, string(eval.PeriodType), eval.PeriodLabel,
		eval.PeriodStart.Format(time.RFC3339), eval.PeriodEnd.Format(time.RFC3339),
		eval.TotalPurchase.String(), slabID, eval.PointsAwarded.String(),
		eval.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("slab evaluation %s/%s/%s already recorded",
				eval.AccountID, eval.PeriodType, eval.PeriodLabel)
		}
		return fmt.Errorf("failed to record slab evaluation: %w", err)
	}
	return nil
}

// =============================================================================
// WITHDRAWALS (rewards.WithdrawalStore interface)
// =============================================================================

const withdrawalColumns = `id, account_id, pool, amount, status, requested_at,
	       processed_by, processed_at, payment_ref, notes`

// CreateWithdrawal inserts a new pending request.
func (s *Store) CreateWithdrawal(ctx context.Context, w rewards.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO withdrawal_requests
		(id, account_id, pool, amount, status, requested_at, processed_by, processed_at, payment_ref, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var processedAt *string
	if w.ProcessedAt != nil {
		t := w.ProcessedAt.Format(time.RFC3339)
		processedAt = &t
	}

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.AccountID, string(w.Pool), w.Amount.String(), string(w.Status),
		w.RequestedAt.Format(time.RFC3339),
		nullString(w.ProcessedBy), processedAt,
		nullString(w.PaymentRef), nullString(w.Notes),
	)
	return err
}

// GetWithdrawal returns a request by id, or (nil, nil) when unknown.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*rewards.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawal_requests WHERE id = ?", id)

	w, err := scanWithdrawal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// TransitionWithdrawal conditionally moves a request between statuses.
// The WHERE status guard is the cross-process single-transition backstop.
func (s *Store) TransitionWithdrawal(ctx context.Context, id string, from, to rewards.WithdrawalStatus, processedBy string, processedAt time.Time, paymentRef, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE withdrawal_requests
		 SET status = ?, processed_by = ?, processed_at = ?, payment_ref = ?, notes = ?
		 WHERE id = ? AND status = ?`,
		string(to), processedBy, processedAt.Format(time.RFC3339),
		nullString(paymentRef), nullString(notes),
		id, string(from))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM withdrawal_requests WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return rewards.ErrWithdrawalNotFound
		}
		return rewards.ErrInvalidWithdrawalState
	}
	return nil
}

// ListWithdrawals returns requests, optionally filtered, newest first.
func (s *Store) ListWithdrawals(ctx context.Context, accountID string, status rewards.WithdrawalStatus) ([]rewards.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + withdrawalColumns + " FROM withdrawal_requests WHERE 1=1"
	var args []any
	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY requested_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rewards.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWithdrawal(row rowScanner) (*rewards.WithdrawalRequest, error) {
	var (
		w                               rewards.WithdrawalRequest
		amount, requestedAt             string
		processedBy, processedAt        sql.NullString
		paymentRef, notes               sql.NullString
	)
	err := row.Scan(
		&w.ID, &w.AccountID, &w.Pool, &amount, &w.Status, &requestedAt,
		&processedBy, &processedAt, &paymentRef, &notes,
	)
	if err != nil {
		return nil, err
	}
	w.Amount = parseDecimal(amount)
	w.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	w.ProcessedBy = processedBy.String
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339, processedAt.String)
		w.ProcessedAt = &t
	}
	w.PaymentRef = paymentRef.String
	w.Notes = notes.String
	return &w, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
