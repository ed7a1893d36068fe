/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces using pgx.

PURPOSE:
  Production store. Implements the same interfaces as store/sqlite but
  leans on database-level concurrency control instead of a process-wide
  mutex: WithTx opens a real transaction and GetAccount inside it takes a
  SELECT ... FOR UPDATE row lock, so concurrent mutations of the same
  account serialize at the database.

DECIMALS:
  Money/point columns are TEXT holding decimal strings, matching the
  sqlite store. Arithmetic happens in Go on decimal.Decimal.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/sqlite: the single-node store sharing the same schema shape
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
	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
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
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS point_transactions (
		seq BIGSERIAL PRIMARY KEY,
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
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_tx_account_seq
		ON point_transactions(account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_point_tx_account_pool_seq
		ON point_transactions(account_id, pool, seq DESC);

	CREATE TABLE IF NOT EXISTS product_point_rates (
		item_id TEXT PRIMARY KEY,
		points_per_unit TEXT NOT NULL DEFAULT '0',
		annual_eligible BOOLEAN NOT NULL DEFAULT FALSE,
		annual_percent TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS processed_invoices (
		external_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		number TEXT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		total TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		regular_points TEXT NOT NULL DEFAULT '0',
		annual_points TEXT NOT NULL DEFAULT '0',
		referral_points TEXT NOT NULL DEFAULT '0',
		settled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_account_date
		ON processed_invoices(account_id, date);
	CREATE INDEX IF NOT EXISTS idx_invoices_unsettled
		ON processed_invoices(account_id, date)
		WHERE billing_type = 'self' AND settled = FALSE;

	CREATE TABLE IF NOT EXISTS referral_relationships (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		bill_count INTEGER NOT NULL DEFAULT 0,
		tier_percent TEXT NOT NULL DEFAULT '0.5',
		total_points_paid TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS slab_definitions (
		id TEXT PRIMARY KEY,
		period_type TEXT NOT NULL,
		min_amount TEXT NOT NULL,
		max_amount TEXT,
		bonus_points TEXT NOT NULL,
		label TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS slab_evaluations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_label TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		total_purchase TEXT NOT NULL,
		slab_id TEXT,
		points_awarded TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(account_id, period_type, period_label)
	);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TIMESTAMPTZ NOT NULL,
		processed_by TEXT,
		processed_at TIMESTAMPTZ,
		payment_ref TEXT,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_account
		ON withdrawal_requests(account_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// ACCOUNTS (ledger.Store interface)
// =============================================================================

const accountColumns = `id, regular_balance, annual_balance, regular_earned, regular_redeemed,
	       annual_earned, annual_redeemed, credit_enabled, credit_limit, credit_used,
	       credit_overdue_days, active, created_at`

// GetAccount returns the account or ledger.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func getAccount(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*ledger.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	a, err := scanAccount(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SaveAccount inserts or updates an account record.
func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	return saveAccount(ctx, s.pool, a)
}

func saveAccount(ctx context.Context, q pgQuerier, a ledger.Account) error {
	query := `
		INSERT INTO accounts
		(id, regular_balance, annual_balance, regular_earned, regular_redeemed,
		 annual_earned, annual_redeemed, credit_enabled, credit_limit, credit_used,
		 credit_overdue_days, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			credit_enabled = EXCLUDED.credit_enabled,
			credit_limit = EXCLUDED.credit_limit,
			credit_used = EXCLUDED.credit_used,
			active = EXCLUDED.active
	`

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := q.Exec(ctx, query,
		a.ID,
		a.RegularBalance.String(), a.AnnualBalance.String(),
		a.RegularEarned.String(), a.RegularRedeemed.String(),
		a.AnnualEarned.String(), a.AnnualRedeemed.String(),
		a.CreditEnabled, a.CreditLimit.String(), a.CreditUsed.String(),
		a.CreditOverdueDays, a.Active, createdAt,
	)
	return err
}

// ListActiveAccounts returns all active accounts, for batch jobs.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listActiveAccounts(ctx, s.pool)
}

func listActiveAccounts(ctx context.Context, q pgQuerier) ([]ledger.Account, error) {
	rows, err := q.Query(ctx,
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

// UpdateBalance writes the cached balance and lifetime counters for one pool.
func (s *Store) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	return updateBalance(ctx, s.pool, accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func updateBalance(ctx context.Context, q pgQuerier, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	var query string
	if pool == ledger.PoolAnnual {
		query = `UPDATE accounts SET annual_balance = $1, annual_earned = $2, annual_redeemed = $3 WHERE id = $4`
	} else {
		query = `UPDATE accounts SET regular_balance = $1, regular_earned = $2, regular_redeemed = $3 WHERE id = $4`
	}

	tag, err := q.Exec(ctx, query,
		balance.String(), lifetimeEarned.String(), lifetimeRedeemed.String(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// UpdateCreditSettings writes the credit fields.
func (s *Store) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	return updateCreditSettings(ctx, s.pool, accountID, enabled, limit, used)
}

func updateCreditSettings(ctx context.Context, q pgQuerier, accountID string, enabled bool, limit, used decimal.Decimal) error {
	tag, err := q.Exec(ctx,
		"UPDATE accounts SET credit_enabled = $1, credit_limit = $2, credit_used = $3 WHERE id = $4",
		enabled, limit.String(), used.String(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// UpdateCreditOverdueDays persists the observed overdue age.
func (s *Store) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	return updateCreditOverdueDays(ctx, s.pool, accountID, days)
}

func updateCreditOverdueDays(ctx context.Context, q pgQuerier, accountID string, days int) error {
	tag, err := q.Exec(ctx,
		"UPDATE accounts SET credit_overdue_days = $1 WHERE id = $2", days, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		a                       ledger.Account
		regBal, annBal          string
		regEarned, regRedeemed  string
		annEarned, annRedeemed  string
		creditLimit, creditUsed string
	)

	err := row.Scan(
		&a.ID, &regBal, &annBal, &regEarned, &regRedeemed,
		&annEarned, &annRedeemed, &a.CreditEnabled, &creditLimit, &creditUsed,
		&a.CreditOverdueDays, &a.Active, &a.CreatedAt,
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
	return &a, nil
}

// =============================================================================
// TRANSACTION LOG (ledger.Store interface)
// =============================================================================

// AppendTransaction adds one row to the ledger. Append-only.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, s.pool, tx)
}

func appendTransaction(ctx context.Context, q pgQuerier, tx ledger.Transaction) error {
	query := `
		INSERT INTO point_transactions
		(id, account_id, pool, tx_type, amount, balance_after, source,
		 reference_id, reference_type, description, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.Exec(ctx, query,
		tx.ID, tx.AccountID, string(tx.Pool), string(tx.Type),
		tx.Amount.String(), tx.BalanceAfter.String(), string(tx.Source),
		nullable(tx.ReferenceID), nullable(tx.ReferenceType),
		nullable(tx.Description), nullable(tx.ActorID),
		tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Transactions returns ledger entries for an account, newest first.
func (s *Store) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.pool, accountID, pool, limit, offset)
}

func queryTransactions(ctx context.Context, q pgQuerier, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, account_id, pool, tx_type, amount, balance_after, source,
		       reference_id, reference_type, description, actor_id, created_at
		FROM point_transactions
		WHERE account_id = $1
	`
	args := []any{accountID}
	if pool != nil {
		query += " AND pool = $2 ORDER BY seq DESC LIMIT $3 OFFSET $4"
		args = append(args, string(*pool), limit, offset)
	} else {
		query += " ORDER BY seq DESC LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx                            ledger.Transaction
			amount, balanceAfter          string
			refID, refType, desc, actorID *string
		)
		if err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.Pool, &tx.Type, &amount, &balanceAfter,
			&tx.Source, &refID, &refType, &desc, &actorID, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = parseDecimal(amount)
		tx.BalanceAfter = parseDecimal(balanceAfter)
		tx.ReferenceID = deref(refID)
		tx.ReferenceType = deref(refType)
		tx.Description = deref(desc)
		tx.ActorID = deref(actorID)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Account reads inside
// the transaction take FOR UPDATE row locks, so concurrent mutations of
// the same account serialize at the database.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txView struct {
	tx pgx.Tx
}

func (v *txView) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return getAccount(ctx, v.tx, id, true)
}

func (v *txView) SaveAccount(ctx context.Context, a ledger.Account) error {
	return saveAccount(ctx, v.tx, a)
}

func (v *txView) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listActiveAccounts(ctx, v.tx)
}

func (v *txView) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	return updateBalance(ctx, v.tx, accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func (v *txView) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	return updateCreditSettings(ctx, v.tx, accountID, enabled, limit, used)
}

func (v *txView) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	return updateCreditOverdueDays(ctx, v.tx, accountID, days)
}

func (v *txView) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, v.tx, tx)
}

func (v *txView) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, v.tx, accountID, pool, limit, offset)
}

// =============================================================================
// PRODUCT POINT RATES (rewards.RateStore interface)
// =============================================================================

// GetProductRate returns the rate for an item, or (nil, nil) when absent.
func (s *Store) GetProductRate(ctx context.Context, itemID string) (*rewards.ProductPointRate, error) {
	var (
		r                  rewards.ProductPointRate
		perUnit, annualPct string
	)
	err := s.pool.QueryRow(ctx,
		"SELECT item_id, points_per_unit, annual_eligible, annual_percent FROM product_point_rates WHERE item_id = $1",
		itemID,
	).Scan(&r.ItemID, &perUnit, &r.AnnualEligible, &annualPct)

	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `
		INSERT INTO product_point_rates (item_id, points_per_unit, annual_eligible, annual_percent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE SET
			points_per_unit = EXCLUDED.points_per_unit,
			annual_eligible = EXCLUDED.annual_eligible,
			annual_percent = EXCLUDED.annual_percent
	`
	_, err := s.pool.Exec(ctx, query,
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
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM processed_invoices WHERE external_id = $1", externalID))
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `
		INSERT INTO processed_invoices
		(external_id, account_id, number, date, total, billing_type,
		 regular_points, annual_points, referral_points, settled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		inv.ExternalID, inv.AccountID, inv.Number, inv.Date,
		inv.Total.String(), string(inv.BillingType),
		inv.RegularPoints.String(), inv.AnnualPoints.String(), inv.ReferralPoints.String(),
		inv.Settled, inv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s already processed", inv.ExternalID)
		}
		return fmt.Errorf("failed to record processed invoice: %w", err)
	}
	return nil
}

// SumInvoiceTotals sums invoice totals for an account with invoice date
// in [from, to). Summed in Go to keep decimal precision.
func (s *Store) SumInvoiceTotals(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT total FROM processed_invoices WHERE account_id = $1 AND date >= $2 AND date < $3",
		accountID, from, to)
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
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+` FROM processed_invoices
		 WHERE account_id = $1 AND billing_type = 'self' AND settled = FALSE
		 ORDER BY date ASC LIMIT 1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// MarkInvoiceSettled flips the settled flag.
func (s *Store) MarkInvoiceSettled(ctx context.Context, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE processed_invoices SET settled = TRUE WHERE external_id = $1", externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice %s not found", externalID)
	}
	return nil
}

func scanInvoice(row pgx.Row) (*rewards.ProcessedInvoice, error) {
	var (
		inv                    rewards.ProcessedInvoice
		total, regular, annual string
		referral               string
	)
	err := row.Scan(
		&inv.ExternalID, &inv.AccountID, &inv.Number, &inv.Date, &total, &inv.BillingType,
		&regular, &annual, &referral, &inv.Settled, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Total = parseDecimal(total)
	inv.RegularPoints = parseDecimal(regular)
	inv.AnnualPoints = parseDecimal(annual)
	inv.ReferralPoints = parseDecimal(referral)
	return &inv, nil
}

// =============================================================================
// REFERRALS (rewards.ReferralStore interface)
// =============================================================================

// GetReferralByReferred returns the relationship where the given account
// is the referred party, or (nil, nil) when there is none.
func (s *Store) GetReferralByReferred(ctx context.Context, referredID string) (*rewards.ReferralRelationship, error) {
	var (
		rel                rewards.ReferralRelationship
		tierPct, totalPaid string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, referrer_id, referred_id, bill_count, tier_percent, total_points_paid, active, created_at
		 FROM referral_relationships WHERE referred_id = $1`, referredID,
	).Scan(&rel.ID, &rel.ReferrerID, &rel.ReferredID, &rel.BillCount,
		&tierPct, &totalPaid, &rel.Active, &rel.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rel.TierPercent = parseDecimal(tierPct)
	rel.TotalPointsPaid = parseDecimal(totalPaid)
	return &rel, nil
}

// SaveReferral inserts or updates a relationship.
func (s *Store) SaveReferral(ctx context.Context, rel rewards.ReferralRelationship) error {
	query := `
		INSERT INTO referral_relationships
		(id, referrer_id, referred_id, bill_count, tier_percent, total_points_paid, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			bill_count = EXCLUDED.bill_count,
			tier_percent = EXCLUDED.tier_percent,
			total_points_paid = EXCLUDED.total_points_paid,
			active = EXCLUDED.active
	`

	createdAt := rel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		rel.ID, rel.ReferrerID, rel.ReferredID, rel.BillCount,
		rel.TierPercent.String(), rel.TotalPointsPaid.String(), rel.Active, createdAt,
	)
	return err
}

// =============================================================================
// SLABS (rewards.SlabStore interface)
// =============================================================================

// ListSlabDefinitions returns active definitions for a period type,
// MinAmount descending.
func (s *Store) ListSlabDefinitions(ctx context.Context, periodType rewards.PeriodType) ([]rewards.SlabDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, period_type, min_amount, max_amount, bonus_points, label, active
		 FROM slab_definitions
		 WHERE active = TRUE AND period_type = $1
		 ORDER BY CAST(min_amount AS NUMERIC) DESC`, string(periodType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []rewards.SlabDefinition
	for rows.Next() {
		var (
			def           rewards.SlabDefinition
			minAmt, bonus string
			maxAmt        *string
		)
		if err := rows.Scan(&def.ID, &def.PeriodType, &minAmt, &maxAmt, &bonus, &def.Label, &def.Active); err != nil {
			return nil, err
		}
		def.MinAmount = parseDecimal(minAmt)
		def.BonusPoints = parseDecimal(bonus)
		if maxAmt != nil {
			m := parseDecimal(*maxAmt)
			def.MaxAmount = &m
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SaveSlabDefinition inserts or updates a definition.
func (s *Store) SaveSlabDefinition(ctx context.Context, def rewards.SlabDefinition) error {
	var maxAmt *string
	if def.MaxAmount != nil {
		m := def.MaxAmount.String()
		maxAmt = &m
	}

	query := `
		INSERT INTO slab_definitions (id, period_type, min_amount, max_amount, bonus_points, label, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			period_type = EXCLUDED.period_type,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			bonus_points = EXCLUDED.bonus_points,
			label = EXCLUDED.label,
			active = EXCLUDED.active
	`
	_, err := s.pool.Exec(ctx, query,
		def.ID, string(def.PeriodType), def.MinAmount.String(), maxAmt,
		def.BonusPoints.String(), def.Label, def.Active)
	return err
}

// GetSlabEvaluation returns the evaluation record, or (nil, nil) when the
// period has not been evaluated for the account.
func (s *Store) GetSlabEvaluation(ctx context.Context, accountID string, periodType rewards.PeriodType, label string) (*rewards.SlabEvaluation, error) {
	var (
		eval           rewards.SlabEvaluation
		total, awarded string
		slabID         *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, period_type, period_label, period_start, period_end,
		        total_purchase, slab_id, points_awarded, created_at
		 FROM slab_evaluations
		 WHERE account_id = $1 AND period_type = $2 AND period_label = $3`,
		accountID, string(periodType), label,
	).Scan(&eval.ID, &eval.AccountID, &eval.PeriodType, &eval.PeriodLabel,
		&eval.PeriodStart, &eval.PeriodEnd, &total, &slabID, &awarded, &eval.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	eval.TotalPurchase = parseDecimal(total)
	eval.PointsAwarded = parseDecimal(awarded)
	eval.SlabID = slabID
	return &eval, nil
}

// RecordSlabEvaluation writes the idempotency record. Fails on a
// duplicate (account, period type, label).
func (s *Store) RecordSlabEvaluation(ctx context.Context, eval rewards.SlabEvaluation) error {
	query := `
		INSERT INTO slab_evaluations
		(id, account_id, period_type, period_label, period_start, period_end,
		 total_purchase, slab_id, points_awarded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		eval.ID, eval.AccountID, string(eval.PeriodType), eval.PeriodLabel,
		eval.PeriodStart, eval.PeriodEnd,
		eval.TotalPurchase.String(), eval.SlabID, eval.PointsAwarded.String(),
		eval.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	query := `
		INSERT INTO withdrawal_requests
		(id, account_id, pool, amount, status, requested_at, processed_by, processed_at, payment_ref, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		w.ID, w.AccountID, string(w.Pool), w.Amount.String(), string(w.Status),
		w.RequestedAt, nullable(w.ProcessedBy), w.ProcessedAt,
		nullable(w.PaymentRef), nullable(w.Notes),
	)
	return err
}

// GetWithdrawal returns a request by id, or (nil, nil) when unknown.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*rewards.WithdrawalRequest, error) {
	w, err := scanWithdrawal(s.pool.QueryRow(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawal_requests WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE withdrawal_requests
		 SET status = $1, processed_by = $2, processed_at = $3, payment_ref = $4, notes = $5
		 WHERE id = $6 AND status = $7`,
		string(to), processedBy, processedAt,
		nullable(paymentRef), nullable(notes),
		id, string(from))
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM withdrawal_requests WHERE id = $1", id).Scan(&exists); err != nil {
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
	query := "SELECT " + withdrawalColumns + " FROM withdrawal_requests WHERE 1=1"
	var args []any
	if accountID != "" {
		args = append(args, accountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY requested_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanWithdrawal(row pgx.Row) (*rewards.WithdrawalRequest, error) {
	var (
		w                        rewards.WithdrawalRequest
		amount                   string
		processedBy              *string
		paymentRef, notes        *string
	)
	err := row.Scan(
		&w.ID, &w.AccountID, &w.Pool, &amount, &w.Status, &w.RequestedAt,
		&processedBy, &w.ProcessedAt, &paymentRef, &notes,
	)
	if err != nil {
		return nil, err
	}
	w.Amount = parseDecimal(amount)
	w.ProcessedBy = deref(processedBy)
	w.PaymentRef = deref(paymentRef)
	w.Notes = deref(notes)
	return &w, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
