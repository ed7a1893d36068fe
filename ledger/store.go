/*
store.go - Persistence interface for accounts and the transaction log

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Implementations keep the transaction table append-only: the only write
  is AppendTransaction, and balance updates touch exactly one pool's
  columns so mutations against different pools never clobber each other.

APPEND-ONLY CONTRACT:
  - AppendTransaction(): the ONLY write to the log
  - NO update or delete of transactions exists anywhere

ATOMICITY:
  Mutations need "load account, append row, update cached balance" to be
  indivisible. TxStore.WithTx provides that: the function runs against a
  transactional view and is committed only if it returns nil.

IMPLEMENTATIONS:
  - store/memory:   in-memory, snapshot-rollback WithTx (tests/dev)
  - store/sqlite:   SQLite with WAL, sql.Tx-backed WithTx
  - store/postgres: pgx pool, SELECT ... FOR UPDATE row locks

SEE ALSO:
  - ledger.go: the Service built on TxStore
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store handles persistence of accounts and ledger transactions.
type Store interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// SaveAccount inserts or updates an account record. Used by the external
	// registration/admin surface, never by ledger mutations (those go through
	// UpdateBalance).
	SaveAccount(ctx context.Context, a Account) error

	// ListActiveAccounts returns all active accounts, for batch jobs.
	ListActiveAccounts(ctx context.Context) ([]Account, error)

	// UpdateBalance writes the cached balance and lifetime counters for ONE
	// pool of an account, leaving the other pool's columns untouched.
	UpdateBalance(ctx context.Context, accountID string, pool Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error

	// UpdateCreditSettings writes the credit fields. Owned by the external
	// admin surface; the engine only reads them.
	UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error

	// UpdateCreditOverdueDays persists the observed age of the oldest unpaid
	// self-billed invoice. Written by the credit sweep for observability.
	UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error

	// AppendTransaction adds one row to the log. Append-only.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns ledger entries for an account, newest first,
	// optionally filtered by pool, paginated by limit/offset.
	Transactions(ctx context.Context, accountID string, pool *Pool, limit, offset int) ([]Transaction, error)
}

// TxStore wraps Store with transaction support. The ledger Service requires
// it so every mutation's read-modify-write cycle commits atomically.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view of the store.
	// If fn returns an error the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
