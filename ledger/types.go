/*
Package ledger provides the core points ledger engine.

PURPOSE:
  This package contains the domain-agnostic heart of the loyalty system:
  per-account point pools, an append-only transaction log, and a cached
  balance that is always reconcilable against that log. Every other
  component (invoice processing, slab bonuses, credit sweeps, withdrawals)
  mutates state exclusively through this package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pool: one of two independent balances per account (regular / annual)
  - Transaction: an immutable ledger entry with a signed amount and the
    balance that resulted from it
  - Account: the participant record carrying cached balances, lifetime
    counters and credit settings
  - Entry: the input to a single Credit/Debit mutation

DESIGN PRINCIPLES:
  1. Immutability: transactions are never updated or deleted
  2. Precision: decimal.Decimal everywhere, no floating-point money
  3. Reconcilability: for any account+pool, the sum of signed transaction
     amounts always equals the cached balance on the account

SEE ALSO:
  - ledger.go: the Service performing atomic read-modify-write mutations
  - store.go: persistence interface
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POOLS - Two independent balances per account
// =============================================================================

// Pool identifies which of the two point balances a mutation targets.
type Pool string

const (
	PoolRegular Pool = "regular"
	PoolAnnual  Pool = "annual"
)

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool { return p == PoolRegular || p == PoolAnnual }

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// TxType is the direction of a ledger entry.
type TxType string

const (
	TxEarn  TxType = "earn"
	TxDebit TxType = "debit"
)

// Source tags where a mutation originated. Every ledger entry carries one.
type Source string

const (
	SourceSelfBilling     Source = "self_billing"
	SourceCustomerBilling Source = "customer_billing"
	SourceReferral        Source = "referral"
	SourceAttendance      Source = "attendance"
	SourceMonthlySlab     Source = "monthly_slab"
	SourceQuarterlySlab   Source = "quarterly_slab"
	SourceWithdrawal      Source = "withdrawal"
	SourceCreditDebit     Source = "credit_debit"
	SourceAdminAdjust     Source = "admin_adjustment"
)

// Transaction is one row of the append-only log. Amount is signed: positive
// for earns, negative for debits. BalanceAfter is the pool balance that
// resulted from applying this entry.
type Transaction struct {
	ID            string
	AccountID     string
	Pool          Pool
	Type          TxType
	Amount        decimal.Decimal
	BalanceAfter  decimal.Decimal
	Source        Source
	ReferenceID   string
	ReferenceType string
	Description   string
	ActorID       string
	CreatedAt     time.Time
}

// =============================================================================
// ACCOUNT - Participant record with cached balances
// =============================================================================

// Account holds the cached pool balances plus lifetime counters and credit
// settings. Created on registration (external), never deleted. Balances are
// written only by the ledger Service; credit settings only by the external
// admin surface.
type Account struct {
	ID string

	RegularBalance  decimal.Decimal
	AnnualBalance   decimal.Decimal
	RegularEarned   decimal.Decimal
	RegularRedeemed decimal.Decimal
	AnnualEarned    decimal.Decimal
	AnnualRedeemed  decimal.Decimal

	CreditEnabled     bool
	CreditLimit       decimal.Decimal
	CreditUsed        decimal.Decimal
	CreditOverdueDays int

	Active    bool
	CreatedAt time.Time
}

// PoolBalance returns the cached balance for one pool.
func (a *Account) PoolBalance(pool Pool) decimal.Decimal {
	if pool == PoolAnnual {
		return a.AnnualBalance
	}
	return a.RegularBalance
}

// =============================================================================
// ENTRY - Input to a single mutation
// =============================================================================

// Entry describes one credit or debit. Reference fields and ActorID are
// optional audit context.
type Entry struct {
	AccountID     string
	Pool          Pool
	Amount        decimal.Decimal
	Source        Source
	ReferenceID   string
	ReferenceType string
	Description   string
	ActorID       string
}

// =============================================================================
// BALANCE SUMMARY - Read model for callers
// =============================================================================

// BalanceSummary is the user-facing balance view for one account.
type BalanceSummary struct {
	AccountID       string
	Regular         decimal.Decimal
	Annual          decimal.Decimal
	RegularEarned   decimal.Decimal
	RegularRedeemed decimal.Decimal
	AnnualEarned    decimal.Decimal
	AnnualRedeemed  decimal.Decimal
}
