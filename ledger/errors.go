/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All ledger-level error types in one place. Domain packages wrap these
  with additional context; HTTP glue maps them to status codes with
  errors.Is.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      // debit exceeded the pool balance; balance is unchanged
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientFunds is returned when a debit exceeds the pool balance.
	// The ledger never lets a pool go negative; the failed debit leaves the
	// balance unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidPool is returned when a mutation names an unknown pool.
	ErrInvalidPool = errors.New("invalid pool")

	// ErrInvalidAmount is returned when a debit amount is zero or negative.
	// (Credits with non-positive amounts are a no-op, not an error.)
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a balance shortage on a specific pool.
type InsufficientFundsError struct {
	AccountID string
	Pool      Pool
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s pool of account %s: available %s, requested %s",
		e.Pool, e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
