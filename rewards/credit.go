/*
credit.go - Overdue credit recovery sweep

PURPOSE:
  Accounts buying on credit owe the billing system money. When an
  account's oldest unsettled self-billed invoice ages past the overdue
  threshold, the sweep recovers the outstanding credit from the account's
  point balances: regular pool first, then annual.

RECOVERY RULES:
  - Each pool is debited at most min(pool balance, amount still owed);
    the sweep never overdraws and never errors on an empty pool
  - Partial recovery is normal; the remainder stays owed for the next run
  - CreditUsed is NOT reduced here. Settlement against the billing system
    is owned by the external reconciliation; the sweep only moves points
  - CreditOverdueDays is refreshed on every run for every credit account,
    including those not yet past the threshold
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

// DefaultOverdueThresholdDays is the grace period before recovery starts.
const DefaultOverdueThresholdDays = 30

// OverdueSweeper recovers overdue credit from point balances.
type OverdueSweeper struct {
	Ledger   *ledger.Service
	Accounts ledger.Store
	Invoices InvoiceStore

	// OverdueThresholdDays defaults to DefaultOverdueThresholdDays when zero.
	OverdueThresholdDays int

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// SweepResult reports one run of the sweep.
type SweepResult struct {
	Scanned   int // credit-enabled accounts with outstanding credit
	Recovered int // accounts that had points debited this run
	Failed    int // accounts skipped due to errors
	Total     decimal.Decimal
}

// Sweep scans all active credit-enabled accounts and recovers overdue
// credit from their point balances. A failing account is logged and
// skipped so it cannot block the batch.
func (s *OverdueSweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	threshold := s.OverdueThresholdDays
	if threshold <= 0 {
		threshold = DefaultOverdueThresholdDays
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}

	accounts, err := s.Accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Total: decimal.Zero}
	for _, acct := range accounts {
		if !acct.CreditEnabled || !acct.CreditUsed.IsPositive() {
			continue
		}
		result.Scanned++

		recovered, err := s.sweepAccount(ctx, acct, threshold, now)
		if err != nil {
			log.Printf("[CreditSweep] account %s: %v", acct.ID, err)
			result.Failed++
			continue
		}
		if recovered.IsPositive() {
			result.Recovered++
			result.Total = result.Total.Add(recovered)
		}
	}
	return result, nil
}

// sweepAccount refreshes the account's overdue-days marker and, past the
// threshold, debits regular then annual points up to the amount owed.
func (s *OverdueSweeper) sweepAccount(ctx context.Context, acct ledger.Account, threshold int, now time.Time) (decimal.Decimal, error) {
	oldest, err := s.Invoices.OldestUnsettledSelfInvoice(ctx, acct.ID)
	if err != nil {
		return decimal.Zero, err
	}

	days := 0
	if oldest != nil {
		days = int(now.Sub(oldest.Date).Hours() / 24)
		if days < 0 {
			days = 0
		}
	}
	if err := s.Accounts.UpdateCreditOverdueDays(ctx, acct.ID, days); err != nil {
		return decimal.Zero, err
	}
	if oldest == nil || days <= threshold {
		return decimal.Zero, nil
	}

	owed := acct.CreditUsed
	recovered := decimal.Zero
	for _, pool := range []ledger.Pool{ledger.PoolRegular, ledger.PoolAnnual} {
		remaining := owed.Sub(recovered)
		if !remaining.IsPositive() {
			break
		}
		available := acct.PoolBalance(pool)
		take := decimal.Min(available, remaining)
		if !take.IsPositive() {
			continue
		}
		if _, err := s.Ledger.Debit(ctx, ledger.Entry{
			AccountID:     acct.ID,
			Pool:          pool,
			Amount:        take,
			Source:        ledger.SourceCreditDebit,
			ReferenceID:   oldest.ExternalID,
			ReferenceType: "invoice",
			Description:   fmt.Sprintf("Overdue credit recovery (invoice %s, %d days)", oldest.Number, days),
			ActorID:       "system",
		}); err != nil {
			// The balance listed at scan time may be stale. A pool that
			// can no longer cover its share is skipped, not fatal.
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				continue
			}
			return recovered, err
		}
		recovered = recovered.Add(take)
	}
	return recovered, nil
}
