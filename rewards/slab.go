/*
slab.go - Periodic purchase-volume bonus job

PURPOSE:
  Once per closed period (a calendar month or quarter) every active
  account's invoice totals are summed and matched against the configured
  slab bands; the matching band's bonus lands in the ANNUAL pool.

IDEMPOTENCY:
  One SlabEvaluation row per (account, period type, period label) is the
  guard - the job re-runs safely after a crash. The row is written even
  when no band matches (SlabID nil, zero points), so the account is never
  re-evaluated for that period.

PERIOD LABELS:
  "2025-07" names July 2025, "2025-Q3" names the third quarter. Bounds
  are [start, end) half-open in UTC.

FAILURE ISOLATION:
  A failing account is logged and skipped; one bad account must not block
  the rest of the batch.
*/
package rewards

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

// SlabEvaluator runs the periodic purchase-volume bonus.
type SlabEvaluator struct {
	Ledger   *ledger.Service
	Accounts ledger.Store
	Invoices InvoiceStore
	Slabs    SlabStore
}

// SlabSummary reports one run of the job.
type SlabSummary struct {
	PeriodType PeriodType
	Label      string
	Evaluated  int // accounts evaluated this run (skips not counted)
	Awarded    int // accounts that matched a band with positive points
	Failed     int // accounts skipped due to errors
}

// PeriodBounds parses a period label into its half-open [start, end) UTC
// window. Monthly labels are "YYYY-MM", quarterly labels are "YYYY-Qn"
// with n in 1..4.
func PeriodBounds(periodType PeriodType, label string) (time.Time, time.Time, error) {
	switch periodType {
	case PeriodMonthly:
		start, err := time.ParseInLocation("2006-01", label, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadPeriodLabel, label)
		}
		return start, start.AddDate(0, 1, 0), nil

	case PeriodQuarterly:
		parts := strings.SplitN(label, "-Q", 2)
		if len(parts) != 2 || len(parts[0]) != 4 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadPeriodLabel, label)
		}
		year, yerr := strconv.Atoi(parts[0])
		quarter, qerr := strconv.Atoi(parts[1])
		if yerr != nil || qerr != nil || quarter < 1 || quarter > 4 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadPeriodLabel, label)
		}
		start := time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0), nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period type %q", periodType)
	}
}

// Evaluate runs the bonus for one closed period across all active accounts.
func (e *SlabEvaluator) Evaluate(ctx context.Context, periodType PeriodType, label string) (*SlabSummary, error) {
	start, end, err := PeriodBounds(periodType, label)
	if err != nil {
		return nil, err
	}

	defs, err := e.Slabs.ListSlabDefinitions(ctx, periodType)
	if err != nil {
		return nil, err
	}

	accounts, err := e.Accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	summary := &SlabSummary{PeriodType: periodType, Label: label}
	for _, acct := range accounts {
		awarded, err := e.evaluateAccount(ctx, acct.ID, periodType, label, start, end, defs)
		if err != nil {
			log.Printf("[SlabJob] account %s period %s: %v", acct.ID, label, err)
			summary.Failed++
			continue
		}
		if awarded < 0 {
			continue // already evaluated in a previous run
		}
		summary.Evaluated++
		summary.Awarded += awarded
	}
	return summary, nil
}

// evaluateAccount handles one account. Returns -1 when the period was
// already evaluated, 1 when a positive bonus was credited, 0 otherwise.
func (e *SlabEvaluator) evaluateAccount(ctx context.Context, accountID string, periodType PeriodType, label string, start, end time.Time, defs []SlabDefinition) (int, error) {
	prior, err := e.Slabs.GetSlabEvaluation(ctx, accountID, periodType, label)
	if err != nil {
		return 0, err
	}
	if prior != nil {
		return -1, nil
	}

	total, err := e.Invoices.SumInvoiceTotals(ctx, accountID, start, end)
	if err != nil {
		return 0, err
	}

	var matched *SlabDefinition
	for i := range defs {
		if defs[i].Contains(total) {
			matched = &defs[i]
			break // definitions come back min-descending, first hit wins
		}
	}

	eval := SlabEvaluation{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		PeriodType:    periodType,
		PeriodLabel:   label,
		PeriodStart:   start,
		PeriodEnd:     end,
		TotalPurchase: total,
		PointsAwarded: decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}

	awarded := 0
	if matched != nil {
		eval.SlabID = &matched.ID
	}
	if matched != nil && matched.BonusPoints.IsPositive() {
		if _, err := e.Ledger.Credit(ctx, ledger.Entry{
			AccountID:     accountID,
			Pool:          ledger.PoolAnnual,
			Amount:        matched.BonusPoints,
			Source:        periodType.Source(),
			ReferenceID:   eval.ID,
			ReferenceType: "slab_evaluation",
			Description:   fmt.Sprintf("%s slab bonus for %s (%s)", periodType, label, matched.Label),
			ActorID:       "system",
		}); err != nil {
			return 0, err
		}
		eval.PointsAwarded = matched.BonusPoints
		awarded = 1
	}

	if err := e.Slabs.RecordSlabEvaluation(ctx, eval); err != nil {
		return 0, fmt.Errorf("failed to record slab evaluation: %w", err)
	}
	return awarded, nil
}
