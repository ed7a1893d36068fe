/*
invoice.go - Idempotent conversion of finalized invoices into point awards

PURPOSE:
  Turns one externally-finalized invoice into ledger credits:
  regular points for the account (customer bills only), annual points
  from annual-eligible line items (both billing types), and a referral
  bonus to the referrer's regular pool when the account was referred.

IDEMPOTENCY:
  The ProcessedInvoice row is the idempotency key. A replayed external
  invoice id returns AlreadyProcessed without touching any balance -
  callers retry freely after timeouts. The row is written only after all
  ledger credits succeed, so a failed credit leaves the invoice eligible
  for retry. Concurrent submissions of the same external id are
  serialized on a per-invoice mutex, so in-flight duplicates see the
  record too.

AWARD RULES:
  - Line items without a configured rate are skipped, not an error
  - customer billing: regular += PointsPerUnit x Quantity
  - either billing:   annual  += LineRevenue x AnnualPercent/100
                       (annual-eligible rates only)
  - pool totals rounded to 2 decimals; zero awards are not credited
  - referral bonus: Invoice.Total x TierPercent(bills)/100, rounded,
    credited to the REFERRER; relationship counters advance even when
    the bonus rounds to zero

SEE ALSO:
  - tier.go: the tier table
  - slab.go: the periodic bonus reading ProcessedInvoice history
*/
package rewards

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

var hundred = decimal.NewFromInt(100)

// InvoiceProcessor converts finalized invoices into ledger entries.
type InvoiceProcessor struct {
	Ledger    *ledger.Service
	Rates     RateStore
	Invoices  InvoiceStore
	Referrals ReferralStore

	mu   sync.Mutex // guards byID
	byID map[string]*sync.Mutex
}

// lockInvoice serializes processing per external invoice id, so two
// concurrent submissions of the same invoice cannot both pass the
// idempotency check.
func (p *InvoiceProcessor) lockInvoice(externalID string) func() {
	p.mu.Lock()
	if p.byID == nil {
		p.byID = make(map[string]*sync.Mutex)
	}
	m, ok := p.byID[externalID]
	if !ok {
		m = &sync.Mutex{}
		p.byID[externalID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// InvoiceResult reports what an invoice earned, or that it had already
// been processed (a normal outcome for retries, not an error).
type InvoiceResult struct {
	AlreadyProcessed bool
	RegularPoints    decimal.Decimal
	AnnualPoints     decimal.Decimal
	ReferralPoints   decimal.Decimal
}

// Process awards points for one finalized invoice.
func (p *InvoiceProcessor) Process(ctx context.Context, accountID string, inv Invoice, billingType BillingType, actorID string) (*InvoiceResult, error) {
	if !billingType.Valid() {
		return nil, fmt.Errorf("invalid billing type %q", billingType)
	}

	unlock := p.lockInvoice(inv.ExternalID)
	defer unlock()

	existing, err := p.Invoices.GetProcessedInvoice(ctx, inv.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &InvoiceResult{AlreadyProcessed: true}, nil
	}

	regular, annual, err := p.lineItemTotals(ctx, inv, billingType)
	if err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("Points for invoice %s", inv.Number)
	if regular.IsPositive() {
		if _, err := p.Ledger.Credit(ctx, ledger.Entry{
			AccountID:     accountID,
			Pool:          ledger.PoolRegular,
			Amount:        regular,
			Source:        billingType.Source(),
			ReferenceID:   inv.ExternalID,
			ReferenceType: "invoice",
			Description:   desc,
			ActorID:       actorID,
		}); err != nil {
			return nil, err
		}
	}
	if annual.IsPositive() {
		if _, err := p.Ledger.Credit(ctx, ledger.Entry{
			AccountID:     accountID,
			Pool:          ledger.PoolAnnual,
			Amount:        annual,
			Source:        billingType.Source(),
			ReferenceID:   inv.ExternalID,
			ReferenceType: "invoice",
			Description:   desc,
			ActorID:       actorID,
		}); err != nil {
			return nil, err
		}
	}

	referral, err := p.awardReferral(ctx, accountID, inv, actorID)
	if err != nil {
		return nil, err
	}

	record := ProcessedInvoice{
		ExternalID:     inv.ExternalID,
		AccountID:      accountID,
		Number:         inv.Number,
		Date:           inv.Date,
		Total:          inv.Total,
		BillingType:    billingType,
		RegularPoints:  regular,
		AnnualPoints:   annual,
		ReferralPoints: referral,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.Invoices.RecordProcessedInvoice(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record processed invoice %s: %w", inv.ExternalID, err)
	}

	return &InvoiceResult{
		RegularPoints:  regular,
		AnnualPoints:   annual,
		ReferralPoints: referral,
	}, nil
}

// lineItemTotals accumulates both pool totals across the invoice lines.
// Items with no configured rate are skipped.
func (p *InvoiceProcessor) lineItemTotals(ctx context.Context, inv Invoice, billingType BillingType) (regular, annual decimal.Decimal, err error) {
	for _, line := range inv.LineItems {
		rate, err := p.Rates.GetProductRate(ctx, line.ItemID)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if rate == nil {
			continue
		}

		if billingType == BillingCustomer {
			regular = regular.Add(rate.PointsPerUnit.Mul(line.Quantity))
		}
		if rate.AnnualEligible {
			annual = annual.Add(line.LineRevenue.Mul(rate.AnnualPercent).Div(hundred))
		}
	}
	return regular.Round(2), annual.Round(2), nil
}

// awardReferral advances the account's referral relationship (if any) and
// credits the referrer. The relationship's counters move even when the
// computed bonus is zero.
func (p *InvoiceProcessor) awardReferral(ctx context.Context, accountID string, inv Invoice, actorID string) (decimal.Decimal, error) {
	rel, err := p.Referrals.GetReferralByReferred(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if rel == nil || !rel.Active {
		return decimal.Zero, nil
	}

	rel.BillCount++
	pct := TierPercent(rel.BillCount)
	bonus := inv.Total.Mul(pct).Div(hundred).Round(2)

	if bonus.IsPositive() {
		if _, err := p.Ledger.Credit(ctx, ledger.Entry{
			AccountID:     rel.ReferrerID,
			Pool:          ledger.PoolRegular,
			Amount:        bonus,
			Source:        ledger.SourceReferral,
			ReferenceID:   inv.ExternalID,
			ReferenceType: "invoice",
			Description:   fmt.Sprintf("Referral bonus for invoice %s", inv.Number),
			ActorID:       actorID,
		}); err != nil {
			return decimal.Zero, err
		}
	}

	rel.TierPercent = pct
	rel.TotalPointsPaid = rel.TotalPointsPaid.Add(bonus)
	if err := p.Referrals.SaveReferral(ctx, *rel); err != nil {
		return decimal.Zero, err
	}
	return bonus, nil
}
