/*
Package rewards implements the loyalty components built on the ledger:
invoice point awards, referral bonuses, purchase-volume slab bonuses,
credit-overdue recovery, withdrawals, and attendance awards.

PURPOSE:
  The ledger package knows nothing about invoices, referrals or slabs.
  This package holds those domain rules and funnels every balance change
  through ledger.Service - it never writes balances directly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice/LineItem: the finalized invoice handed over by the billing
    integration (this engine never creates invoices)
  - ProcessedInvoice: the idempotency record, one row per external
    invoice id, written exactly once
  - ReferralRelationship: referrer <- referred link with cumulative
    bill count and the currently applicable tier
  - SlabDefinition/SlabEvaluation: purchase-volume tiers and the
    once-per-period evaluation record
  - WithdrawalRequest: the request/approve/reject/pay state machine row

SEE ALSO:
  - invoice.go, slab.go, credit.go, withdrawal.go: the components
  - store.go: persistence interfaces these components depend on
*/
package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

// =============================================================================
// BILLING
// =============================================================================

// BillingType distinguishes a participant billing themselves from billing
// one of their customers. Regular points are only earned on customer bills.
type BillingType string

const (
	BillingSelf     BillingType = "self"
	BillingCustomer BillingType = "customer"
)

// Valid reports whether b is a known billing type.
func (b BillingType) Valid() bool { return b == BillingSelf || b == BillingCustomer }

// Source returns the ledger source tag for points earned from this billing type.
func (b BillingType) Source() ledger.Source {
	if b == BillingCustomer {
		return ledger.SourceCustomerBilling
	}
	return ledger.SourceSelfBilling
}

// Invoice is the finalized invoice supplied by the billing integration.
type Invoice struct {
	ExternalID string
	Number     string
	Date       time.Time
	Total      decimal.Decimal
	LineItems  []LineItem
}

// LineItem is one invoice line. LineRevenue is the line's total revenue,
// not a unit price.
type LineItem struct {
	ItemID      string
	Quantity    decimal.Decimal
	LineRevenue decimal.Decimal
}

// ProductPointRate is external configuration: how a catalog item earns
// points. PointsPerUnit feeds the regular pool on customer bills;
// AnnualPercent (of line revenue) feeds the annual pool when the item is
// annual-eligible.
type ProductPointRate struct {
	ItemID         string
	PointsPerUnit  decimal.Decimal
	AnnualEligible bool
	AnnualPercent  decimal.Decimal
}

// ProcessedInvoice is the idempotency record for invoice processing: one
// row per external invoice id, created exactly once, award fields never
// updated. The Settled flag is written by the external billing
// reconciliation and only read here (credit sweep).
type ProcessedInvoice struct {
	ExternalID     string
	AccountID      string
	Number         string
	Date           time.Time
	Total          decimal.Decimal
	BillingType    BillingType
	RegularPoints  decimal.Decimal
	AnnualPoints   decimal.Decimal
	ReferralPoints decimal.Decimal
	Settled        bool
	CreatedAt      time.Time
}

// =============================================================================
// REFERRALS
// =============================================================================

// ReferralRelationship links a referrer to the account they referred.
// Created by the registration flow; this engine only advances BillCount,
// TierPercent and TotalPointsPaid as the referred account's invoices are
// processed.
type ReferralRelationship struct {
	ID              string
	ReferrerID      string
	ReferredID      string
	BillCount       int
	TierPercent     decimal.Decimal
	TotalPointsPaid decimal.Decimal
	Active          bool
	CreatedAt       time.Time
}

// =============================================================================
// SLABS
// =============================================================================

// PeriodType is the cadence of a slab program.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
)

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool { return p == PeriodMonthly || p == PeriodQuarterly }

// Source returns the ledger source tag for bonuses of this period type.
func (p PeriodType) Source() ledger.Source {
	if p == PeriodQuarterly {
		return ledger.SourceQuarterlySlab
	}
	return ledger.SourceMonthlySlab
}

// SlabDefinition is external configuration: a purchase-volume band and the
// bonus it awards. MaxAmount nil means the band is open-ended upward.
type SlabDefinition struct {
	ID          string
	PeriodType  PeriodType
	MinAmount   decimal.Decimal
	MaxAmount   *decimal.Decimal
	BonusPoints decimal.Decimal
	Label       string
	Active      bool
}

// Contains reports whether total falls inside this slab's [min, max] band.
func (s SlabDefinition) Contains(total decimal.Decimal) bool {
	if total.LessThan(s.MinAmount) {
		return false
	}
	return s.MaxAmount == nil || total.LessThanOrEqual(*s.MaxAmount)
}

// SlabEvaluation is the idempotency record for the slab job: one row per
// (account, period type, period label), written exactly once whether or
// not a slab matched. SlabID is nil when nothing matched.
type SlabEvaluation struct {
	ID            string
	AccountID     string
	PeriodType    PeriodType
	PeriodLabel   string
	PeriodStart   time.Time
	PeriodEnd     time.Time // exclusive
	TotalPurchase decimal.Decimal
	SlabID        *string
	PointsAwarded decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// WithdrawalStatus is the lifecycle state of a withdrawal request.
// pending -> approved -> paid, or pending -> rejected. The balance debit
// happens exactly once, at the first transition out of pending into
// approved or paid.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

// WithdrawalRequest is one withdrawal through its lifecycle. No fund
// transfer happens here; "paid" records the claim only.
type WithdrawalRequest struct {
	ID          string
	AccountID   string
	Pool        ledger.Pool
	Amount      decimal.Decimal
	Status      WithdrawalStatus
	RequestedAt time.Time
	ProcessedBy string
	ProcessedAt *time.Time
	PaymentRef  string
	Notes       string
}
