/*
store.go - Persistence interfaces for the rewards components

PURPOSE:
  Each component depends on the narrow slice of persistence it needs.
  The concrete stores (store/memory, store/sqlite, store/postgres)
  implement all of these alongside ledger.TxStore.

IDEMPOTENCY RECORDS:
  ProcessedInvoice and SlabEvaluation are write-once rows backed by
  unique constraints; RecordProcessedInvoice / RecordSlabEvaluation fail
  on duplicates rather than overwrite.
*/
package rewards

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateStore reads and maintains product point rates (admin-owned config).
type RateStore interface {
	// GetProductRate returns the rate for an item, or (nil, nil) when the
	// item has no configured rate.
	GetProductRate(ctx context.Context, itemID string) (*ProductPointRate, error)

	// SaveProductRate inserts or updates a rate. Admin surface only.
	SaveProductRate(ctx context.Context, rate ProductPointRate) error
}

// InvoiceStore persists processed-invoice idempotency records and serves
// the aggregate reads the batch jobs need.
type InvoiceStore interface {
	// GetProcessedInvoice returns the record for an external invoice id,
	// or (nil, nil) when the invoice has never been processed.
	GetProcessedInvoice(ctx context.Context, externalID string) (*ProcessedInvoice, error)

	// RecordProcessedInvoice writes the idempotency record. Fails on a
	// duplicate external id.
	RecordProcessedInvoice(ctx context.Context, inv ProcessedInvoice) error

	// SumInvoiceTotals sums invoice totals for an account with invoice
	// date in [from, to).
	SumInvoiceTotals(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error)

	// OldestUnsettledSelfInvoice returns the account's oldest self-billed
	// invoice not yet marked settled, or (nil, nil) when there is none.
	OldestUnsettledSelfInvoice(ctx context.Context, accountID string) (*ProcessedInvoice, error)

	// MarkInvoiceSettled flips the settled flag. Written by the external
	// billing reconciliation, never by the engine's own award paths.
	MarkInvoiceSettled(ctx context.Context, externalID string) error
}

// ReferralStore reads and updates referral relationships. Creation belongs
// to the registration flow; invoice processing only advances the counters.
type ReferralStore interface {
	// GetReferralByReferred returns the relationship where the given
	// account is the referred party, or (nil, nil) when there is none.
	GetReferralByReferred(ctx context.Context, referredID string) (*ReferralRelationship, error)

	// SaveReferral inserts or updates a relationship.
	SaveReferral(ctx context.Context, rel ReferralRelationship) error
}

// SlabStore persists slab definitions (admin-owned config) and the
// per-period evaluation records.
type SlabStore interface {
	// ListSlabDefinitions returns the active definitions for a period
	// type ordered by MinAmount descending, so the first containing band
	// is the highest-minimum match.
	ListSlabDefinitions(ctx context.Context, periodType PeriodType) ([]SlabDefinition, error)

	// SaveSlabDefinition inserts or updates a definition. Admin surface only.
	SaveSlabDefinition(ctx context.Context, def SlabDefinition) error

	// GetSlabEvaluation returns the evaluation record for
	// (account, period type, label), or (nil, nil) when not yet evaluated.
	GetSlabEvaluation(ctx context.Context, accountID string, periodType PeriodType, label string) (*SlabEvaluation, error)

	// RecordSlabEvaluation writes the idempotency record. Fails on a
	// duplicate (account, period type, label).
	RecordSlabEvaluation(ctx context.Context, eval SlabEvaluation) error
}

// WithdrawalStore persists withdrawal requests and their single status
// transition out of pending.
type WithdrawalStore interface {
	// CreateWithdrawal inserts a new pending request.
	CreateWithdrawal(ctx context.Context, w WithdrawalRequest) error

	// GetWithdrawal returns a request by id, or (nil, nil) when unknown.
	GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error)

	// TransitionWithdrawal conditionally moves a request from one status
	// to another, recording the processing actor and context. Returns
	// ErrInvalidWithdrawalState when the row is not currently in `from`,
	// ErrWithdrawalNotFound when the id is unknown.
	TransitionWithdrawal(ctx context.Context, id string, from, to WithdrawalStatus, processedBy string, processedAt time.Time, paymentRef, notes string) error

	// ListWithdrawals returns requests for an account (all accounts when
	// accountID is empty), optionally filtered by status, newest first.
	ListWithdrawals(ctx context.Context, accountID string, status WithdrawalStatus) ([]WithdrawalRequest, error)
}
