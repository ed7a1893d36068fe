package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
	"github.com/looppoint/loyalty-engine/store/memory"
)

func newEvaluator(t *testing.T) (*rewards.SlabEvaluator, *ledger.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := ledger.NewService(store)
	eval := &rewards.SlabEvaluator{
		Ledger:   svc,
		Accounts: store,
		Invoices: store,
		Slabs:    store,
	}
	return eval, svc, store
}

func seedSlab(t *testing.T, store *memory.Store, id string, periodType rewards.PeriodType, min string, max *string, bonus, label string) {
	t.Helper()
	def := rewards.SlabDefinition{
		ID:          id,
		PeriodType:  periodType,
		MinAmount:   dec(min),
		BonusPoints: dec(bonus),
		Label:       label,
		Active:      true,
	}
	if max != nil {
		m := dec(*max)
		def.MaxAmount = &m
	}
	require.NoError(t, store.SaveSlabDefinition(context.Background(), def))
}

func seedProcessedInvoice(t *testing.T, store *memory.Store, accountID, externalID, total string, date time.Time) {
	t.Helper()
	require.NoError(t, store.RecordProcessedInvoice(context.Background(), rewards.ProcessedInvoice{
		ExternalID:  externalID,
		AccountID:   accountID,
		Number:      "INV-" + externalID,
		Date:        date,
		Total:       dec(total),
		BillingType: rewards.BillingCustomer,
	}))
}

func strptr(s string) *string { return &s }

func TestPeriodBounds(t *testing.T) {
	cases := []struct {
		periodType rewards.PeriodType
		label      string
		wantStart  time.Time
		wantEnd    time.Time
	}{
		{rewards.PeriodMonthly, "2025-07",
			time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)},
		{rewards.PeriodMonthly, "2025-12",
			time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{rewards.PeriodQuarterly, "2025-Q3",
			time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)},
		{rewards.PeriodQuarterly, "2025-Q4",
			time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		start, end, err := rewards.PeriodBounds(tc.periodType, tc.label)
		require.NoError(t, err, "%s %s", tc.periodType, tc.label)
		assert.True(t, start.Equal(tc.wantStart), "%s start: got %v", tc.label, start)
		assert.True(t, end.Equal(tc.wantEnd), "%s end: got %v", tc.label, end)
	}
}

func TestPeriodBoundsRejectsBadLabels(t *testing.T) {
	cases := []struct {
		periodType rewards.PeriodType
		label      string
	}{
		{rewards.PeriodMonthly, "2025-13"},
		{rewards.PeriodMonthly, "2025"},
		{rewards.PeriodMonthly, "banana"},
		{rewards.PeriodQuarterly, "2025-Q0"},
		{rewards.PeriodQuarterly, "2025-Q5"},
		{rewards.PeriodQuarterly, "2025-Qx"},
		{rewards.PeriodQuarterly, "25-Q1"},
		{rewards.PeriodQuarterly, "2025-07"},
	}

	for _, tc := range cases {
		_, _, err := rewards.PeriodBounds(tc.periodType, tc.label)
		assert.ErrorIs(t, err, rewards.ErrBadPeriodLabel, "%s %q", tc.periodType, tc.label)
	}
}

func TestEvaluateAwardsMatchingBand(t *testing.T) {
	eval, svc, store := newEvaluator(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")

	// GIVEN two monthly bands and July purchases totaling 6000
	seedSlab(t, store, "slab-bronze", rewards.PeriodMonthly, "1000", strptr("4999.99"), "50", "Bronze")
	seedSlab(t, store, "slab-gold", rewards.PeriodMonthly, "5000", nil, "200", "Gold")
	seedProcessedInvoice(t, store, "acct-1", "ext-1", "2500",
		time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC))
	seedProcessedInvoice(t, store, "acct-1", "ext-2", "3500",
		time.Date(2025, 7, 28, 0, 0, 0, 0, time.UTC))
	// An invoice outside the window must not count.
	seedProcessedInvoice(t, store, "acct-1", "ext-3", "9999",
		time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	// WHEN the July job runs
	summary, err := eval.Evaluate(ctx, rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)

	// THEN the gold band pays into the annual pool
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.Awarded)
	assert.Equal(t, 0, summary.Failed)

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Annual.Equal(dec("200")))
	assert.True(t, balance.Regular.IsZero())

	rec, err := store.GetSlabEvaluation(ctx, "acct-1", rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.SlabID)
	assert.Equal(t, "slab-gold", *rec.SlabID)
	assert.True(t, rec.TotalPurchase.Equal(dec("6000")))
	assert.True(t, rec.PointsAwarded.Equal(dec("200")))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	eval, svc, store := newEvaluator(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")
	seedSlab(t, store, "slab-1", rewards.PeriodMonthly, "100", nil, "10", "Base")
	seedProcessedInvoice(t, store, "acct-1", "ext-1", "500",
		time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC))

	first, err := eval.Evaluate(ctx, rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	require.Equal(t, 1, first.Awarded)

	// A re-run must credit nothing and count nothing.
	second, err := eval.Evaluate(ctx, rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Evaluated)
	assert.Equal(t, 0, second.Awarded)

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Annual.Equal(dec("10")))
}

func TestEvaluateRecordsZeroMatch(t *testing.T) {
	eval, svc, store := newEvaluator(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")
	seedSlab(t, store, "slab-1", rewards.PeriodMonthly, "1000", nil, "50", "Base")
	seedProcessedInvoice(t, store, "acct-1", "ext-1", "300",
		time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC))

	summary, err := eval.Evaluate(ctx, rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 0, summary.Awarded)

	// The evaluation is still recorded so the period never re-runs.
	rec, err := store.GetSlabEvaluation(ctx, "acct-1", rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.SlabID)
	assert.True(t, rec.PointsAwarded.IsZero())

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Annual.IsZero())
}

func TestEvaluatePeriodTypesAreIndependent(t *testing.T) {
	eval, svc, store := newEvaluator(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")
	seedSlab(t, store, "slab-m", rewards.PeriodMonthly, "100", nil, "10", "Monthly")
	seedSlab(t, store, "slab-q", rewards.PeriodQuarterly, "100", nil, "40", "Quarterly")
	seedProcessedInvoice(t, store, "acct-1", "ext-1", "500",
		time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC))

	_, err := eval.Evaluate(ctx, rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)

	// The same purchases also satisfy the quarterly band.
	summary, err := eval.Evaluate(ctx, rewards.PeriodQuarterly, "2025-Q3")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Awarded)

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Annual.Equal(dec("50")))
}
