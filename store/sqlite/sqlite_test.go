package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.SaveAccount(context.Background(), ledger.Account{ID: id, Active: true}))
}

func TestAccountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := ledger.Account{
		ID:             "acct-1",
		RegularBalance: dec("12.50"),
		AnnualBalance:  dec("3"),
		CreditEnabled:  true,
		CreditLimit:    dec("500"),
		CreditUsed:     dec("120.75"),
		Active:         true,
		CreatedAt:      time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAccount(ctx, in))

	out, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", out.ID)
	assert.True(t, out.RegularBalance.Equal(dec("12.50")))
	assert.True(t, out.AnnualBalance.Equal(dec("3")))
	assert.True(t, out.CreditEnabled)
	assert.True(t, out.CreditLimit.Equal(dec("500")))
	assert.True(t, out.CreditUsed.Equal(dec("120.75")))
	assert.True(t, out.CreatedAt.Equal(in.CreatedAt))

	_, err = store.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestUpdateBalanceTouchesOnePool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, ledger.Account{
		ID:             "acct-1",
		RegularBalance: dec("10"),
		AnnualBalance:  dec("20"),
		Active:         true,
	}))

	err := store.UpdateBalance(ctx, "acct-1", ledger.PoolAnnual, dec("75"), dec("100"), dec("25"))
	require.NoError(t, err)

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.RegularBalance.Equal(dec("10")), "regular pool must be untouched")
	assert.True(t, acct.AnnualBalance.Equal(dec("75")))
	assert.True(t, acct.AnnualEarned.Equal(dec("100")))
	assert.True(t, acct.AnnualRedeemed.Equal(dec("25")))

	err = store.UpdateBalance(ctx, "missing", ledger.PoolRegular, dec("1"), dec("1"), dec("0"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.UpdateBalance(ctx, "acct-1", ledger.PoolRegular, dec("99"), dec("99"), dec("0")); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, ledger.Transaction{
			ID: "tx-1", AccountID: "acct-1", Pool: ledger.PoolRegular,
			Type: ledger.TxEarn, Amount: dec("99"), BalanceAfter: dec("99"),
			Source: ledger.SourceAttendance, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing committed.
	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.RegularBalance.IsZero())

	txs, err := store.Transactions(ctx, "acct-1", nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestTransactionsNewestFirstWithPoolFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acct-1")

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	entries := []struct {
		id   string
		pool ledger.Pool
	}{
		{"tx-1", ledger.PoolRegular},
		{"tx-2", ledger.PoolRegular},
		{"tx-3", ledger.PoolAnnual},
		{"tx-4", ledger.PoolRegular},
	}
	for i, e := range entries {
		require.NoError(t, store.AppendTransaction(ctx, ledger.Transaction{
			ID: e.id, AccountID: "acct-1", Pool: e.pool,
			Type: ledger.TxEarn, Amount: dec("1"), BalanceAfter: dec("1"),
			Source: ledger.SourceCustomerBilling, ReferenceID: "ref-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.Transactions(ctx, "acct-1", nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "tx-4", all[0].ID)
	assert.Equal(t, "tx-1", all[3].ID)
	assert.Equal(t, "ref-1", all[0].ReferenceID)

	pool := ledger.PoolRegular
	regular, err := store.Transactions(ctx, "acct-1", &pool, 10, 0)
	require.NoError(t, err)
	require.Len(t, regular, 3)
	assert.Equal(t, "tx-4", regular[0].ID)

	page, err := store.Transactions(ctx, "acct-1", &pool, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "tx-2", page[0].ID)

	// Duplicate ids are rejected - the log is append-only and unique.
	err = store.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-1", AccountID: "acct-1", Pool: ledger.PoolRegular,
		Type: ledger.TxEarn, Amount: dec("1"), BalanceAfter: dec("2"),
		Source: ledger.SourceCustomerBilling, CreatedAt: base,
	})
	assert.Error(t, err)
}

func TestProductRateUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetProductRate(ctx, "item-a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SaveProductRate(ctx, rewards.ProductPointRate{
		ItemID: "item-a", PointsPerUnit: dec("2"), AnnualEligible: true, AnnualPercent: dec("1.5"),
	}))
	require.NoError(t, store.SaveProductRate(ctx, rewards.ProductPointRate{
		ItemID: "item-a", PointsPerUnit: dec("3"), AnnualEligible: false, AnnualPercent: dec("0"),
	}))

	rate, err := store.GetProductRate(ctx, "item-a")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.PointsPerUnit.Equal(dec("3")))
	assert.False(t, rate.AnnualEligible)
}

func TestProcessedInvoiceIdempotencyRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inv := rewards.ProcessedInvoice{
		ExternalID:  "ext-1",
		AccountID:   "acct-1",
		Number:      "INV-001",
		Date:        time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
		Total:       dec("1000"),
		BillingType: rewards.BillingCustomer,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.RecordProcessedInvoice(ctx, inv))

	// A duplicate external id must fail, never overwrite.
	err := store.RecordProcessedInvoice(ctx, inv)
	require.Error(t, err)

	rec, err := store.GetProcessedInvoice(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "acct-1", rec.AccountID)
	assert.True(t, rec.Total.Equal(dec("1000")))

	none, err := store.GetProcessedInvoice(ctx, "ext-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSumInvoiceTotalsHalfOpenWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	july := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	august := july.AddDate(0, 1, 0)

	dates := []struct {
		id    string
		date  time.Time
		total string
	}{
		{"ext-1", july, "100"},                        // at start: included
		{"ext-2", july.AddDate(0, 0, 15), "250.50"},   // inside
		{"ext-3", august, "999"},                      // at end: excluded
		{"ext-4", july.AddDate(0, 0, -1), "999"},      // before: excluded
	}
	for _, d := range dates {
		require.NoError(t, store.RecordProcessedInvoice(ctx, rewards.ProcessedInvoice{
			ExternalID: d.id, AccountID: "acct-1", Number: d.id,
			Date: d.date, Total: dec(d.total), BillingType: rewards.BillingCustomer,
			CreatedAt: time.Now().UTC(),
		}))
	}

	total, err := store.SumInvoiceTotals(ctx, "acct-1", july, august)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("350.50")), "got %s", total)
}

func TestOldestUnsettledSelfInvoice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	none, err := store.OldestUnsettledSelfInvoice(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		id      string
		date    time.Time
		billing rewards.BillingType
		settled bool
	}{
		{"ext-old-settled", base, rewards.BillingSelf, true},
		{"ext-customer", base.AddDate(0, 0, 1), rewards.BillingCustomer, false},
		{"ext-oldest-open", base.AddDate(0, 0, 5), rewards.BillingSelf, false},
		{"ext-newer-open", base.AddDate(0, 0, 20), rewards.BillingSelf, false},
	}
	for _, s := range seed {
		require.NoError(t, store.RecordProcessedInvoice(ctx, rewards.ProcessedInvoice{
			ExternalID: s.id, AccountID: "acct-1", Number: s.id,
			Date: s.date, Total: dec("100"), BillingType: s.billing,
			Settled: s.settled, CreatedAt: time.Now().UTC(),
		}))
	}

	oldest, err := store.OldestUnsettledSelfInvoice(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "ext-oldest-open", oldest.ExternalID)

	// Settling it promotes the next open self-billed invoice.
	require.NoError(t, store.MarkInvoiceSettled(ctx, "ext-oldest-open"))
	oldest, err = store.OldestUnsettledSelfInvoice(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "ext-newer-open", oldest.ExternalID)
}

func TestSlabEvaluationUniquePerPeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	eval := rewards.SlabEvaluation{
		ID:            "eval-1",
		AccountID:     "acct-1",
		PeriodType:    rewards.PeriodMonthly,
		PeriodLabel:   "2025-07",
		PeriodStart:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		TotalPurchase: dec("6000"),
		PointsAwarded: dec("200"),
		CreatedAt:     time.Now().UTC(),
	}
	slabID := "slab-gold"
	eval.SlabID = &slabID
	require.NoError(t, store.RecordSlabEvaluation(ctx, eval))

	// Same account+period under a fresh id still violates uniqueness.
	dup := eval
	dup.ID = "eval-2"
	assert.Error(t, store.RecordSlabEvaluation(ctx, dup))

	rec, err := store.GetSlabEvaluation(ctx, "acct-1", rewards.PeriodMonthly, "2025-07")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.SlabID)
	assert.Equal(t, "slab-gold", *rec.SlabID)
	assert.True(t, rec.PointsAwarded.Equal(dec("200")))

	none, err := store.GetSlabEvaluation(ctx, "acct-1", rewards.PeriodMonthly, "2025-08")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSlabDefinitionsMinDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	max := dec("4999.99")
	defs := []rewards.SlabDefinition{
		{ID: "s-low", PeriodType: rewards.PeriodMonthly, MinAmount: dec("1000"), MaxAmount: &max, BonusPoints: dec("50"), Label: "Bronze", Active: true},
		{ID: "s-high", PeriodType: rewards.PeriodMonthly, MinAmount: dec("5000"), BonusPoints: dec("200"), Label: "Gold", Active: true},
		{ID: "s-off", PeriodType: rewards.PeriodMonthly, MinAmount: dec("9000"), BonusPoints: dec("500"), Label: "Retired", Active: false},
		{ID: "s-q", PeriodType: rewards.PeriodQuarterly, MinAmount: dec("20000"), BonusPoints: dec("1000"), Label: "Quarterly", Active: true},
	}
	for _, d := range defs {
		require.NoError(t, store.SaveSlabDefinition(ctx, d))
	}

	got, err := store.ListSlabDefinitions(ctx, rewards.PeriodMonthly)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s-high", got[0].ID)
	assert.Equal(t, "s-low", got[1].ID)
	assert.Nil(t, got[0].MaxAmount)
	require.NotNil(t, got[1].MaxAmount)
	assert.True(t, got[1].MaxAmount.Equal(dec("4999.99")))
}

func TestTransitionWithdrawalConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateWithdrawal(ctx, rewards.WithdrawalRequest{
		ID: "w-1", AccountID: "acct-1", Pool: ledger.PoolRegular,
		Amount: dec("30"), Status: rewards.WithdrawalPending, RequestedAt: now,
	}))

	// pending -> approved succeeds once.
	err := store.TransitionWithdrawal(ctx, "w-1",
		rewards.WithdrawalPending, rewards.WithdrawalApproved, "op-1", now, "", "ok")
	require.NoError(t, err)

	// Repeating the same transition hits the status guard.
	err = store.TransitionWithdrawal(ctx, "w-1",
		rewards.WithdrawalPending, rewards.WithdrawalApproved, "op-2", now, "", "")
	assert.ErrorIs(t, err, rewards.ErrInvalidWithdrawalState)

	// Unknown ids are distinguished from state conflicts.
	err = store.TransitionWithdrawal(ctx, "w-missing",
		rewards.WithdrawalPending, rewards.WithdrawalApproved, "op-1", now, "", "")
	assert.ErrorIs(t, err, rewards.ErrWithdrawalNotFound)

	w, err := store.GetWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, rewards.WithdrawalApproved, w.Status)
	assert.Equal(t, "op-1", w.ProcessedBy)
	assert.Equal(t, "ok", w.Notes)
	require.NotNil(t, w.ProcessedAt)
}

func TestListWithdrawalsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		id      string
		account string
		status  rewards.WithdrawalStatus
		at      time.Time
	}{
		{"w-1", "acct-1", rewards.WithdrawalPending, base},
		{"w-2", "acct-1", rewards.WithdrawalRejected, base.Add(time.Hour)},
		{"w-3", "acct-2", rewards.WithdrawalPending, base.Add(2 * time.Hour)},
	}
	for _, s := range seed {
		require.NoError(t, store.CreateWithdrawal(ctx, rewards.WithdrawalRequest{
			ID: s.id, AccountID: s.account, Pool: ledger.PoolRegular,
			Amount: dec("10"), Status: s.status, RequestedAt: s.at,
		}))
	}

	all, err := store.ListWithdrawals(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "w-3", all[0].ID) // newest first

	mine, err := store.ListWithdrawals(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pending, err := store.ListWithdrawals(ctx, "acct-1", rewards.WithdrawalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w-1", pending[0].ID)
}

func TestReferralRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	none, err := store.GetReferralByReferred(ctx, "referred")
	require.NoError(t, err)
	assert.Nil(t, none)

	rel := rewards.ReferralRelationship{
		ID:              "rel-1",
		ReferrerID:      "referrer",
		ReferredID:      "referred",
		BillCount:       2,
		TierPercent:     dec("0.5"),
		TotalPointsPaid: dec("10"),
		Active:          true,
	}
	require.NoError(t, store.SaveReferral(ctx, rel))

	rel.BillCount = 3
	rel.TierPercent = dec("1.0")
	rel.TotalPointsPaid = dec("20")
	require.NoError(t, store.SaveReferral(ctx, rel))

	got, err := store.GetReferralByReferred(ctx, "referred")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.BillCount)
	assert.True(t, got.TierPercent.Equal(dec("1.0")))
	assert.True(t, got.TotalPointsPaid.Equal(dec("20")))
}
