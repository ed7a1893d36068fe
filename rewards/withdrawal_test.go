package rewards_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
	"github.com/looppoint/loyalty-engine/store/memory"
)

func newWithdrawals(t *testing.T) (*rewards.WithdrawalService, *ledger.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := ledger.NewService(store)
	return rewards.NewWithdrawalService(svc, store), svc, store
}

func fundAccount(t *testing.T, svc *ledger.Service, store *memory.Store, id, regular string) {
	t.Helper()
	seedAccount(t, store, id)
	_, err := svc.Credit(context.Background(), ledger.Entry{
		AccountID: id, Pool: ledger.PoolRegular, Amount: dec(regular),
		Source: ledger.SourceCustomerBilling,
	})
	require.NoError(t, err)
}

func TestWithdrawalRequestExceedingBalance(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "50")

	// A request over the current balance is rejected up front.
	_, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("50.01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "50", insufficient.Available.String())

	// No request row was parked.
	list, err := ws.List(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWithdrawalRequestValidation(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "50")

	_, err := ws.Request(ctx, "acct-1", ledger.Pool("bonus"), dec("10"))
	assert.ErrorIs(t, err, ledger.ErrInvalidPool)

	_, err = ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("-5"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestWithdrawalApproveDebitsOnce(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "100")

	// GIVEN a pending request for 30
	req, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("30"))
	require.NoError(t, err)
	assert.Equal(t, rewards.WithdrawalPending, req.Status)

	// Requesting alone moves no points.
	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("100")))

	// WHEN approved
	approved, err := ws.Process(ctx, req.ID, rewards.ActionApprove, "op-1", "", "looks good")
	require.NoError(t, err)
	assert.Equal(t, rewards.WithdrawalApproved, approved.Status)
	assert.Equal(t, "op-1", approved.ProcessedBy)

	// THEN exactly one debit landed
	balance, err = svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("70")))

	// AND marking it paid afterwards carries no second debit
	paid, err := ws.Process(ctx, req.ID, rewards.ActionPay, "op-2", "PAY-42", "")
	require.NoError(t, err)
	assert.Equal(t, rewards.WithdrawalPaid, paid.Status)
	assert.Equal(t, "PAY-42", paid.PaymentRef)

	balance, err = svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("70")))

	txs, err := svc.History(ctx, "acct-1", nil, 0, 0)
	require.NoError(t, err)
	debits := 0
	for _, tx := range txs {
		if tx.Type == ledger.TxDebit {
			debits++
			assert.Equal(t, ledger.SourceWithdrawal, tx.Source)
			assert.Equal(t, req.ID, tx.ReferenceID)
		}
	}
	assert.Equal(t, 1, debits)
}

func TestWithdrawalPayFromPendingDebits(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "100")

	req, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("25"))
	require.NoError(t, err)

	// pending -> paid directly still debits exactly once.
	paid, err := ws.Process(ctx, req.ID, rewards.ActionPay, "op-1", "PAY-7", "")
	require.NoError(t, err)
	assert.Equal(t, rewards.WithdrawalPaid, paid.Status)

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("75")))
}

func TestWithdrawalRejectMovesNoPoints(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "100")

	req, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("30"))
	require.NoError(t, err)

	rejected, err := ws.Process(ctx, req.ID, rewards.ActionReject, "op-1", "", "insufficient docs")
	require.NoError(t, err)
	assert.Equal(t, rewards.WithdrawalRejected, rejected.Status)
	assert.Equal(t, "insufficient docs", rejected.Notes)

	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("100")))

	// A rejected request cannot be revived.
	_, err = ws.Process(ctx, req.ID, rewards.ActionApprove, "op-1", "", "")
	assert.ErrorIs(t, err, rewards.ErrInvalidWithdrawalState)
}

func TestWithdrawalConcurrentProcessing(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "100")

	req, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("60"))
	require.NoError(t, err)

	// Two operators race to approve the same request.
	const racers = 2
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ws.Process(ctx, req.ID, rewards.ActionApprove, "op", "", "")
		}(i)
	}
	wg.Wait()

	// Exactly one wins; the loser sees the state conflict.
	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, rewards.ErrInvalidWithdrawalState)
		}
	}
	assert.Equal(t, 1, winners)

	// And the debit happened exactly once.
	balance, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balance.Regular.Equal(dec("40")))
}

func TestWithdrawalUnknownActionAndID(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "10")

	req, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("5"))
	require.NoError(t, err)

	_, err = ws.Process(ctx, req.ID, rewards.WithdrawalAction("shred"), "op", "", "")
	assert.ErrorIs(t, err, rewards.ErrUnknownAction)

	_, err = ws.Process(ctx, "no-such-id", rewards.ActionApprove, "op", "", "")
	assert.ErrorIs(t, err, rewards.ErrWithdrawalNotFound)

	_, err = ws.Get(ctx, "no-such-id")
	assert.ErrorIs(t, err, rewards.ErrWithdrawalNotFound)
}

func TestWithdrawalListFilters(t *testing.T) {
	ws, svc, store := newWithdrawals(t)
	ctx := context.Background()
	fundAccount(t, svc, store, "acct-1", "100")
	fundAccount(t, svc, store, "acct-2", "100")

	first, err := ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("10"))
	require.NoError(t, err)
	_, err = ws.Request(ctx, "acct-1", ledger.PoolRegular, dec("20"))
	require.NoError(t, err)
	_, err = ws.Request(ctx, "acct-2", ledger.PoolRegular, dec("30"))
	require.NoError(t, err)

	_, err = ws.Process(ctx, first.ID, rewards.ActionReject, "op", "", "")
	require.NoError(t, err)

	all, err := ws.List(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := ws.List(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pending, err := ws.List(ctx, "acct-1", rewards.WithdrawalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Amount.Equal(dec("20")))
}
