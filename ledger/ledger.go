/*
ledger.go - Atomic balance mutations over the append-only log

PURPOSE:
  The Service is the single write path for point balances. Each Credit or
  Debit is an atomic read-modify-write: load the account, compute the new
  pool balance, append the transaction row (carrying BalanceAfter), update
  the cached balance - all inside one store transaction, serialized per
  (account, pool) by a keyed mutex.

CRITICAL INVARIANTS:
  1. RECONCILIATION: cached balance == sum of signed amounts, always
  2. NON-NEGATIVITY: a debit that would overdraw fails with
     InsufficientFunds and changes nothing
  3. SERIALIZATION: two mutations against the same account+pool never
     interleave; different accounts or pools proceed independently

ZERO CREDITS:
  Credit with a non-positive amount is a no-op returning the current
  balance. Callers routinely pass computed awards that round to zero.

SEE ALSO:
  - store.go: TxStore contract
  - rewards/: the components built on this Service
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SERVICE - The only write path for balances
// =============================================================================

// Service performs atomic balance mutations against a transactional store.
type Service struct {
	store TxStore
	locks keyedMutex
}

// NewService creates a ledger service over the given store.
func NewService(store TxStore) *Service {
	return &Service{store: store}
}

// Credit adds amount to the given pool and returns the new balance.
// A non-positive amount is a no-op that returns the current balance.
func (s *Service) Credit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	if !e.Pool.Valid() {
		return decimal.Zero, ErrInvalidPool
	}
	if !e.Amount.IsPositive() {
		acct, err := s.store.GetAccount(ctx, e.AccountID)
		if err != nil {
			return decimal.Zero, err
		}
		return acct.PoolBalance(e.Pool), nil
	}
	return s.apply(ctx, e, TxEarn)
}

// Debit removes amount from the given pool and returns the new balance.
// Fails with InsufficientFunds when amount exceeds the current balance;
// the balance is left unchanged in that case.
func (s *Service) Debit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	if !e.Pool.Valid() {
		return decimal.Zero, ErrInvalidPool
	}
	if !e.Amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return s.apply(ctx, e, TxDebit)
}

// apply runs one serialized read-modify-write cycle for (account, pool).
func (s *Service) apply(ctx context.Context, e Entry, txType TxType) (decimal.Decimal, error) {
	unlock := s.locks.lock(e.AccountID, e.Pool)
	defer unlock()

	var newBalance decimal.Decimal

	err := s.store.WithTx(ctx, func(st Store) error {
		acct, err := st.GetAccount(ctx, e.AccountID)
		if err != nil {
			return err
		}

		current := acct.PoolBalance(e.Pool)
		signed := e.Amount
		earned, redeemed := lifetimeCounters(acct, e.Pool)

		switch txType {
		case TxEarn:
			newBalance = current.Add(e.Amount)
			earned = earned.Add(e.Amount)
		case TxDebit:
			if e.Amount.GreaterThan(current) {
				return &InsufficientFundsError{
					AccountID: e.AccountID,
					Pool:      e.Pool,
					Available: current,
					Requested: e.Amount,
				}
			}
			newBalance = current.Sub(e.Amount)
			signed = e.Amount.Neg()
			redeemed = redeemed.Add(e.Amount)
		}

		tx := Transaction{
			ID:            uuid.New().String(),
			AccountID:     e.AccountID,
			Pool:          e.Pool,
			Type:          txType,
			Amount:        signed,
			BalanceAfter:  newBalance,
			Source:        e.Source,
			ReferenceID:   e.ReferenceID,
			ReferenceType: e.ReferenceType,
			Description:   e.Description,
			ActorID:       e.ActorID,
			CreatedAt:     time.Now().UTC(),
		}

		if err := st.AppendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		return st.UpdateBalance(ctx, e.AccountID, e.Pool, newBalance, earned, redeemed)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

func lifetimeCounters(a *Account, pool Pool) (earned, redeemed decimal.Decimal) {
	if pool == PoolAnnual {
		return a.AnnualEarned, a.AnnualRedeemed
	}
	return a.RegularEarned, a.RegularRedeemed
}

// =============================================================================
// READS
// =============================================================================

// Balance returns both pool balances and lifetime counters for an account.
func (s *Service) Balance(ctx context.Context, accountID string) (*BalanceSummary, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &BalanceSummary{
		AccountID:       acct.ID,
		Regular:         acct.RegularBalance,
		Annual:          acct.AnnualBalance,
		RegularEarned:   acct.RegularEarned,
		RegularRedeemed: acct.RegularRedeemed,
		AnnualEarned:    acct.AnnualEarned,
		AnnualRedeemed:  acct.AnnualRedeemed,
	}, nil
}

// DefaultHistoryLimit bounds History reads when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

// History returns ledger entries newest first, optionally filtered by pool.
// The limit/offset pair makes the read finite and restartable.
func (s *Service) History(ctx context.Context, accountID string, pool *Pool, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Transactions(ctx, accountID, pool, limit, offset)
}

// =============================================================================
// KEYED MUTEX - Per (account, pool) serialization
// =============================================================================

type lockKey struct {
	accountID string
	pool      Pool
}

// keyedMutex hands out one mutex per (account, pool). Entries are never
// evicted; the population is bounded by accounts seen by this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func (k *keyedMutex) lock(accountID string, pool Pool) func() {
	key := lockKey{accountID: accountID, pool: pool}

	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[lockKey]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
