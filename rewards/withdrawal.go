/*
withdrawal.go - Withdrawal request lifecycle

PURPOSE:
  Participants convert points into a payout claim. A request starts
  pending and moves exactly once: pending -> approved -> paid, or
  pending -> rejected. The balance debit happens exactly once, on the
  first transition out of pending into approved or paid.

SINGLE-DEBIT GUARANTEE:
  Two layers enforce it. A per-request mutex serializes concurrent
  Process calls in this process, and the store's conditional transition
  (UPDATE ... WHERE status = 'pending') is the cross-process backstop.
  The debit runs BEFORE the transition: if the debit fails the request
  stays pending and no state is lost; if the transition then reports the
  request already moved, something transitioned it between our debit and
  our update - impossible under the per-id lock, so treated as a hard
  error rather than silently double-debited.

NO FUND TRANSFER:
  "paid" records the operator's claim that money moved externally. The
  engine only moves points.
*/
package rewards

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

// WithdrawalAction is an operator decision on a pending request.
type WithdrawalAction string

const (
	ActionApprove WithdrawalAction = "approve"
	ActionReject  WithdrawalAction = "reject"
	ActionPay     WithdrawalAction = "paid"
)

// WithdrawalService owns the request lifecycle.
type WithdrawalService struct {
	Ledger      *ledger.Service
	Withdrawals WithdrawalStore

	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

// NewWithdrawalService returns a service over the given ledger and store.
func NewWithdrawalService(l *ledger.Service, store WithdrawalStore) *WithdrawalService {
	return &WithdrawalService{
		Ledger:      l,
		Withdrawals: store,
		byID:        make(map[string]*sync.Mutex),
	}
}

// lockRequest serializes processing of a single withdrawal id.
func (s *WithdrawalService) lockRequest(id string) func() {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		m = &sync.Mutex{}
		s.byID[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Request creates a pending withdrawal. The balance check here is
// advisory - points stay in the account until approval - but an amount
// exceeding the current balance is rejected up front rather than parked
// as a request that can never be approved.
func (s *WithdrawalService) Request(ctx context.Context, accountID string, pool ledger.Pool, amount decimal.Decimal) (*WithdrawalRequest, error) {
	if !pool.Valid() {
		return nil, ledger.ErrInvalidPool
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	summary, err := s.Ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	available := summary.Regular
	if pool == ledger.PoolAnnual {
		available = summary.Annual
	}
	if amount.GreaterThan(available) {
		return nil, &ledger.InsufficientFundsError{
			AccountID: accountID,
			Pool:      pool,
			Available: available,
			Requested: amount,
		}
	}

	w := WithdrawalRequest{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Pool:        pool,
		Amount:      amount,
		Status:      WithdrawalPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.Withdrawals.CreateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Process applies an operator action to a pending request. Approve and
// pay debit the account; reject only records the decision. Requests not
// currently pending return ErrInvalidWithdrawalState.
func (s *WithdrawalService) Process(ctx context.Context, id string, action WithdrawalAction, actorID, paymentRef, notes string) (*WithdrawalRequest, error) {
	var target WithdrawalStatus
	switch action {
	case ActionApprove:
		target = WithdrawalApproved
	case ActionReject:
		target = WithdrawalRejected
	case ActionPay:
		target = WithdrawalPaid
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	unlock := s.lockRequest(id)
	defer unlock()

	w, err := s.Withdrawals.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWithdrawalNotFound
	}

	// approved -> paid carries no second debit.
	if w.Status == WithdrawalApproved && action == ActionPay {
		return s.transition(ctx, w, WithdrawalApproved, WithdrawalPaid, actorID, paymentRef, notes)
	}
	if w.Status != WithdrawalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidWithdrawalState, id, w.Status)
	}

	if action == ActionApprove || action == ActionPay {
		if _, err := s.Ledger.Debit(ctx, ledger.Entry{
			AccountID:     w.AccountID,
			Pool:          w.Pool,
			Amount:        w.Amount,
			Source:        ledger.SourceWithdrawal,
			ReferenceID:   w.ID,
			ReferenceType: "withdrawal",
			Description:   fmt.Sprintf("Withdrawal %s", w.ID),
			ActorID:       actorID,
		}); err != nil {
			return nil, err // request stays pending
		}
	}

	return s.transition(ctx, w, WithdrawalPending, target, actorID, paymentRef, notes)
}

func (s *WithdrawalService) transition(ctx context.Context, w *WithdrawalRequest, from, to WithdrawalStatus, actorID, paymentRef, notes string) (*WithdrawalRequest, error) {
	now := time.Now().UTC()
	if err := s.Withdrawals.TransitionWithdrawal(ctx, w.ID, from, to, actorID, now, paymentRef, notes); err != nil {
		return nil, err
	}
	w.Status = to
	w.ProcessedBy = actorID
	w.ProcessedAt = &now
	w.PaymentRef = paymentRef
	w.Notes = notes
	return w, nil
}

// List returns withdrawal requests, optionally filtered by account and
// status (empty values mean no filter), newest first.
func (s *WithdrawalService) List(ctx context.Context, accountID string, status WithdrawalStatus) ([]WithdrawalRequest, error) {
	return s.Withdrawals.ListWithdrawals(ctx, accountID, status)
}

// Get returns one request by id.
func (s *WithdrawalService) Get(ctx context.Context, id string) (*WithdrawalRequest, error) {
	w, err := s.Withdrawals.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWithdrawalNotFound
	}
	return w, nil
}
