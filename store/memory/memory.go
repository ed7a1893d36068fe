/*
Package memory provides an in-memory store for tests and development.

PURPOSE:
  Implements ledger.TxStore plus every rewards store interface on plain
  maps. WithTx is snapshot-rollback: the whole state is copied before fn
  runs and restored if fn fails.

CONCURRENCY:
  A single RWMutex guards the maps. WithTx holds the write lock for the
  entire transaction, so no other read or write can land between the
  snapshot and a rollback; the transactional view runs on unexported
  unlocked helpers - it must never call the locking public methods while
  the write lock is held.

NOT FOR PRODUCTION:
  No durability. Use store/sqlite or store/postgres for real deployments.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
)

// Store is the in-memory implementation of every persistence interface.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]ledger.Account
	transactions []ledger.Transaction // append order
	rates        map[string]rewards.ProductPointRate
	invoices     map[string]rewards.ProcessedInvoice
	referrals    map[string]rewards.ReferralRelationship // by relationship id
	slabDefs     map[string]rewards.SlabDefinition
	slabEvals    map[string]rewards.SlabEvaluation // by account|type|label
	withdrawals  map[string]rewards.WithdrawalRequest
	wdOrder      []string // withdrawal ids in creation order
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:    make(map[string]ledger.Account),
		rates:       make(map[string]rewards.ProductPointRate),
		invoices:    make(map[string]rewards.ProcessedInvoice),
		referrals:   make(map[string]rewards.ReferralRelationship),
		slabDefs:    make(map[string]rewards.SlabDefinition),
		slabEvals:   make(map[string]rewards.SlabEvaluation),
		withdrawals: make(map[string]rewards.WithdrawalRequest),
	}
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

type snapshot struct {
	accounts     map[string]ledger.Account
	transactions []ledger.Transaction
	rates        map[string]rewards.ProductPointRate
	invoices     map[string]rewards.ProcessedInvoice
	referrals    map[string]rewards.ReferralRelationship
	slabDefs     map[string]rewards.SlabDefinition
	slabEvals    map[string]rewards.SlabEvaluation
	withdrawals  map[string]rewards.WithdrawalRequest
	wdOrder      []string
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshot copies the whole state. Caller holds the write lock.
func (s *Store) snapshot() snapshot {
	return snapshot{
		accounts:     copyMap(s.accounts),
		transactions: append([]ledger.Transaction(nil), s.transactions...),
		rates:        copyMap(s.rates),
		invoices:     copyMap(s.invoices),
		referrals:    copyMap(s.referrals),
		slabDefs:     copyMap(s.slabDefs),
		slabEvals:    copyMap(s.slabEvals),
		withdrawals:  copyMap(s.withdrawals),
		wdOrder:      append([]string(nil), s.wdOrder...),
	}
}

// restore puts a snapshot back. Caller holds the write lock.
func (s *Store) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.transactions = snap.transactions
	s.rates = snap.rates
	s.invoices = snap.invoices
	s.referrals = snap.referrals
	s.slabDefs = snap.slabDefs
	s.slabEvals = snap.slabEvals
	s.withdrawals = snap.withdrawals
	s.wdOrder = snap.wdOrder
}

// WithTx executes fn against a transactional view, rolling the whole
// state back if fn returns an error. The write lock is held for the
// duration, so nothing else can observe or disturb uncommitted state.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// txView routes ledger.Store calls to the unlocked helpers while WithTx
// holds the write lock.
type txView struct {
	s *Store
}

func (v *txView) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return v.s.getAccount(id)
}

func (v *txView) SaveAccount(ctx context.Context, a ledger.Account) error {
	return v.s.saveAccount(a)
}

func (v *txView) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	return v.s.listActiveAccounts()
}

func (v *txView) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	return v.s.updateBalance(accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func (v *txView) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	return v.s.updateCreditSettings(accountID, enabled, limit, used)
}

func (v *txView) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	return v.s.updateCreditOverdueDays(accountID, days)
}

func (v *txView) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return v.s.appendTransaction(tx)
}

func (v *txView) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	return v.s.listTransactions(accountID, pool, limit, offset)
}

// =============================================================================
// LEDGER - accounts and the transaction log
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(id)
}

func (s *Store) getAccount(id string) (*ledger.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAccount(a)
}

func (s *Store) saveAccount(a ledger.Account) error {
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActiveAccounts()
}

func (s *Store) listActiveAccounts() ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range s.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateBalance(ctx context.Context, accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBalance(accountID, pool, balance, lifetimeEarned, lifetimeRedeemed)
}

func (s *Store) updateBalance(accountID string, pool ledger.Pool, balance, lifetimeEarned, lifetimeRedeemed decimal.Decimal) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if pool == ledger.PoolAnnual {
		a.AnnualBalance = balance
		a.AnnualEarned = lifetimeEarned
		a.AnnualRedeemed = lifetimeRedeemed
	} else {
		a.RegularBalance = balance
		a.RegularEarned = lifetimeEarned
		a.RegularRedeemed = lifetimeRedeemed
	}
	s.accounts[accountID] = a
	return nil
}

func (s *Store) UpdateCreditSettings(ctx context.Context, accountID string, enabled bool, limit, used decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCreditSettings(accountID, enabled, limit, used)
}

func (s *Store) updateCreditSettings(accountID string, enabled bool, limit, used decimal.Decimal) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.CreditEnabled = enabled
	a.CreditLimit = limit
	a.CreditUsed = used
	s.accounts[accountID] = a
	return nil
}

func (s *Store) UpdateCreditOverdueDays(ctx context.Context, accountID string, days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCreditOverdueDays(accountID, days)
}

func (s *Store) updateCreditOverdueDays(accountID string, days int) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.CreditOverdueDays = days
	s.accounts[accountID] = a
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(tx)
}

func (s *Store) appendTransaction(tx ledger.Transaction) error {
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *Store) Transactions(ctx context.Context, accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactions(accountID, pool, limit, offset)
}

func (s *Store) listTransactions(accountID string, pool *ledger.Pool, limit, offset int) ([]ledger.Transaction, error) {
	var matched []ledger.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- { // newest first
		tx := s.transactions[i]
		if tx.AccountID != accountID {
			continue
		}
		if pool != nil && tx.Pool != *pool {
			continue
		}
		matched = append(matched, tx)
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// =============================================================================
// REWARDS - rates, invoices, referrals, slabs, withdrawals
// =============================================================================

func (s *Store) GetProductRate(ctx context.Context, itemID string) (*rewards.ProductPointRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[itemID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) SaveProductRate(ctx context.Context, rate rewards.ProductPointRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[rate.ItemID] = rate
	return nil
}

func (s *Store) GetProcessedInvoice(ctx context.Context, externalID string) (*rewards.ProcessedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[externalID]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (s *Store) RecordProcessedInvoice(ctx context.Context, inv rewards.ProcessedInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.ExternalID]; exists {
		return fmt.Errorf("invoice %s already processed", inv.ExternalID)
	}
	s.invoices[inv.ExternalID] = inv
	return nil
}

func (s *Store) SumInvoiceTotals(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, inv := range s.invoices {
		if inv.AccountID != accountID {
			continue
		}
		if inv.Date.Before(from) || !inv.Date.Before(to) {
			continue
		}
		total = total.Add(inv.Total)
	}
	return total, nil
}

func (s *Store) OldestUnsettledSelfInvoice(ctx context.Context, accountID string) (*rewards.ProcessedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *rewards.ProcessedInvoice
	for _, inv := range s.invoices {
		if inv.AccountID != accountID || inv.BillingType != rewards.BillingSelf || inv.Settled {
			continue
		}
		if oldest == nil || inv.Date.Before(oldest.Date) {
			cp := inv
			oldest = &cp
		}
	}
	return oldest, nil
}

func (s *Store) MarkInvoiceSettled(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[externalID]
	if !ok {
		return fmt.Errorf("invoice %s not found", externalID)
	}
	inv.Settled = true
	s.invoices[externalID] = inv
	return nil
}

func (s *Store) GetReferralByReferred(ctx context.Context, referredID string) (*rewards.ReferralRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rel := range s.referrals {
		if rel.ReferredID == referredID {
			cp := rel
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) SaveReferral(ctx context.Context, rel rewards.ReferralRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[rel.ID] = rel
	return nil
}

func (s *Store) ListSlabDefinitions(ctx context.Context, periodType rewards.PeriodType) ([]rewards.SlabDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rewards.SlabDefinition
	for _, def := range s.slabDefs {
		if def.Active && def.PeriodType == periodType {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinAmount.GreaterThan(out[j].MinAmount)
	})
	return out, nil
}

func (s *Store) SaveSlabDefinition(ctx context.Context, def rewards.SlabDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slabDefs[def.ID] = def
	return nil
}

func slabEvalKey(accountID string, periodType rewards.PeriodType, label string) string {
	return accountID + "|" + string(periodType) + "|" + label
}

func (s *Store) GetSlabEvaluation(ctx context.Context, accountID string, periodType rewards.PeriodType, label string) (*rewards.SlabEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eval, ok := s.slabEvals[slabEvalKey(accountID, periodType, label)]
	if !ok {
		return nil, nil
	}
	return &eval, nil
}

func (s *Store) RecordSlabEvaluation(ctx context.Context, eval rewards.SlabEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slabEvalKey(eval.AccountID, eval.PeriodType, eval.PeriodLabel)
	if _, exists := s.slabEvals[key]; exists {
		return fmt.Errorf("slab evaluation %s already recorded", key)
	}
	s.slabEvals[key] = eval
	return nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w rewards.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.withdrawals[w.ID]; exists {
		return fmt.Errorf("withdrawal %s already exists", w.ID)
	}
	s.withdrawals[w.ID] = w
	s.wdOrder = append(s.wdOrder, w.ID)
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*rewards.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *Store) TransitionWithdrawal(ctx context.Context, id string, from, to rewards.WithdrawalStatus, processedBy string, processedAt time.Time, paymentRef, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return rewards.ErrWithdrawalNotFound
	}
	if w.Status != from {
		return rewards.ErrInvalidWithdrawalState
	}
	w.Status = to
	w.ProcessedBy = processedBy
	w.ProcessedAt = &processedAt
	w.PaymentRef = paymentRef
	w.Notes = notes
	s.withdrawals[id] = w
	return nil
}

func (s *Store) ListWithdrawals(ctx context.Context, accountID string, status rewards.WithdrawalStatus) ([]rewards.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rewards.WithdrawalRequest
	for i := len(s.wdOrder) - 1; i >= 0; i-- { // newest first
		w := s.withdrawals[s.wdOrder[i]]
		if accountID != "" && w.AccountID != accountID {
			continue
		}
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}
