/*
handlers.go - HTTP API handlers for the loyalty points engine

PURPOSE:
  Exposes the ledger and rewards components via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                      Register account
    GET    /api/accounts/{id}                 Account details
    GET    /api/accounts/{id}/balance         Balance summary
    GET    /api/accounts/{id}/transactions    Ledger history
    PUT    /api/accounts/{id}/credit          Update credit settings

  Invoices:
    POST   /api/invoices/process              Award points for an invoice
    POST   /api/invoices/{externalId}/settle  Mark invoice settled

  Attendance:
    POST   /api/attendance                    Award attendance points

  Withdrawals:
    POST   /api/withdrawals                   Open a pending request
    GET    /api/withdrawals                   List requests
    GET    /api/withdrawals/{id}              Request details
    POST   /api/withdrawals/{id}/approve      Approve (debits points)
    POST   /api/withdrawals/{id}/reject       Reject
    POST   /api/withdrawals/{id}/pay          Mark paid

  Referrals:
    POST   /api/referrals                     Link referrer to referred

  Admin:
    POST   /api/admin/rates                   Set product point rate
    POST   /api/admin/slabs                   Set slab definition
    POST   /api/admin/slabs/evaluate          Run slab job for a period
    POST   /api/admin/credit/sweep            Run credit overdue sweep
    POST   /api/admin/adjustments             Manual balance adjustment

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, malformed period label
  - 404: Account/withdrawal not found
  - 409: Withdrawal not in a processable state
  - 422: Insufficient funds
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  Deploy behind an authenticating gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
	"github.com/looppoint/loyalty-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API needs from persistence.
type Store interface {
	ledger.TxStore
	rewards.RateStore
	rewards.InvoiceStore
	rewards.ReferralStore
	rewards.SlabStore
	rewards.WithdrawalStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Ledger      *ledger.Service
	Invoices    *rewards.InvoiceProcessor
	Slabs       *rewards.SlabEvaluator
	Sweeper     *rewards.OverdueSweeper
	Withdrawals *rewards.WithdrawalService
	Attendance  *rewards.AttendanceAwarder
}

// NewHandler wires the full engine on top of one store.
func NewHandler(store Store, overdueDays int) *Handler {
	svc := ledger.NewService(store)
	return &Handler{
		Store:  store,
		Ledger: svc,
		Invoices: &rewards.InvoiceProcessor{
			Ledger:    svc,
			Rates:     store,
			Invoices:  store,
			Referrals: store,
		},
		Slabs: &rewards.SlabEvaluator{
			Ledger:   svc,
			Accounts: store,
			Invoices: store,
			Slabs:    store,
		},
		Sweeper: &rewards.OverdueSweeper{
			Ledger:               svc,
			Accounts:             store,
			Invoices:             store,
			OverdueThresholdDays: overdueDays,
		},
		Withdrawals: rewards.NewWithdrawalService(svc, store),
		Attendance:  &rewards.AttendanceAwarder{Ledger: svc},
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers a new loyalty account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	creditLimit := decimal.Zero
	if req.CreditLimit != "" {
		var err error
		creditLimit, err = decimal.NewFromString(req.CreditLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid credit_limit", err)
			return
		}
	}

	acct := ledger.Account{
		ID:            req.ID,
		CreditEnabled: req.CreditEnabled,
		CreditLimit:   creditLimit,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.Store.SaveAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns one account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

// GetBalance returns the balance summary for an account.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID:       summary.AccountID,
		Regular:         summary.Regular.String(),
		Annual:          summary.Annual.String(),
		RegularEarned:   summary.RegularEarned.String(),
		RegularRedeemed: summary.RegularRedeemed.String(),
		AnnualEarned:    summary.AnnualEarned.String(),
		AnnualRedeemed:  summary.AnnualRedeemed.String(),
	})
}

// GetTransactions returns ledger history, newest first.
// Query params: pool (regular|annual), limit, offset.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var pool *ledger.Pool
	if p := r.URL.Query().Get("pool"); p != "" {
		pv := ledger.Pool(p)
		if !pv.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid pool", nil)
			return
		}
		pool = &pv
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txs, err := h.Ledger.History(r.Context(), accountID, pool, limit, offset)
	if err != nil {
		writeDomainError(w, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateCreditSettings writes an account's credit configuration.
func (h *Handler) UpdateCreditSettings(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req CreditSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	limit, err := decimal.NewFromString(req.CreditLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credit_limit", err)
		return
	}
	used, err := decimal.NewFromString(req.CreditUsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credit_used", err)
		return
	}

	if err := h.Store.UpdateCreditSettings(r.Context(), accountID, req.CreditEnabled, limit, used); err != nil {
		writeDomainError(w, "Failed to update credit settings", err)
		return
	}

	acct, err := h.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ProcessInvoice awards points for one finalized invoice.
func (h *Handler) ProcessInvoice(w http.ResponseWriter, r *http.Request) {
	var req ProcessInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "account_id and external_id are required", nil)
		return
	}

	billingType := rewards.BillingType(req.BillingType)
	if !billingType.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid billing_type (use self or customer)", nil)
		return
	}

	date, err := time.Parse(time.RFC3339, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use RFC 3339)", err)
		return
	}
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid total", err)
		return
	}

	inv := rewards.Invoice{
		ExternalID: req.ExternalID,
		Number:     req.Number,
		Date:       date,
		Total:      total,
	}
	for _, li := range req.LineItems {
		qty, err := decimal.NewFromString(li.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid line item quantity", err)
			return
		}
		rev, err := decimal.NewFromString(li.LineRevenue)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid line item revenue", err)
			return
		}
		inv.LineItems = append(inv.LineItems, rewards.LineItem{
			ItemID:      li.ItemID,
			Quantity:    qty,
			LineRevenue: rev,
		})
	}

	result, err := h.Invoices.Process(r.Context(), req.AccountID, inv, billingType, req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to process invoice", err)
		return
	}

	writeJSON(w, http.StatusOK, InvoiceResultDTO{
		AlreadyProcessed: result.AlreadyProcessed,
		RegularPoints:    result.RegularPoints.String(),
		AnnualPoints:     result.AnnualPoints.String(),
		ReferralPoints:   result.ReferralPoints.String(),
	})
}

// SettleInvoice marks a processed invoice settled (billing reconciliation).
func (h *Handler) SettleInvoice(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalId")
	if err := h.Store.MarkInvoiceSettled(r.Context(), externalID); err != nil {
		writeError(w, http.StatusNotFound, "Failed to settle invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

// =============================================================================
// ATTENDANCE HANDLER
// =============================================================================

// AwardAttendance credits points for a verified attendance record.
func (h *Handler) AwardAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	balance, err := h.Attendance.Award(r.Context(), req.AccountID, amount, req.AttendanceRecordID, req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to award attendance points", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// CreateWithdrawal opens a pending withdrawal request.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	wd, err := h.Withdrawals.Request(r.Context(), req.AccountID, ledger.Pool(req.Pool), amount)
	if err != nil {
		writeDomainError(w, "Failed to create withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wd))
}

// ListWithdrawals returns requests, optionally filtered by account and status.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	wds, err := h.Withdrawals.List(r.Context(),
		r.URL.Query().Get("account_id"),
		rewards.WithdrawalStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list withdrawals", err)
		return
	}

	dtos := make([]WithdrawalDTO, len(wds))
	for i, wd := range wds {
		dtos[i] = toWithdrawalDTO(wd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWithdrawal returns one request.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

// ApproveWithdrawal debits the account and moves the request to approved.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processWithdrawal(w, r, rewards.ActionApprove)
}

// RejectWithdrawal records the rejection; no points move.
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processWithdrawal(w, r, rewards.ActionReject)
}

// PayWithdrawal marks the request paid (debiting if still pending).
func (h *Handler) PayWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processWithdrawal(w, r, rewards.ActionPay)
}

func (h *Handler) processWithdrawal(w http.ResponseWriter, r *http.Request, action rewards.WithdrawalAction) {
	var req ProcessWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wd, err := h.Withdrawals.Process(r.Context(), chi.URLParam(r, "id"), action,
		req.ActorID, req.PaymentRef, req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to process withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

// =============================================================================
// REFERRAL HANDLER
// =============================================================================

// CreateReferral links a referrer to a newly registered account.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" || req.ReferredID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id and referred_id are required", nil)
		return
	}

	rel := rewards.ReferralRelationship{
		ID:              req.ID,
		ReferrerID:      req.ReferrerID,
		ReferredID:      req.ReferredID,
		TierPercent:     rewards.TierPercent(0),
		TotalPointsPaid: decimal.Zero,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}

	if err := h.Store.SaveReferral(r.Context(), rel); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create referral", err)
		return
	}

	writeJSON(w, http.StatusCreated, ReferralDTO{
		ID:              rel.ID,
		ReferrerID:      rel.ReferrerID,
		ReferredID:      rel.ReferredID,
		BillCount:       rel.BillCount,
		TierPercent:     rel.TierPercent.String(),
		TotalPointsPaid: rel.TotalPointsPaid.String(),
		Active:          rel.Active,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SaveRate sets the point rate for a catalog item.
func (h *Handler) SaveRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	perUnit, err := decimal.NewFromString(req.PointsPerUnit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid points_per_unit", err)
		return
	}
	annualPct := decimal.Zero
	if req.AnnualPercent != "" {
		annualPct, err = decimal.NewFromString(req.AnnualPercent)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid annual_percent", err)
			return
		}
	}

	rate := rewards.ProductPointRate{
		ItemID:         req.ItemID,
		PointsPerUnit:  perUnit,
		AnnualEligible: req.AnnualEligible,
		AnnualPercent:  annualPct,
	}
	if err := h.Store.SaveProductRate(r.Context(), rate); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rate", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SaveSlabDefinition creates or updates a purchase-volume band.
func (h *Handler) SaveSlabDefinition(w http.ResponseWriter, r *http.Request) {
	var req SlabDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	periodType := rewards.PeriodType(req.PeriodType)
	if !periodType.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid period_type (use monthly or quarterly)", nil)
		return
	}
	minAmt, err := decimal.NewFromString(req.MinAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid min_amount", err)
		return
	}
	bonus, err := decimal.NewFromString(req.BonusPoints)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bonus_points", err)
		return
	}
	var maxAmt *decimal.Decimal
	if req.MaxAmount != nil {
		m, err := decimal.NewFromString(*req.MaxAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid max_amount", err)
			return
		}
		maxAmt = &m
	}

	def := rewards.SlabDefinition{
		ID:          req.ID,
		PeriodType:  periodType,
		MinAmount:   minAmt,
		MaxAmount:   maxAmt,
		BonusPoints: bonus,
		Label:       req.Label,
		Active:      req.Active,
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	if err := h.Store.SaveSlabDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save slab definition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": def.ID})
}

// EvaluateSlabs runs the slab bonus job for one closed period.
func (h *Handler) EvaluateSlabs(w http.ResponseWriter, r *http.Request) {
	var req EvaluateSlabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	summary, err := h.Slabs.Evaluate(r.Context(), rewards.PeriodType(req.PeriodType), req.Label)
	if err != nil {
		writeDomainError(w, "Failed to evaluate slabs", err)
		return
	}

	writeJSON(w, http.StatusOK, SlabSummaryDTO{
		PeriodType: string(summary.PeriodType),
		Label:      summary.Label,
		Evaluated:  summary.Evaluated,
		Awarded:    summary.Awarded,
		Failed:     summary.Failed,
	})
}

// SweepCredit runs the overdue credit recovery across all accounts.
func (h *Handler) SweepCredit(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to run credit sweep", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResultDTO{
		Scanned:   result.Scanned,
		Recovered: result.Recovered,
		Failed:    result.Failed,
		Total:     result.Total.String(),
	})
}

// CreateAdjustment applies a manual admin credit or debit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry := ledger.Entry{
		AccountID:   req.AccountID,
		Pool:        ledger.Pool(req.Pool),
		Amount:      amount,
		Source:      ledger.SourceAdminAdjust,
		Description: req.Description,
		ActorID:     req.ActorID,
	}

	var balance decimal.Decimal
	switch req.Direction {
	case "credit":
		balance, err = h.Ledger.Credit(r.Context(), entry)
	case "debit":
		balance, err = h.Ledger.Debit(r.Context(), entry)
	default:
		writeError(w, http.StatusBadRequest, "Invalid direction (use credit or debit)", nil)
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:                a.ID,
		RegularBalance:    a.RegularBalance.String(),
		AnnualBalance:     a.AnnualBalance.String(),
		CreditEnabled:     a.CreditEnabled,
		CreditLimit:       a.CreditLimit.String(),
		CreditUsed:        a.CreditUsed.String(),
		CreditOverdueDays: a.CreditOverdueDays,
		Active:            a.Active,
		CreatedAt:         a.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            tx.ID,
		AccountID:     tx.AccountID,
		Pool:          string(tx.Pool),
		Type:          string(tx.Type),
		Amount:        tx.Amount.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		Source:        string(tx.Source),
		ReferenceID:   tx.ReferenceID,
		ReferenceType: tx.ReferenceType,
		Description:   tx.Description,
		ActorID:       tx.ActorID,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toWithdrawalDTO(wd rewards.WithdrawalRequest) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:          wd.ID,
		AccountID:   wd.AccountID,
		Pool:        string(wd.Pool),
		Amount:      wd.Amount.String(),
		Status:      string(wd.Status),
		RequestedAt: wd.RequestedAt.Format(time.RFC3339),
		ProcessedBy: wd.ProcessedBy,
		PaymentRef:  wd.PaymentRef,
		Notes:       wd.Notes,
	}
	if wd.ProcessedAt != nil {
		dto.ProcessedAt = wd.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case ledger.IsNotFound(err), errors.Is(err, rewards.ErrWithdrawalNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.As(err, &insufficient), errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, rewards.ErrInvalidWithdrawalState):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, ledger.ErrInvalidPool),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, rewards.ErrBadPeriodLabel),
		errors.Is(err, rewards.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
