package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looppoint/loyalty-engine/store/memory"
)

func newTestAPI(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	handler := NewHandler(store, 30)
	return NewRouter(handler), store
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func createAccount(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/accounts",
		CreateAccountRequest{ID: id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func adjustBalance(t *testing.T, router http.Handler, accountID, pool, amount string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		AccountID: accountID, Pool: pool, Direction: "credit",
		Amount: amount, ActorID: "admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateAndGetAccount(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts",
		CreateAccountRequest{ID: "acct-1", CreditEnabled: true, CreditLimit: "500"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acct := decodeBody[AccountDTO](t, rec)
	assert.Equal(t, "acct-1", acct.ID)
	assert.True(t, acct.CreditEnabled)
	assert.Equal(t, "500", acct.CreditLimit)
	assert.Equal(t, "0", acct.RegularBalance)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAccountValidation(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts", CreateAccountRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/accounts",
		CreateAccountRequest{ID: "acct-1", CreditLimit: "not-a-number"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessInvoiceEndToEnd(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	// Configure the rate: 2 points/unit, annual at 1% of revenue.
	rec := doJSON(t, router, http.MethodPost, "/api/admin/rates", RateRequest{
		ItemID: "item-a", PointsPerUnit: "2", AnnualEligible: true, AnnualPercent: "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	invoiceReq := ProcessInvoiceRequest{
		AccountID:   "acct-1",
		BillingType: "customer",
		ExternalID:  "ext-1",
		Number:      "INV-001",
		Date:        "2025-07-10T00:00:00Z",
		Total:       "1000",
		LineItems: []LineItemDTO{
			{ItemID: "item-a", Quantity: "5", LineRevenue: "1000"},
		},
	}

	rec = doJSON(t, router, http.MethodPost, "/api/invoices/process", invoiceReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[InvoiceResultDTO](t, rec)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, "10", result.RegularPoints)
	assert.Equal(t, "10", result.AnnualPoints)

	// Balance reflects both pools.
	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "10", balance.Regular)
	assert.Equal(t, "10", balance.Annual)

	// Replaying the same external id changes nothing.
	rec = doJSON(t, router, http.MethodPost, "/api/invoices/process", invoiceReq)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[InvoiceResultDTO](t, rec)
	assert.True(t, replay.AlreadyProcessed)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance = decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "10", balance.Regular)

	// The transaction history shows the two earn entries.
	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	assert.Len(t, txs, 2)
}

func TestProcessInvoiceValidation(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	rec := doJSON(t, router, http.MethodPost, "/api/invoices/process", ProcessInvoiceRequest{
		AccountID: "acct-1", BillingType: "barter", ExternalID: "ext-1",
		Date: "2025-07-10T00:00:00Z", Total: "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/invoices/process", ProcessInvoiceRequest{
		AccountID: "acct-1", BillingType: "customer", ExternalID: "ext-1",
		Date: "July 10th", Total: "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawalLifecycleEndpoints(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")
	adjustBalance(t, router, "acct-1", "regular", "100")

	// Open a request.
	rec := doJSON(t, router, http.MethodPost, "/api/withdrawals", CreateWithdrawalRequest{
		AccountID: "acct-1", Pool: "regular", Amount: "30",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "pending", wd.Status)

	// Approve it.
	rec = doJSON(t, router, http.MethodPost, "/api/withdrawals/"+wd.ID+"/approve",
		ProcessWithdrawalRequest{ActorID: "op-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "op-1", approved.ProcessedBy)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "70", balance.Regular)

	// A second approval conflicts.
	rec = doJSON(t, router, http.MethodPost, "/api/withdrawals/"+wd.ID+"/approve",
		ProcessWithdrawalRequest{ActorID: "op-2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Paying the approved request records the reference, no extra debit.
	rec = doJSON(t, router, http.MethodPost, "/api/withdrawals/"+wd.ID+"/pay",
		ProcessWithdrawalRequest{ActorID: "op-1", PaymentRef: "PAY-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.Equal(t, "PAY-42", paid.PaymentRef)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance = decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "70", balance.Regular)

	// Listing with filters.
	rec = doJSON(t, router, http.MethodGet, "/api/withdrawals?account_id=acct-1&status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]WithdrawalDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, wd.ID, list[0].ID)
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")
	adjustBalance(t, router, "acct-1", "regular", "10")

	rec := doJSON(t, router, http.MethodPost, "/api/withdrawals", CreateWithdrawalRequest{
		AccountID: "acct-1", Pool: "regular", Amount: "10.01",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	errResp := decodeBody[ErrorResponse](t, rec)
	assert.NotEmpty(t, errResp.Error)
}

func TestWithdrawalNotFound(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/withdrawals/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/withdrawals/no-such-id/approve",
		ProcessWithdrawalRequest{ActorID: "op"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionsPoolValidation(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	rec := doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/transactions?pool=bonus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustmentDirectionValidation(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	rec := doJSON(t, router, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		AccountID: "acct-1", Pool: "regular", Direction: "sideways",
		Amount: "10", ActorID: "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A debit against an empty pool surfaces as 422.
	rec = doJSON(t, router, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		AccountID: "acct-1", Pool: "regular", Direction: "debit",
		Amount: "10", ActorID: "admin",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEvaluateSlabsBadLabel(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/slabs/evaluate", EvaluateSlabRequest{
		PeriodType: "monthly", Label: "July 2025",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlabEvaluationViaAPI(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	rec := doJSON(t, router, http.MethodPost, "/api/admin/slabs", SlabDefinitionRequest{
		PeriodType: "monthly", MinAmount: "500", BonusPoints: "50",
		Label: "Base", Active: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/rates", RateRequest{
		ItemID: "item-a", PointsPerUnit: "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/invoices/process", ProcessInvoiceRequest{
		AccountID: "acct-1", BillingType: "customer", ExternalID: "ext-1",
		Number: "INV-001", Date: "2025-07-10T00:00:00Z", Total: "800",
		LineItems: []LineItemDTO{{ItemID: "item-a", Quantity: "1", LineRevenue: "800"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/slabs/evaluate", EvaluateSlabRequest{
		PeriodType: "monthly", Label: "2025-07",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeBody[SlabSummaryDTO](t, rec)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.Awarded)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "50", balance.Annual)
}

func TestCreditSweepViaAPI(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")
	adjustBalance(t, router, "acct-1", "regular", "40")

	// Enable credit with 100 outstanding.
	rec := doJSON(t, router, http.MethodPut, "/api/accounts/acct-1/credit", CreditSettingsRequest{
		CreditEnabled: true, CreditLimit: "1000", CreditUsed: "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Self-billed invoice older than the threshold.
	rec = doJSON(t, router, http.MethodPost, "/api/invoices/process", ProcessInvoiceRequest{
		AccountID: "acct-1", BillingType: "self", ExternalID: "ext-1",
		Number: "INV-001", Date: "2025-01-01T00:00:00Z", Total: "100",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/credit/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[SweepResultDTO](t, rec)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, "40", result.Total)

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "0", balance.Regular)

	// The settlement endpoint clears the exposure for the next run.
	rec = doJSON(t, router, http.MethodPost, "/api/invoices/ext-1/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/credit/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result = decodeBody[SweepResultDTO](t, rec)
	assert.Equal(t, 0, result.Recovered)
}

func TestAttendanceAward(t *testing.T) {
	router, _ := newTestAPI(t)
	createAccount(t, router, "acct-1")

	rec := doJSON(t, router, http.MethodPost, "/api/attendance", AttendanceRequest{
		AccountID: "acct-1", Amount: "15", AttendanceRecordID: "att-1", ActorID: "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "15", balance.Regular)

	rec = doJSON(t, router, http.MethodPost, "/api/attendance", AttendanceRequest{
		AccountID: "acct-1", Amount: "-5", AttendanceRecordID: "att-2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReferralEndpoint(t *testing.T) {
	router, store := newTestAPI(t)
	createAccount(t, router, "referrer")
	createAccount(t, router, "referred")

	rec := doJSON(t, router, http.MethodPost, "/api/referrals", CreateReferralRequest{
		ReferrerID: "referrer", ReferredID: "referred",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rel := decodeBody[ReferralDTO](t, rec)
	assert.NotEmpty(t, rel.ID)
	assert.Equal(t, "0.5", rel.TierPercent)

	saved, err := store.GetReferralByReferred(context.Background(), "referred")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "referrer", saved.ReferrerID)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
