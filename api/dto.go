/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY FIELDS:
  Point and money amounts travel as JSON strings ("10.00"), never floats,
  and are parsed into decimal.Decimal at the handler boundary.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccountRequest registers a loyalty account.
type CreateAccountRequest struct {
	ID            string `json:"id"`
	CreditEnabled bool   `json:"credit_enabled"`
	CreditLimit   string `json:"credit_limit,omitempty"`
}

// CreditSettingsRequest updates an account's credit configuration.
type CreditSettingsRequest struct {
	CreditEnabled bool   `json:"credit_enabled"`
	CreditLimit   string `json:"credit_limit"`
	CreditUsed    string `json:"credit_used"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID                string `json:"id"`
	RegularBalance    string `json:"regular_balance"`
	AnnualBalance     string `json:"annual_balance"`
	CreditEnabled     bool   `json:"credit_enabled"`
	CreditLimit       string `json:"credit_limit"`
	CreditUsed        string `json:"credit_used"`
	CreditOverdueDays int    `json:"credit_overdue_days"`
	Active            bool   `json:"active"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// BalanceDTO is the balance summary for one account.
type BalanceDTO struct {
	AccountID       string `json:"account_id"`
	Regular         string `json:"regular"`
	Annual          string `json:"annual"`
	RegularEarned   string `json:"regular_earned"`
	RegularRedeemed string `json:"regular_redeemed"`
	AnnualEarned    string `json:"annual_earned"`
	AnnualRedeemed  string `json:"annual_redeemed"`
}

// TransactionDTO is one ledger entry in API responses.
type TransactionDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Pool          string `json:"pool"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceAfter  string `json:"balance_after"`
	Source        string `json:"source"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	Description   string `json:"description,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// INVOICES
// =============================================================================

// LineItemDTO is one invoice line in a processing request.
type LineItemDTO struct {
	ItemID      string `json:"item_id"`
	Quantity    string `json:"quantity"`
	LineRevenue string `json:"line_revenue"`
}

// ProcessInvoiceRequest submits a finalized invoice for point awards.
type ProcessInvoiceRequest struct {
	AccountID   string        `json:"account_id"`
	BillingType string        `json:"billing_type"`
	ExternalID  string        `json:"external_id"`
	Number      string        `json:"number"`
	Date        string        `json:"date"` // RFC 3339
	Total       string        `json:"total"`
	LineItems   []LineItemDTO `json:"line_items"`
	ActorID     string        `json:"actor_id,omitempty"`
}

// InvoiceResultDTO reports what an invoice earned.
type InvoiceResultDTO struct {
	AlreadyProcessed bool   `json:"already_processed"`
	RegularPoints    string `json:"regular_points"`
	AnnualPoints     string `json:"annual_points"`
	ReferralPoints   string `json:"referral_points"`
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// AttendanceRequest awards points for a verified attendance record.
type AttendanceRequest struct {
	AccountID          string `json:"account_id"`
	Amount             string `json:"amount"`
	AttendanceRecordID string `json:"attendance_record_id"`
	ActorID            string `json:"actor_id,omitempty"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// CreateWithdrawalRequest opens a pending withdrawal.
type CreateWithdrawalRequest struct {
	AccountID string `json:"account_id"`
	Pool      string `json:"pool"`
	Amount    string `json:"amount"`
}

// ProcessWithdrawalRequest carries operator context for a decision.
type ProcessWithdrawalRequest struct {
	ActorID    string `json:"actor_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// WithdrawalDTO represents a withdrawal request in API responses.
type WithdrawalDTO struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Pool        string `json:"pool"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	RequestedAt string `json:"requested_at"`
	ProcessedBy string `json:"processed_by,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// =============================================================================
// REFERRALS
// =============================================================================

// CreateReferralRequest links a referrer to a newly registered account.
type CreateReferralRequest struct {
	ID         string `json:"id,omitempty"`
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

// ReferralDTO represents a referral relationship in API responses.
type ReferralDTO struct {
	ID              string `json:"id"`
	ReferrerID      string `json:"referrer_id"`
	ReferredID      string `json:"referred_id"`
	BillCount       int    `json:"bill_count"`
	TierPercent     string `json:"tier_percent"`
	TotalPointsPaid string `json:"total_points_paid"`
	Active          bool   `json:"active"`
}

// =============================================================================
// ADMIN CONFIG
// =============================================================================

// RateRequest sets the point rate for a catalog item.
type RateRequest struct {
	ItemID         string `json:"item_id"`
	PointsPerUnit  string `json:"points_per_unit"`
	AnnualEligible bool   `json:"annual_eligible"`
	AnnualPercent  string `json:"annual_percent"`
}

// SlabDefinitionRequest creates or updates a purchase-volume band.
type SlabDefinitionRequest struct {
	ID          string  `json:"id"`
	PeriodType  string  `json:"period_type"`
	MinAmount   string  `json:"min_amount"`
	MaxAmount   *string `json:"max_amount,omitempty"`
	BonusPoints string  `json:"bonus_points"`
	Label       string  `json:"label"`
	Active      bool    `json:"active"`
}

// EvaluateSlabRequest triggers the slab job for one closed period.
type EvaluateSlabRequest struct {
	PeriodType string `json:"period_type"`
	Label      string `json:"label"`
}

// SlabSummaryDTO reports one slab job run.
type SlabSummaryDTO struct {
	PeriodType string `json:"period_type"`
	Label      string `json:"label"`
	Evaluated  int    `json:"evaluated"`
	Awarded    int    `json:"awarded"`
	Failed     int    `json:"failed"`
}

// SweepResultDTO reports one credit sweep run.
type SweepResultDTO struct {
	Scanned   int    `json:"scanned"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
	Total     string `json:"total"`
}

// AdjustmentRequest is a manual admin credit or debit.
type AdjustmentRequest struct {
	AccountID   string `json:"account_id"`
	Pool        string `json:"pool"`
	Direction   string `json:"direction"` // "credit" or "debit"
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	ActorID     string `json:"actor_id"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
