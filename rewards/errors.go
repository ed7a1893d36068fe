package rewards

import "errors"

var (
	// ErrWithdrawalNotFound is returned when a withdrawal id is unknown.
	ErrWithdrawalNotFound = errors.New("withdrawal not found")

	// ErrInvalidWithdrawalState is returned when processing a withdrawal
	// that is not currently pending. Concurrent processors of the same
	// withdrawal see this after the first one wins.
	ErrInvalidWithdrawalState = errors.New("withdrawal is not pending")

	// ErrBadPeriodLabel is returned for labels not matching "YYYY-MM"
	// (monthly) or "YYYY-Qn" (quarterly).
	ErrBadPeriodLabel = errors.New("malformed period label")

	// ErrUnknownAction is returned for withdrawal actions other than
	// approve, reject, or paid.
	ErrUnknownAction = errors.New("unknown withdrawal action")
)
