package rewards

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/looppoint/loyalty-engine/ledger"
)

// AttendanceAwarder credits points for externally-verified event
// attendance. Verification happens upstream; by the time a record
// reaches Award it is already trusted.
type AttendanceAwarder struct {
	Ledger *ledger.Service
}

// Award credits the regular pool for one attendance record.
func (a *AttendanceAwarder) Award(ctx context.Context, accountID string, amount decimal.Decimal, attendanceRecordID, actorID string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	return a.Ledger.Credit(ctx, ledger.Entry{
		AccountID:     accountID,
		Pool:          ledger.PoolRegular,
		Amount:        amount,
		Source:        ledger.SourceAttendance,
		ReferenceID:   attendanceRecordID,
		ReferenceType: "attendance_record",
		Description:   fmt.Sprintf("Attendance award %s", attendanceRecordID),
		ActorID:       actorID,
	})
}
