package rewards

import "github.com/shopspring/decimal"

// Referral tier bands, inclusive at each lower bound.
var (
	tierBase   = decimal.RequireFromString("0.5") // fewer than 3 bills
	tierBronze = decimal.RequireFromString("1.0") // 3-4 bills
	tierSilver = decimal.RequireFromString("1.5") // 5-9 bills
	tierGold   = decimal.RequireFromString("2.0") // 10+ bills
)

// TierPercent maps a referred account's cumulative bill count to the
// referrer's bonus percentage. Pure: no side effects, no I/O.
func TierPercent(cumulativeBills int) decimal.Decimal {
	switch {
	case cumulativeBills >= 10:
		return tierGold
	case cumulativeBills >= 5:
		return tierSilver
	case cumulativeBills >= 3:
		return tierBronze
	default:
		return tierBase
	}
}
