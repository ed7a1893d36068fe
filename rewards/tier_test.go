package rewards

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTierPercentBoundaries(t *testing.T) {
	cases := []struct {
		bills int
		want  string
	}{
		{0, "0.5"},
		{1, "0.5"},
		{2, "0.5"},
		{3, "1.0"},
		{4, "1.0"},
		{5, "1.5"},
		{9, "1.5"},
		{10, "2.0"},
		{11, "2.0"},
		{100, "2.0"},
	}

	for _, tc := range cases {
		got := TierPercent(tc.bills)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("TierPercent(%d) = %s, want %s", tc.bills, got, tc.want)
		}
	}
}

func TestTierPercentIsMonotonic(t *testing.T) {
	prev := TierPercent(0)
	for bills := 1; bills <= 20; bills++ {
		cur := TierPercent(bills)
		if cur.LessThan(prev) {
			t.Fatalf("TierPercent(%d) = %s dropped below TierPercent(%d) = %s",
				bills, cur, bills-1, prev)
		}
		prev = cur
	}
}
