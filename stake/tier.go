package stake

import "github.com/shopspring/decimal"

// Refund tiers, ordered by descending stake threshold. Thresholds are
// PSP-wei (10^18 scaled); the percent is the share of gas reimbursed.
type Tier struct {
	MinStake      decimal.Decimal
	RefundPercent decimal.Decimal
}

var tiers = []Tier{
	{pspWei(500_000), decimal.NewFromInt(1)},
	{pspWei(50_000), decimal.RequireFromString("0.75")},
	{pspWei(5_000), decimal.RequireFromString("0.5")},
	{pspWei(500), decimal.RequireFromString("0.25")},
}

// MinStake is the eligibility floor. Below it there is no tier and the
// address earns no refund.
var MinStake = pspWei(500)

func pspWei(psp int64) decimal.Decimal {
	return decimal.NewFromInt(psp).Shift(18)
}

// RefundPercent resolves the refund tier for a staked amount. It walks the
// tiers in descending threshold order and returns the first whose threshold
// the stake reaches. ok is false below MinStake; callers must treat that as
// ineligibility, not as a zero percent.
func RefundPercent(stakedAmount decimal.Decimal) (percent decimal.Decimal, ok bool) {
	for _, tier := range tiers {
		if stakedAmount.GreaterThanOrEqual(tier.MinStake) {
			return tier.RefundPercent, true
		}
	}
	return decimal.Zero, false
}
