package refund

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/epoch"
)

// Budget caps. The global cap is PSP-denominated (wei); the per-address
// caps are USD-denominated.
var (
	MaxPSPGlobalYearly  = decimal.NewFromInt(30_000_000).Shift(18)
	MaxUSDAddressYearly = decimal.NewFromInt(30_000)
	MaxUSDAddressEpoch  = MaxUSDAddressYearly.Div(decimal.NewFromInt(epoch.EpochsPerYear))
)

// ErrNegativeCap means an address's accumulated refunds already exceed a
// cap, i.e. a prior run over-refunded. This is a logic error and aborts the
// run before any root is sealed.
var ErrNegativeCap = errors.New("negative cap: accumulated refunds exceed budget")

// AppliedCaps records how the three caps bound a refund. Either field may
// be nil. The global-PSP cap sets CappedPSP without touching CappedUSD, so
// the two are independent; consumers commit the effective amounts.
type AppliedCaps struct {
	CappedUSD *decimal.Decimal
	CappedPSP *decimal.Decimal
}

// EffectiveUSD returns the capped USD amount, or raw when uncapped.
func (c AppliedCaps) EffectiveUSD(raw decimal.Decimal) decimal.Decimal {
	if c.CappedUSD != nil {
		return *c.CappedUSD
	}
	return raw
}

// EffectivePSP returns the capped PSP amount, or raw when uncapped.
func (c AppliedCaps) EffectivePSP(raw decimal.Decimal) decimal.Decimal {
	if c.CappedPSP != nil {
		return *c.CappedPSP
	}
	return raw
}

// Guardian tracks the three budget counters for the pass in progress:
// yearly global PSP, yearly per-address USD and epoch per-address USD.
// All state is in memory; a new pass reloads it from validated rows. Every
// operation is synchronous — the re-validation pass is single-threaded and
// its determinism depends on serial accounting.
type Guardian struct {
	genesisEpoch     uint64
	epochBudgetEpoch uint64

	totalPSPRefundedForYear decimal.Decimal
	yearlyRefundedUSD       map[common.Address]decimal.Decimal
	epochRefundedUSD        map[common.Address]decimal.Decimal
}

func NewGuardian(genesisEpoch, epochBudgetEpoch uint64) *Guardian {
	return &Guardian{
		genesisEpoch:            genesisEpoch,
		epochBudgetEpoch:        epochBudgetEpoch,
		totalPSPRefundedForYear: decimal.Zero,
		yearlyRefundedUSD:       make(map[common.Address]decimal.Decimal),
		epochRefundedUSD:        make(map[common.Address]decimal.Decimal),
	}
}

// LoadState seeds the yearly counters from previously validated rows.
func (g *Guardian) LoadState(totalPSP decimal.Decimal, yearlyUSD map[common.Address]decimal.Decimal) {
	g.totalPSPRefundedForYear = totalPSP
	g.yearlyRefundedUSD = make(map[common.Address]decimal.Decimal, len(yearlyUSD))
	for addr, usd := range yearlyUSD {
		g.yearlyRefundedUSD[addr] = usd
	}
	g.epochRefundedUSD = make(map[common.Address]decimal.Decimal)
}

// BeginEpoch resets the per-epoch counters, and the yearly counters too
// when the epoch opens a new rolling year.
func (g *Guardian) BeginEpoch(e uint64) {
	g.epochRefundedUSD = make(map[common.Address]decimal.Decimal)
	if e >= g.genesisEpoch && (e-g.genesisEpoch)%epoch.EpochsPerYear == 0 {
		g.totalPSPRefundedForYear = decimal.Zero
		g.yearlyRefundedUSD = make(map[common.Address]decimal.Decimal)
	}
}

// IsGlobalSpent reports whether the yearly global PSP budget is exhausted.
func (g *Guardian) IsGlobalSpent() bool {
	return g.totalPSPRefundedForYear.GreaterThanOrEqual(MaxPSPGlobalYearly)
}

// HasAddressSpentYearly reports whether addr exhausted its yearly USD budget.
func (g *Guardian) HasAddressSpentYearly(addr common.Address) bool {
	return g.yearlyRefundedUSD[addr].GreaterThanOrEqual(MaxUSDAddressYearly)
}

// HasAddressSpentEpoch reports whether addr exhausted its epoch USD budget.
func (g *Guardian) HasAddressSpentEpoch(addr common.Address) bool {
	return g.epochRefundedUSD[addr].GreaterThanOrEqual(MaxUSDAddressEpoch)
}

// ApplyCaps bounds a raw refund under the three caps, in order: yearly
// per-address USD, then (from the epoch-budget epoch, and only when the
// yearly cap did not already trip) epoch per-address USD, then yearly
// global PSP. The first two derive a capped PSP from the capped USD at the
// swap's PSP price; the global cap bounds PSP alone and leaves USD as is.
func (g *Guardian) ApplyCaps(addr common.Address, refundUSD, refundPSP, pspPriceUSD decimal.Decimal, e uint64) (AppliedCaps, error) {
	var caps AppliedCaps

	if g.yearlyRefundedUSD[addr].Add(refundUSD).GreaterThan(MaxUSDAddressYearly) {
		cappedUSD := MaxUSDAddressYearly.Sub(g.yearlyRefundedUSD[addr])
		if cappedUSD.IsNegative() {
			return caps, fmt.Errorf("%w: address %s yearly usd %s", ErrNegativeCap, addr, g.yearlyRefundedUSD[addr])
		}
		cappedPSP := cappedUSD.Div(pspPriceUSD).Mul(weiScale).Floor()
		caps.CappedUSD, caps.CappedPSP = &cappedUSD, &cappedPSP
	} else if e >= g.epochBudgetEpoch && g.epochRefundedUSD[addr].Add(refundUSD).GreaterThan(MaxUSDAddressEpoch) {
		cappedUSD := MaxUSDAddressEpoch.Sub(g.epochRefundedUSD[addr])
		if cappedUSD.IsNegative() {
			return caps, fmt.Errorf("%w: address %s epoch usd %s", ErrNegativeCap, addr, g.epochRefundedUSD[addr])
		}
		cappedPSP := cappedUSD.Div(pspPriceUSD).Mul(weiScale).Floor()
		caps.CappedUSD, caps.CappedPSP = &cappedUSD, &cappedPSP
	}

	chosenPSP := caps.EffectivePSP(refundPSP)
	if g.totalPSPRefundedForYear.Add(chosenPSP).GreaterThan(MaxPSPGlobalYearly) {
		remaining := MaxPSPGlobalYearly.Sub(g.totalPSPRefundedForYear)
		if remaining.IsNegative() {
			return caps, fmt.Errorf("%w: global psp %s", ErrNegativeCap, g.totalPSPRefundedForYear)
		}
		if remaining.LessThan(chosenPSP) {
			caps.CappedPSP = &remaining
		}
	}

	return caps, nil
}

// Commit accounts a validated refund's effective amounts. The epoch counter
// only exists from the epoch-budget epoch onward.
func (g *Guardian) Commit(addr common.Address, effectiveUSD, effectivePSP decimal.Decimal, e uint64) {
	if e >= g.epochBudgetEpoch {
		g.epochRefundedUSD[addr] = g.epochRefundedUSD[addr].Add(effectiveUSD)
	}
	g.yearlyRefundedUSD[addr] = g.yearlyRefundedUSD[addr].Add(effectiveUSD)
	g.totalPSPRefundedForYear = g.totalPSPRefundedForYear.Add(effectivePSP)
}
