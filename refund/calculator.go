package refund

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/pricing"
	"github.com/paraswap/gasrefund/stake"
	"github.com/paraswap/gasrefund/types"
)

// ErrNoTierForStake means a swap passed qualification with enough stake yet
// resolved to no tier. That contradicts the qualifier's guarantee and aborts
// the run.
var ErrNoTierForStake = errors.New("no refund tier despite stake above minimum")

var weiScale = decimal.New(1, 18)

func init() {
	// Wei-scale divisions need more fractional digits than the library
	// default keeps.
	if decimal.DivisionPrecision < 36 {
		decimal.DivisionPrecision = 36
	}
}

// computeAmounts is the single refund formula, shared by ingestion and
// re-validation so both always agree bit for bit.
//
//	raw = gasUsedChainCurrency / pspToNativeRate * percent
//	usd = raw * pspPriceUSD / 10^18
//	psp = floor(raw)
//
// The precision-glitch epoch floors raw before the USD conversion; that run
// paid out slightly less and the behavior is preserved so replays reproduce
// historical amounts.
func computeAmounts(gasUsedChainCurrency, pspToNativeRate, pspPriceUSD, percent decimal.Decimal, precisionGlitch bool) (raw, usd, psp decimal.Decimal) {
	raw = gasUsedChainCurrency.Div(pspToNativeRate).Mul(percent)
	if precisionGlitch {
		raw = raw.Floor()
	}
	usd = raw.Mul(pspPriceUSD).Div(weiScale)
	psp = raw.Floor()
	return raw, usd, psp
}

// Calculator turns a qualifying swap into a staged refund transaction.
type Calculator struct {
	precisionGlitchEpoch uint64
}

func NewCalculator(precisionGlitchEpoch uint64) *Calculator {
	return &Calculator{precisionGlitchEpoch: precisionGlitchEpoch}
}

// Compute derives the refund for one qualifying swap. gasUsed comes from the
// block explorer, not the subgraph. The returned row is staged idle; only
// the re-validation pass assigns a final status.
func (c *Calculator) Compute(swap types.Swap, epoch, gasUsed uint64, price pricing.PricePoint, stakedAmount decimal.Decimal) (*types.GasRefundTransaction, error) {
	percent, ok := stake.RefundPercent(stakedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: address %s stake %s", ErrNoTierForStake, swap.TxOrigin, stakedAmount)
	}

	gasUsedChainCurrency := decimal.NewFromUint64(gasUsed).Mul(swap.TxGasPrice)
	gasUsedUSD := gasUsedChainCurrency.Mul(price.ChainPriceUSD).Div(weiScale)
	raw, usd, psp := computeAmounts(gasUsedChainCurrency, price.PSPToNativeRate, price.PSPPriceUSD, percent, epoch == c.precisionGlitchEpoch)

	log.Trace("computed refund", "tx", swap.TxHash, "epoch", epoch,
		"gasUsedUSD", gasUsedUSD, "refundPSPRaw", raw, "refundUSD", usd, "refundPSP", psp)

	return &types.GasRefundTransaction{
		ChainID:              swap.ChainID,
		Epoch:                epoch,
		Hash:                 types.HashHex(swap.TxHash),
		Address:              types.AddressHex(swap.TxOrigin),
		Timestamp:            swap.Timestamp,
		BlockNumber:          swap.BlockNumber,
		GasUsed:              gasUsed,
		GasUsedChainCurrency: gasUsedChainCurrency.String(),
		PSPChainCurrency:     price.PSPToNativeRate.String(),
		PSPUSD:               price.PSPPriceUSD.String(),
		ChainCurrencyUSD:     price.ChainPriceUSD.String(),
		TotalStakeAmountPSP:  stakedAmount.String(),
		RefundedAmountPSP:    psp.String(),
		RefundedAmountUSD:    usd.String(),
		Status:               types.TxStatusIdle,
	}, nil
}
