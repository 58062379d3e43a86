package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/stake"
	"github.com/paraswap/gasrefund/types"
)

// ErrIdleRowsRemain means the pass finished while some rows are still idle.
// The pass is required to classify every row it scans, so this can only be
// a bug or concurrent interference; sealing roots on top of it would
// publish wrong totals.
var ErrIdleRowsRemain = errors.New("idle transactions remain after re-validation")

// StatusUpdate is one staged classification change.
type StatusUpdate struct {
	ID                uint64
	Status            types.TxStatus
	RefundedAmountPSP string
	RefundedAmountUSD string
}

// Store is the persistence surface the re-validation pass needs. The
// production implementation is storage.Store; tests inject in-memory fakes.
type Store interface {
	// LastRefundedEpoch returns the highest epoch holding a validated or
	// rejected row; found is false when no row was ever classified.
	LastRefundedEpoch(ctx context.Context) (epoch uint64, found bool, err error)
	// BudgetSnapshot sums refundedAmountPSP over validated rows with
	// epoch < upToEpoch, and groups refundedAmountUSD by address.
	BudgetSnapshot(ctx context.Context, upToEpoch uint64) (totalPSP decimal.Decimal, yearlyUSD map[common.Address]decimal.Decimal, err error)
	// ScanCanonical pages through rows with epoch >= fromEpoch ordered by
	// (timestamp ASC, hash ASC) and hands each page to fn.
	ScanCanonical(ctx context.Context, fromEpoch uint64, pageSize int, fn func(rows []types.GasRefundTransaction) error) error
	// ApplyStatusUpdates persists staged classification changes.
	ApplyStatusUpdates(ctx context.Context, updates []StatusUpdate) error
	// CountIdle counts rows still in idle status.
	CountIdle(ctx context.Context) (int64, error)
}

// Revalidator replays every persisted transaction in canonical order and
// re-classifies it. Late-arriving data can reorder history, and a
// transaction's fate depends on everything that precedes it, so the pass
// always re-derives amounts and budget state from scratch. It runs
// single-threaded: the budget counters must observe rows strictly in
// (timestamp, hash) order.
type Revalidator struct {
	store    Store
	guardian *Guardian

	genesisEpoch         uint64
	epochBudgetEpoch     uint64
	precisionGlitchEpoch uint64
	pageSize             int
}

func NewRevalidator(store Store, genesisEpoch, epochBudgetEpoch, precisionGlitchEpoch uint64, pageSize int) *Revalidator {
	return &Revalidator{
		store:                store,
		guardian:             NewGuardian(genesisEpoch, epochBudgetEpoch),
		genesisEpoch:         genesisEpoch,
		epochBudgetEpoch:     epochBudgetEpoch,
		precisionGlitchEpoch: precisionGlitchEpoch,
		pageSize:             pageSize,
	}
}

// Guardian exposes the budget state so the ingestion drivers can consult
// it between slices and abort once the global budget is spent.
func (r *Revalidator) Guardian() *Guardian { return r.guardian }

// Run executes one full pass. On success no row remains idle.
func (r *Revalidator) Run(ctx context.Context) error {
	started := time.Now()
	defer MetricsRevalidationCost(started)

	startEpoch := r.genesisEpoch
	if last, found, err := r.store.LastRefundedEpoch(ctx); err != nil {
		return fmt.Errorf("failed to resolve last refunded epoch: %w", err)
	} else if found {
		startEpoch = last + 1
	}

	totalPSP, yearlyUSD, err := r.store.BudgetSnapshot(ctx, startEpoch)
	if err != nil {
		return fmt.Errorf("failed to load budget snapshot: %w", err)
	}
	r.guardian.LoadState(totalPSP, yearlyUSD)
	MetricsBudgetGlobalSpent(r.guardian.IsGlobalSpent())
	log.Info("re-validation started", "startEpoch", startEpoch, "totalPSPRefunded", totalPSP, "addresses", len(yearlyUSD))

	prevEpoch := startEpoch
	var validated, rejected, updated int

	err = r.store.ScanCanonical(ctx, startEpoch, r.pageSize, func(rows []types.GasRefundTransaction) error {
		updates := make([]StatusUpdate, 0, len(rows))
		for i := range rows {
			row := &rows[i]
			if row.Epoch != prevEpoch {
				r.guardian.BeginEpoch(row.Epoch)
				prevEpoch = row.Epoch
			}

			update, err := r.classify(row)
			if err != nil {
				return err
			}
			if update.Status == types.TxStatusValidated {
				validated++
			} else {
				rejected++
			}
			if update.Status != row.Status ||
				update.RefundedAmountPSP != row.RefundedAmountPSP ||
				update.RefundedAmountUSD != row.RefundedAmountUSD {
				updates = append(updates, update)
			}
		}
		if len(updates) == 0 {
			return nil
		}
		updated += len(updates)
		return r.store.ApplyStatusUpdates(ctx, updates)
	})
	if err != nil {
		return err
	}

	idle, err := r.store.CountIdle(ctx)
	if err != nil {
		return fmt.Errorf("failed to count idle rows: %w", err)
	}
	if idle > 0 {
		return fmt.Errorf("%w: %d rows", ErrIdleRowsRemain, idle)
	}

	MetricsRevalidationOutcome(validated, rejected)
	log.Info("re-validation finished", "validated", validated, "rejected", rejected, "updated", updated, "elapsed", time.Since(started))
	return nil
}

// classify re-derives one row's amounts and decides its status. Amounts are
// always recomputed from the persisted raw inputs: even when the raw values
// are unchanged, a shift in preceding rows can change how this one is
// capped.
func (r *Revalidator) classify(row *types.GasRefundTransaction) (StatusUpdate, error) {
	gasUsedChainCurrency, err := decimal.NewFromString(row.GasUsedChainCurrency)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("row %d: bad gasUsedChainCurrency %q: %w", row.ID, row.GasUsedChainCurrency, err)
	}
	pspToNativeRate, err := decimal.NewFromString(row.PSPChainCurrency)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("row %d: bad pspChainCurrency %q: %w", row.ID, row.PSPChainCurrency, err)
	}
	pspPriceUSD, err := decimal.NewFromString(row.PSPUSD)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("row %d: bad pspUsd %q: %w", row.ID, row.PSPUSD, err)
	}
	stakedAmount, err := decimal.NewFromString(row.TotalStakeAmountPSP)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("row %d: bad totalStakeAmountPSP %q: %w", row.ID, row.TotalStakeAmountPSP, err)
	}

	percent, ok := stake.RefundPercent(stakedAmount)
	if !ok {
		return StatusUpdate{}, fmt.Errorf("%w: row %d stake %s", ErrNoTierForStake, row.ID, stakedAmount)
	}

	_, refundUSD, refundPSP := computeAmounts(gasUsedChainCurrency, pspToNativeRate, pspPriceUSD, percent, row.Epoch == r.precisionGlitchEpoch)

	addr := common.HexToAddress(row.Address)
	spent := r.guardian.IsGlobalSpent() ||
		r.guardian.HasAddressSpentYearly(addr) ||
		(row.Epoch >= r.epochBudgetEpoch && r.guardian.HasAddressSpentEpoch(addr))
	if spent {
		return StatusUpdate{
			ID:                row.ID,
			Status:            types.TxStatusRejected,
			RefundedAmountPSP: refundPSP.String(),
			RefundedAmountUSD: refundUSD.String(),
		}, nil
	}

	caps, err := r.guardian.ApplyCaps(addr, refundUSD, refundPSP, pspPriceUSD, row.Epoch)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("row %d: %w", row.ID, err)
	}
	effectiveUSD := caps.EffectiveUSD(refundUSD)
	effectivePSP := caps.EffectivePSP(refundPSP)
	r.guardian.Commit(addr, effectiveUSD, effectivePSP, row.Epoch)

	return StatusUpdate{
		ID:                row.ID,
		Status:            types.TxStatusValidated,
		RefundedAmountPSP: effectivePSP.String(),
		RefundedAmountUSD: effectiveUSD.String(),
	}, nil
}
