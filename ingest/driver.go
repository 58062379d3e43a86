package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/paraswap/gasrefund/epoch"
	"github.com/paraswap/gasrefund/pricing"
	"github.com/paraswap/gasrefund/refund"
	"github.com/paraswap/gasrefund/types"
)

// defaultEnrichmentWorkers bounds the parallel gas-used lookups per slice.
const defaultEnrichmentWorkers = 8

// SwapSource supplies raw swaps for a time window.
type SwapSource interface {
	Swaps(ctx context.Context, fromTime, toTime uint64) ([]types.Swap, error)
}

// GasUsedSource supplies receipt gas usage per transaction.
type GasUsedSource interface {
	TransactionGasUsed(ctx context.Context, txHash common.Hash) (uint64, error)
}

// RateSource answers historical price lookups; *pricing.Resolver is the
// production implementation.
type RateSource interface {
	RateAt(t uint64) (pricing.PricePoint, error)
}

// BudgetView is the read-only budget state the driver consults to abort
// early once the global budget is gone.
type BudgetView interface {
	IsGlobalSpent() bool
}

// DriverStore is the persistence surface of the ingestion driver.
type DriverStore interface {
	UpsertTransactions(ctx context.Context, rows []types.GasRefundTransaction) error
	LastProcessedTimestamp(ctx context.Context, chainID, epoch uint64) (uint64, bool, error)
}

// Driver scans one chain's swaps for an epoch, slice by slice, and stages
// idle refund transactions. Slices are sequential; inside a slice the
// gas-used enrichment fans out over a bounded worker pool.
type Driver struct {
	chainID    uint64
	epochs     *epoch.Info
	swaps      SwapSource
	gasUsed    GasUsedSource
	rates      RateSource
	stakes     refund.StakeSource
	qualifier  *refund.Qualifier
	calculator *refund.Calculator
	budget     BudgetView
	store      DriverStore

	sliceDuration time.Duration
	workers       int

	logger log.Logger
}

func NewDriver(chainID uint64, epochs *epoch.Info, swaps SwapSource, gasUsed GasUsedSource, rates RateSource,
	stakes refund.StakeSource, qualifier *refund.Qualifier, calculator *refund.Calculator,
	budget BudgetView, store DriverStore, sliceDuration time.Duration) *Driver {
	return &Driver{
		chainID:       chainID,
		epochs:        epochs,
		swaps:         swaps,
		gasUsed:       gasUsed,
		rates:         rates,
		stakes:        stakes,
		qualifier:     qualifier,
		calculator:    calculator,
		budget:        budget,
		store:         store,
		sliceDuration: sliceDuration,
		workers:       defaultEnrichmentWorkers,
		logger:        log.New("chain", chainID),
	}
}

// RunEpoch scans the epoch's calc interval. Already-persisted prefixes are
// skipped so an interrupted run resumes where it stopped.
func (d *Driver) RunEpoch(ctx context.Context, e uint64) error {
	startCalc, endCalc := d.epochs.CalcInterval(e, time.Now())

	start := startCalc
	if last, found, err := d.store.LastProcessedTimestamp(ctx, d.chainID, e); err != nil {
		return fmt.Errorf("failed to resolve resume point: %w", err)
	} else if found && last+1 > start {
		start = last + 1
	}
	if start >= endCalc {
		d.logger.Debug("epoch slice already scanned", "epoch", e, "start", start, "endCalc", endCalc)
		return nil
	}
	d.logger.Info("scanning epoch", "epoch", e, "start", start, "end", endCalc)

	sliceSeconds := uint64(d.sliceDuration / time.Second)
	for sliceStart := start; sliceStart < endCalc; sliceStart += sliceSeconds {
		if d.budget.IsGlobalSpent() {
			d.logger.Warn("global budget spent, aborting chain scan", "epoch", e, "at", sliceStart)
			return nil
		}
		sliceEnd := min(sliceStart+sliceSeconds, endCalc)
		if err := d.runSlice(ctx, e, sliceStart, sliceEnd); err != nil {
			return err
		}
		MetricsSliceProgress(sliceEnd)
	}
	return nil
}

func (d *Driver) runSlice(ctx context.Context, e, fromTime, toTime uint64) error {
	defer MetricsSliceCost(time.Now())

	swaps, err := d.swaps.Swaps(ctx, fromTime, toTime)
	if err != nil {
		return fmt.Errorf("failed to fetch swaps for [%d, %d): %w", fromTime, toTime, err)
	}

	qualified, err := d.qualifier.Qualify(e, swaps)
	if err != nil {
		return err
	}
	MetricsSwapIntake(len(swaps), len(qualified))
	d.logger.Debug("slice qualified", "epoch", e, "from", fromTime, "to", toTime, "swaps", len(swaps), "qualified", len(qualified))
	if len(qualified) == 0 {
		return nil
	}

	batch := NewPendingBatch()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for _, swap := range qualified {
		swap := swap
		group.Go(func() error {
			row, err := d.enrich(groupCtx, e, swap)
			if err != nil {
				return err
			}
			batch.Add(row)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	rows := batch.Rows()
	if err := d.store.UpsertTransactions(ctx, rows); err != nil {
		return fmt.Errorf("failed to persist slice batch: %w", err)
	}
	batch.Clear()
	d.logger.Debug("slice persisted", "epoch", e, "rows", len(rows))
	return nil
}

// enrich turns one qualifying swap into a staged row: receipt gas from the
// explorer, the day's price point, and the staked balance at swap time.
// A missing price point is fatal for the transaction and surfaces.
func (d *Driver) enrich(ctx context.Context, e uint64, swap types.Swap) (*types.GasRefundTransaction, error) {
	gasUsed, err := d.gasUsed.TransactionGasUsed(ctx, swap.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gasUsed for %s: %w", swap.TxHash, err)
	}
	price, err := d.rates.RateAt(swap.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("swap %s at %d: %w", swap.TxHash, swap.Timestamp, err)
	}
	staked := d.stakes.EffectiveBalance(swap.TxOrigin, swap.Timestamp, e)
	return d.calculator.Compute(swap, e, gasUsed, price, staked)
}
