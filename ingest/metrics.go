package ingest

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// metrics
var (
	// Swap intake counters
	SwapsFetchedMeter   = metrics.NewRegisteredMeter("gasrefund/ingest/swaps/fetched", nil)
	SwapsQualifiedMeter = metrics.NewRegisteredMeter("gasrefund/ingest/swaps/qualified", nil)
	PendingRefundGauge  = metrics.NewRegisteredGauge("gasrefund/ingest/pending", nil)

	// Slice processing progress
	SliceTimestampGauge = metrics.NewRegisteredGauge("gasrefund/ingest/slice/timestamp", nil)

	// Processing time
	SliceTimer           = metrics.NewRegisteredTimer("gasrefund/ingest/slice", nil)
	ExplorerRequestTimer = metrics.NewRegisteredTimer("gasrefund/ingest/explorer/request", nil)
)

// Swap intake update
func MetricsSwapIntake(fetched, qualified int) {
	SwapsFetchedMeter.Mark(int64(fetched))
	SwapsQualifiedMeter.Mark(int64(qualified))
}

// Slice progress update
func MetricsSliceProgress(timestamp uint64) {
	SliceTimestampGauge.Update(int64(timestamp))
}

// Slice processing timing
func MetricsSliceCost(start time.Time) {
	SliceTimer.Update(time.Since(start))
}

func MetricsExplorerRequestCost(start time.Time) {
	ExplorerRequestTimer.Update(time.Since(start))
}

// Pending staged row counter
func MetricsPendingRefundInc(count int) {
	PendingRefundGauge.Inc(int64(count))
}

func MetricsPendingRefundDec(count int) {
	PendingRefundGauge.Dec(int64(count))
}
