package refund

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// metrics
var (
	// Re-validation pass
	RevalidationTimer          = metrics.NewRegisteredTimer("gasrefund/revalidation/run", nil)
	RevalidationValidatedMeter = metrics.NewRegisteredMeter("gasrefund/revalidation/validated", nil)
	RevalidationRejectedMeter  = metrics.NewRegisteredMeter("gasrefund/revalidation/rejected", nil)

	// Budget guardian state
	BudgetGlobalSpentGauge = metrics.NewRegisteredGauge("gasrefund/budget/global_spent", nil) // 1: exhausted, 0: open
)

// Re-validation timing
func MetricsRevalidationCost(start time.Time) {
	RevalidationTimer.Update(time.Since(start))
}

// Re-validation result counters
func MetricsRevalidationOutcome(validated, rejected int) {
	RevalidationValidatedMeter.Mark(int64(validated))
	RevalidationRejectedMeter.Mark(int64(rejected))
}

// Budget state update
func MetricsBudgetGlobalSpent(spent bool) {
	if spent {
		BudgetGlobalSpentGauge.Update(1)
	} else {
		BudgetGlobalSpentGauge.Update(0)
	}
}
