package stake

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	series map[common.Address][]BalanceChange
}

func (s *staticSource) BalanceChanges(_ context.Context, _, _ uint64) (map[common.Address][]BalanceChange, error) {
	return s.series, nil
}

var (
	addr1 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	addr2 = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestTrackerBalanceAt(t *testing.T) {
	tracker := NewTracker("spsp", &staticSource{series: map[common.Address][]BalanceChange{
		addr1: {
			// deliberately unsorted: Load must sort per address
			{Timestamp: 300, Balance: pspWei(700)},
			{Timestamp: 100, Balance: pspWei(500)},
			{Timestamp: 200, Balance: pspWei(0)},
		},
	}})
	require.NoError(t, tracker.Load(context.Background(), 0, 1000))

	tests := []struct {
		name      string
		addr      common.Address
		timestamp uint64
		want      decimal.Decimal
	}{
		{"before first change", addr1, 99, decimal.Zero},
		{"at first change", addr1, 100, pspWei(500)},
		{"between changes", addr1, 150, pspWei(500)},
		{"unstaked", addr1, 250, pspWei(0)},
		{"restaked", addr1, 300, pspWei(700)},
		{"after last change", addr1, 9999, pspWei(700)},
		{"unknown address", addr2, 500, decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tracker.BalanceAt(tt.addr, tt.timestamp)
			assert.True(t, got.Equal(tt.want), "BalanceAt(%s, %d) = %s, want %s", tt.addr, tt.timestamp, got, tt.want)
		})
	}
}

func TestTrackerPanicsBeforeLoad(t *testing.T) {
	tracker := NewTracker("spsp", &staticSource{})
	assert.Panics(t, func() { tracker.BalanceAt(addr1, 100) })
}

func TestAggregatorSafetyModuleGating(t *testing.T) {
	const smStartEpoch = 11

	spsp := NewTracker("spsp", &staticSource{series: map[common.Address][]BalanceChange{
		addr1: {{Timestamp: 0, Balance: pspWei(300)}},
	}})
	safetyModule := NewTracker("safety-module", &staticSource{series: map[common.Address][]BalanceChange{
		addr1: {{Timestamp: 0, Balance: pspWei(250)}},
	}})
	require.NoError(t, LoadTrackers(context.Background(), 0, 100, spsp, safetyModule))

	aggregator := NewAggregator(spsp, safetyModule, smStartEpoch)

	// before the safety module epoch only SPSP counts
	got := aggregator.EffectiveBalance(addr1, 50, smStartEpoch-1)
	assert.True(t, got.Equal(pspWei(300)), "pre-SM balance = %s", got)

	// from the safety module epoch both sources sum
	got = aggregator.EffectiveBalance(addr1, 50, smStartEpoch)
	assert.True(t, got.Equal(pspWei(550)), "post-SM balance = %s", got)
}
