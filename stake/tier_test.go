package stake

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundPercent(t *testing.T) {
	tests := []struct {
		name        string
		stakePSP    int64
		wantPercent string
		wantOK      bool
	}{
		{"below minimum", 499, "0", false},
		{"exactly minimum", 500, "0.25", true},
		{"mid first tier", 4_999, "0.25", true},
		{"second tier", 5_000, "0.5", true},
		{"third tier", 50_000, "0.75", true},
		{"top tier", 500_000, "1", true},
		{"above top tier", 2_000_000, "1", true},
		{"zero", 0, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			percent, ok := RefundPercent(pspWei(tt.stakePSP))
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.True(t, percent.Equal(decimal.RequireFromString(tt.wantPercent)),
					"RefundPercent(%d PSP) = %s, want %s", tt.stakePSP, percent, tt.wantPercent)
			}
		})
	}
}

func TestRefundPercentSubWeiBoundary(t *testing.T) {
	// one wei short of the minimum stake is still ineligible
	_, ok := RefundPercent(MinStake.Sub(decimal.New(1, 0)))
	assert.False(t, ok)

	percent, ok := RefundPercent(MinStake)
	require.True(t, ok)
	assert.True(t, percent.Equal(decimal.RequireFromString("0.25")))
}
