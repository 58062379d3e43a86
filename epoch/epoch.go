package epoch

import (
	"fmt"
	"time"
)

// EpochsPerYear fixes the rolling-year window used by the budget caps.
const EpochsPerYear = 26

// DefaultDuration is the length of one epoch.
const DefaultDuration = 14 * 24 * time.Hour

// Info describes the epoch calendar: epochs are contiguous fixed-width
// intervals counted from Genesis, whose start time is GenesisTime.
type Info struct {
	Genesis     uint64 // first epoch the refund program covers
	GenesisTime uint64 // unix start of the Genesis epoch
	Duration    uint64 // epoch width in seconds
}

// NewInfo builds an Info with the default two-week duration.
func NewInfo(genesis, genesisTime uint64) *Info {
	return &Info{Genesis: genesis, GenesisTime: genesisTime, Duration: uint64(DefaultDuration / time.Second)}
}

func (i *Info) String() string {
	return fmt.Sprintf("Genesis: %d, GenesisTime: %d, Duration: %ds", i.Genesis, i.GenesisTime, i.Duration)
}

// StartTime returns the unix start of the given epoch.
func (i *Info) StartTime(epoch uint64) uint64 {
	if epoch < i.Genesis {
		return i.GenesisTime
	}
	return i.GenesisTime + (epoch-i.Genesis)*i.Duration
}

// EndTime returns the unix end (exclusive) of the given epoch.
func (i *Info) EndTime(epoch uint64) uint64 {
	return i.StartTime(epoch) + i.Duration
}

// OfTimestamp maps a unix timestamp to the epoch containing it.
// Timestamps before GenesisTime map to Genesis.
func (i *Info) OfTimestamp(t uint64) uint64 {
	if t <= i.GenesisTime {
		return i.Genesis
	}
	return i.Genesis + (t-i.GenesisTime)/i.Duration
}

// Current returns the epoch containing now.
func (i *Info) Current(now time.Time) uint64 {
	return i.OfTimestamp(uint64(now.Unix()))
}

// CalcInterval returns the slice of the epoch that can be scanned at the
// given wall clock: the whole epoch once it has elapsed, otherwise the
// elapsed prefix.
func (i *Info) CalcInterval(epoch uint64, now time.Time) (start, end uint64) {
	start = i.StartTime(epoch)
	end = i.EndTime(epoch)
	if n := uint64(now.Unix()); n < end {
		end = n
	}
	return start, end
}

// IsYearStart reports whether the epoch opens a new rolling budget year.
func (i *Info) IsYearStart(epoch uint64) bool {
	return epoch >= i.Genesis && (epoch-i.Genesis)%EpochsPerYear == 0
}
