package pricing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPriceForDay is returned when no price point shares a UTC day with the
// queried timestamp. A qualifying swap without a price is fatal for that
// transaction; callers must surface it rather than skip silently.
var ErrNoPriceForDay = errors.New("no price point for the queried UTC day")

// PricePoint is one daily rate sample for a chain.
type PricePoint struct {
	Timestamp       uint64
	PSPPriceUSD     decimal.Decimal // USD per whole PSP
	ChainPriceUSD   decimal.Decimal // USD per whole native token
	PSPToNativeRate decimal.Decimal // native-wei per PSP-wei
}

// Resolver answers historical rate lookups from a preloaded, sorted series.
type Resolver struct {
	points []PricePoint // ascending by timestamp
}

// NewResolver indexes the given points. The input need not be sorted.
func NewResolver(points []PricePoint) *Resolver {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	return &Resolver{points: sorted}
}

// RateAt returns the price point with the largest timestamp at or before t
// that falls on the same UTC day as t.
func (r *Resolver) RateAt(t uint64) (PricePoint, error) {
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].Timestamp > t })
	if i == 0 {
		return PricePoint{}, fmt.Errorf("%w: t=%d", ErrNoPriceForDay, t)
	}
	point := r.points[i-1]
	if !sameUTCDay(point.Timestamp, t) {
		return PricePoint{}, fmt.Errorf("%w: t=%d nearest=%d", ErrNoPriceForDay, t, point.Timestamp)
	}
	return point, nil
}

func sameUTCDay(a, b uint64) bool {
	ta, tb := time.Unix(int64(a), 0).UTC(), time.Unix(int64(b), 0).UTC()
	return ta.Year() == tb.Year() && ta.YearDay() == tb.YearDay()
}
