// Package aggregate implements the deterministic price reductions: two-level
// median-of-medians, TWAP, OHLC assembly, the outlier filter, and the
// boundary policy applied to range and point queries.
package aggregate

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

func init() {
	// Aggregation must not round silently; quotient precision is capped at
	// the on-chain representation limit rather than the library default.
	if decimal.DivisionPrecision < 1000 {
		decimal.DivisionPrecision = 1000
	}
}

// Point is a single timestamped price used by per-source reductions.
type Point struct {
	TimestampMs int64
	Price       decimal.Decimal
}

// Median returns the median of vals, using the lower-middle element on even
// counts. vals must be non-empty; the input slice is not modified.
func Median(vals []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return sorted[(len(sorted)-1)/2]
}

// Mean returns the arithmetic mean of vals. vals must be non-empty.
func Mean(vals []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals))))
}

// TWAP returns the linearly time-weighted average over points. A source
// with fewer than two timestamps contributes its single observation.
func TWAP(points []Point) decimal.Decimal {
	if len(points) == 1 {
		return points[0].Price
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	span := sorted[len(sorted)-1].TimestampMs - sorted[0].TimestampMs
	if span == 0 {
		vals := make([]decimal.Decimal, len(sorted))
		for i, p := range sorted {
			vals[i] = p.Price
		}
		return Mean(vals)
	}

	// Trapezoidal integration over [t0, tn], normalized by the span.
	two := decimal.NewFromInt(2)
	acc := decimal.Zero
	for i := 1; i < len(sorted); i++ {
		dt := decimal.NewFromInt(sorted[i].TimestampMs - sorted[i-1].TimestampMs)
		avg := sorted[i].Price.Add(sorted[i-1].Price).Div(two)
		acc = acc.Add(avg.Mul(dt))
	}
	return acc.Div(decimal.NewFromInt(span))
}

// stddev returns mean and standard deviation of vals as floats. The outlier
// filter is a bounds check, not an aggregate output, so float precision is
// sufficient here.
func stddev(vals []decimal.Decimal) (mu, sigma float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		f, _ := v.Float64()
		mu += f
	}
	mu /= float64(len(vals))
	for _, v := range vals {
		f, _ := v.Float64()
		sigma += (f - mu) * (f - mu)
	}
	sigma = math.Sqrt(sigma / float64(len(vals)))
	return mu, sigma
}

// sortComponents orders components by (sub-bucket-start, source), the
// canonical order every aggregate output uses.
func sortComponents(components []oracle.Component) {
	sort.Slice(components, func(i, j int) bool {
		if !components[i].SubBucketStart.Equal(components[j].SubBucketStart) {
			return components[i].SubBucketStart.Before(components[j].SubBucketStart)
		}
		return components[i].Source < components[j].Source
	})
}
