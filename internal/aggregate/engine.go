package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// Store is the slice of the storage adapter the query engine needs.
type Store interface {
	// ReadAggregate returns tier buckets for [from, to) at the given width
	// and flavor, ordered by bucket start ascending.
	ReadAggregate(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Bucket, error)
	// ReadOHLC returns candle rows for [from, to) at the given width.
	ReadOHLC(ctx context.Context, pair oracle.Pair, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Candle, error)
}

// RawStore is the optional raw-entry capability behind the live tier: when
// a materialized bucket has not landed yet, the engine reduces raw spot
// entries itself.
type RawStore interface {
	ReadRaw(ctx context.Context, pair oracle.Pair, from, to time.Time) ([]oracle.Entry, error)
}

// filteredIntervals marks tiers the 2-sigma outlier filter applies to.
var filteredIntervals = map[oracle.Interval]bool{
	oracle.Interval10s: true,
}

// Engine answers point, range, and OHLC queries over the materialized tiers,
// applying the boundary policy: only fully closed buckets with enough
// sources are returned, gaps are never filled, and nothing spans into the
// future.
type Engine struct {
	store          Store
	minSources     int
	ohlcMinSources int
	now            func() time.Time
}

// NewEngine builds a query engine. minSources applies to generic aggregate
// tiers, ohlcMinSources (>= 3) to candles.
func NewEngine(store Store, minSources, ohlcMinSources int) *Engine {
	if minSources < 1 {
		minSources = 1
	}
	if ohlcMinSources < 3 {
		ohlcMinSources = 3
	}
	return &Engine{
		store:          store,
		minSources:     minSources,
		ohlcMinSources: ohlcMinSources,
		now:            time.Now,
	}
}

// EndOffset is the refresh lag assumed for a tier: a bucket is visible only
// once its window plus this offset has passed. One bucket width, capped at
// a minute for the coarse tiers.
func EndOffset(w oracle.Interval) time.Duration {
	d := w.Duration()
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// closed reports whether the bucket starting at start is fully computed.
func (e *Engine) closed(start time.Time, w oracle.Interval) bool {
	return !start.Add(w.Duration() + EndOffset(w)).After(e.now())
}

// mapFlavor resolves the query flavor to a materialized flavor. Mean is
// derived from the median tier's components at response time.
func mapFlavor(agg oracle.Aggregation) oracle.Aggregation {
	if agg == oracle.AggregationMean {
		return oracle.AggregationMedian
	}
	return agg
}

// Range returns all closed buckets of [from, to) at the given width,
// filtered by the tier source minimum. Missing interior buckets stay
// missing.
func (e *Engine) Range(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Bucket, error) {
	if !width.SupportsFlavor(mapFlavor(agg)) {
		return nil, oracle.InvalidInput("interval %s not maintained for %s", width, agg)
	}
	if !from.Before(to) {
		return nil, oracle.InvalidInput("empty time range")
	}
	buckets, err := e.store.ReadAggregate(ctx, pair, mapFlavor(agg), width, from, to, entryType)
	if err != nil {
		return nil, err
	}
	out := buckets[:0:0]
	for _, b := range buckets {
		if !e.closed(b.Start, width) || b.NumSources < e.minSources {
			continue
		}
		if agg == oracle.AggregationMean {
			b = meanOverComponents(b)
		}
		out = append(out, b)
	}
	return out, nil
}

// At answers a point query: the aggregate of the smallest tier that contains
// t and is closed. An explicit width restricts the search to that tier.
func (e *Engine) At(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, t time.Time, entryType oracle.EntryType) (oracle.Bucket, error) {
	tiers := []oracle.Interval{width}
	if width == "" {
		tiers = oracle.MedianIntervals
		if mapFlavor(agg) == oracle.AggregationTwap {
			tiers = oracle.TwapIntervals
		}
	}
	for _, w := range tiers {
		start := w.Truncate(t)
		if !e.closed(start, w) {
			continue
		}
		buckets, err := e.store.ReadAggregate(ctx, pair, mapFlavor(agg), w, start, start.Add(w.Duration()), entryType)
		if err != nil {
			return oracle.Bucket{}, err
		}
		for _, b := range buckets {
			if b.Start.Equal(start) && b.NumSources >= e.minSources {
				if agg == oracle.AggregationMean {
					b = meanOverComponents(b)
				}
				return b, nil
			}
		}
		if b, ok, err := e.liveAt(ctx, pair, agg, w, start, entryType); err != nil {
			return oracle.Bucket{}, err
		} else if ok {
			return b, nil
		}
	}
	return oracle.Bucket{}, oracle.NotFound("no closed %s aggregate for %s at %s", agg, pair, t.UTC().Format(time.RFC3339))
}

// liveAt reduces raw spot entries for one closed bucket the materialized
// tier has not produced yet. Only the spot series is reduced live; perp and
// future queries wait for their views.
func (e *Engine) liveAt(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, w oracle.Interval, start time.Time, entryType oracle.EntryType) (oracle.Bucket, bool, error) {
	raw, ok := e.store.(RawStore)
	if !ok || entryType != oracle.EntryTypeSpot {
		return oracle.Bucket{}, false, nil
	}
	entries, err := raw.ReadRaw(ctx, pair, start, start.Add(w.Duration()))
	if err != nil {
		return oracle.Bucket{}, false, err
	}
	if len(entries) == 0 {
		return oracle.Bucket{}, false, nil
	}

	var b oracle.Bucket
	switch agg {
	case oracle.AggregationTwap:
		b, ok = TwapBucket(pair.String(), start, w, entries)
	default:
		b, ok = MedianOfMedians(pair.String(), start, w, entries)
	}
	if !ok {
		return oracle.Bucket{}, false, nil
	}
	if filteredIntervals[w] {
		b = FilterOutliers(b, entries)
	}
	if b.NumSources < e.minSources {
		return oracle.Bucket{}, false, nil
	}
	if agg == oracle.AggregationMean {
		b = meanOverComponents(b)
	}
	return b, true, nil
}

// AtRouted answers a point query via a USD hop when no direct pair exists:
// BASE/QUOTE = (BASE/USD) / (QUOTE/USD).
func (e *Engine) AtRouted(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, t time.Time, entryType oracle.EntryType) (oracle.Bucket, error) {
	direct, err := e.At(ctx, pair, agg, width, t, entryType)
	if err == nil {
		return direct, nil
	}
	if oracle.KindOf(err) != oracle.KindNotFound || pair.Quote == "USD" {
		return oracle.Bucket{}, err
	}
	baseLeg, quoteLeg := pair.RoutedVia("USD")
	b1, err := e.At(ctx, baseLeg, agg, width, t, entryType)
	if err != nil {
		return oracle.Bucket{}, err
	}
	b2, err := e.At(ctx, quoteLeg, agg, width, t, entryType)
	if err != nil {
		return oracle.Bucket{}, err
	}
	if b2.Value.IsZero() {
		return oracle.Bucket{}, oracle.NotFound("hop leg %s has zero price", quoteLeg)
	}
	start := b1.Start
	if b2.Start.After(start) {
		start = b2.Start
	}
	n := b1.NumSources
	if b2.NumSources < n {
		n = b2.NumSources
	}
	return oracle.Bucket{
		PairID:     pair.String(),
		Start:      start,
		Width:      b1.Width,
		Value:      b1.Value.Div(b2.Value),
		NumSources: n,
	}, nil
}

// OHLC returns closed candles of [from, to) at the given width, filtered by
// the candle source minimum. Windows the candle view has not materialized
// yet are assembled from the source median tier instead of omitted.
func (e *Engine) OHLC(ctx context.Context, pair oracle.Pair, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Candle, error) {
	source, err := oracle.CandleSourceInterval(width)
	if err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, oracle.InvalidInput("empty time range")
	}
	candles, err := e.store.ReadOHLC(ctx, pair, width, from, to, entryType)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]bool, len(candles))
	out := candles[:0:0]
	for _, c := range candles {
		have[c.Start.UnixMilli()] = true
		if !e.closed(c.Start, width) || c.NumSources < e.ohlcMinSources {
			continue
		}
		out = append(out, c)
	}

	for start := width.Truncate(from); start.Before(to); start = start.Add(width.Duration()) {
		if have[start.UnixMilli()] || !e.closed(start, width) || start.Before(from) {
			continue
		}
		buckets, err := e.store.ReadAggregate(ctx, pair, oracle.AggregationMedian, source, start, start.Add(width.Duration()), entryType)
		if err != nil {
			return nil, err
		}
		c, ok := CandleFromBuckets(pair.String(), start, width, buckets)
		if !ok || c.NumSources < e.ohlcMinSources {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// meanOverComponents rewrites a median bucket as the arithmetic mean of its
// per-source medians, serving the mean flavor without its own tier.
func meanOverComponents(b oracle.Bucket) oracle.Bucket {
	if len(b.Components) == 0 {
		return b
	}
	vals := make([]decimal.Decimal, len(b.Components))
	for i, c := range b.Components {
		vals[i] = c.Value
	}
	b.Value = Mean(vals)
	return b
}
