package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// bySource partitions entries by source, dropping entries outside the
// bucket. Each slice keeps submission order.
func bySource(entries []oracle.Entry, start time.Time, width oracle.Interval) map[string][]oracle.Entry {
	end := start.Add(width.Duration())
	out := make(map[string][]oracle.Entry)
	for _, e := range entries {
		ts := e.Timestamp()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

// MedianOfMedians reduces raw entries over one bucket: per-source median
// first, then the median across per-source medians. Returns false when the
// bucket holds no entries.
func MedianOfMedians(pairID string, start time.Time, width oracle.Interval, entries []oracle.Entry) (oracle.Bucket, bool) {
	grouped := bySource(entries, start, width)
	if len(grouped) == 0 {
		return oracle.Bucket{}, false
	}

	components := make([]oracle.Component, 0, len(grouped))
	for source, es := range grouped {
		vals := make([]decimal.Decimal, len(es))
		for i, e := range es {
			vals[i] = e.Price
		}
		components = append(components, oracle.Component{
			Source:         source,
			Value:          Median(vals),
			SubBucketStart: start,
		})
	}
	sortComponents(components)

	vals := make([]decimal.Decimal, len(components))
	for i, c := range components {
		vals[i] = c.Value
	}
	return oracle.Bucket{
		PairID:     pairID,
		Start:      start,
		Width:      width,
		Value:      Median(vals),
		NumSources: len(components),
		Components: components,
	}, true
}

// TwapBucket reduces raw entries over one bucket: per-source linear TWAP
// first, then the arithmetic mean across per-source TWAPs.
func TwapBucket(pairID string, start time.Time, width oracle.Interval, entries []oracle.Entry) (oracle.Bucket, bool) {
	grouped := bySource(entries, start, width)
	if len(grouped) == 0 {
		return oracle.Bucket{}, false
	}

	components := make([]oracle.Component, 0, len(grouped))
	for source, es := range grouped {
		points := make([]Point, len(es))
		for i, e := range es {
			points[i] = Point{TimestampMs: e.TimestampMs, Price: e.Price}
		}
		components = append(components, oracle.Component{
			Source:         source,
			Value:          TWAP(points),
			SubBucketStart: start,
		})
	}
	sortComponents(components)

	vals := make([]decimal.Decimal, len(components))
	for i, c := range components {
		vals[i] = c.Value
	}
	return oracle.Bucket{
		PairID:     pairID,
		Start:      start,
		Width:      width,
		Value:      Mean(vals),
		NumSources: len(components),
		Components: components,
	}, true
}

// FilterOutliers drops components whose per-source aggregate falls outside
// [mu-2sigma, mu+2sigma] of the bucket's raw prices. Filtering requires more
// than two sources; below that the bucket passes through unchanged. The
// bucket value and source count are recomputed from the survivors.
func FilterOutliers(b oracle.Bucket, raw []oracle.Entry) oracle.Bucket {
	if b.NumSources <= 2 {
		return b
	}
	prices := make([]decimal.Decimal, 0, len(raw))
	for _, e := range raw {
		ts := e.Timestamp()
		if ts.Before(b.Start) || !ts.Before(b.Start.Add(b.Width.Duration())) {
			continue
		}
		prices = append(prices, e.Price)
	}
	if len(prices) == 0 {
		return b
	}
	mu, sigma := stddev(prices)
	lo, hi := mu-2*sigma, mu+2*sigma

	kept := b.Components[:0:0]
	for _, c := range b.Components {
		v, _ := c.Value.Float64()
		if v >= lo && v <= hi {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 || len(kept) == len(b.Components) {
		return b
	}

	vals := make([]decimal.Decimal, len(kept))
	for i, c := range kept {
		vals[i] = c.Value
	}
	b.Value = Median(vals)
	b.NumSources = len(kept)
	b.Components = kept
	return b
}

// CandleFromBuckets assembles one OHLC candle of width w from finer median
// buckets. Open and close come from the earliest and latest sub-bucket;
// high and low are extremes over sub-bucket medians. Buckets sharing a
// start are ordered by lexicographic first-component source.
func CandleFromBuckets(pairID string, start time.Time, w oracle.Interval, buckets []oracle.Bucket) (oracle.Candle, bool) {
	end := start.Add(w.Duration())
	in := make([]oracle.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Start.Before(start) || !b.Start.Before(end) {
			continue
		}
		in = append(in, b)
	}
	if len(in) == 0 {
		return oracle.Candle{}, false
	}
	sort.Slice(in, func(i, j int) bool {
		if !in[i].Start.Equal(in[j].Start) {
			return in[i].Start.Before(in[j].Start)
		}
		return firstSource(in[i]) < firstSource(in[j])
	})

	c := oracle.Candle{
		PairID:     pairID,
		Start:      start,
		Open:       in[0].Value,
		High:       in[0].Value,
		Low:        in[0].Value,
		Close:      in[len(in)-1].Value,
		NumSources: in[0].NumSources,
	}
	for _, b := range in[1:] {
		if b.Value.Cmp(c.High) > 0 {
			c.High = b.Value
		}
		if b.Value.Cmp(c.Low) < 0 {
			c.Low = b.Value
		}
		if b.NumSources < c.NumSources {
			c.NumSources = b.NumSources
		}
	}
	return c, true
}

func firstSource(b oracle.Bucket) string {
	if len(b.Components) == 0 {
		return ""
	}
	return b.Components[0].Source
}
