package oracle

import (
	"time"
)

// Interval is a supported bucket width. The string value is both the API
// token (interval=1min) and the suffix used in materialized view names.
type Interval string

const (
	Interval100ms Interval = "100ms"
	Interval1s    Interval = "1s"
	Interval5s    Interval = "5s"
	Interval10s   Interval = "10s"
	Interval1min  Interval = "1min"
	Interval5min  Interval = "5min"
	Interval15min Interval = "15min"
	Interval1h    Interval = "1h"
	Interval2h    Interval = "2h"
	Interval1day  Interval = "1day"
	Interval1week Interval = "1week"
)

var intervalDurations = map[Interval]time.Duration{
	Interval100ms: 100 * time.Millisecond,
	Interval1s:    time.Second,
	Interval5s:    5 * time.Second,
	Interval10s:   10 * time.Second,
	Interval1min:  time.Minute,
	Interval5min:  5 * time.Minute,
	Interval15min: 15 * time.Minute,
	Interval1h:    time.Hour,
	Interval2h:    2 * time.Hour,
	Interval1day:  24 * time.Hour,
	Interval1week: 7 * 24 * time.Hour,
}

// MedianIntervals lists widths maintained for the median flavor, finest
// first.
var MedianIntervals = []Interval{
	Interval100ms, Interval1s, Interval5s, Interval10s, Interval1min,
	Interval5min, Interval15min, Interval1h, Interval2h, Interval1day,
	Interval1week,
}

// TwapIntervals lists widths maintained for the twap flavor. The 100 ms and
// 10 s widths are not materialized for twap.
var TwapIntervals = []Interval{
	Interval1s, Interval5s, Interval1min, Interval5min, Interval15min,
	Interval1h, Interval2h, Interval1day, Interval1week,
}

// CandleIntervals lists widths OHLC candles exist for.
var CandleIntervals = []Interval{
	Interval10s, Interval1min, Interval5min, Interval15min, Interval1h,
	Interval1day, Interval1week,
}

// ParseInterval validates an interval token. Empty defaults to 1 min.
func ParseInterval(s string) (Interval, error) {
	if s == "" {
		return Interval1min, nil
	}
	i := Interval(s)
	if _, ok := intervalDurations[i]; !ok {
		return "", InvalidInput("unknown interval %q", s)
	}
	return i, nil
}

// Duration returns the bucket width.
func (i Interval) Duration() time.Duration { return intervalDurations[i] }

// Truncate returns the start of the bucket containing t.
func (i Interval) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration())
}

// SupportsFlavor reports whether the given aggregation flavor is
// materialized at this width.
func (i Interval) SupportsFlavor(a Aggregation) bool {
	var tiers []Interval
	switch a {
	case AggregationTwap:
		tiers = TwapIntervals
	default:
		tiers = MedianIntervals
	}
	for _, t := range tiers {
		if t == i {
			return true
		}
	}
	return false
}

// CandleSourceInterval returns the median tier an OHLC candle of width w is
// assembled from: the 1 s tier for 10 s and 1 min candles, the 10 s tier for
// anything wider.
func CandleSourceInterval(w Interval) (Interval, error) {
	switch w {
	case Interval10s, Interval1min:
		return Interval1s, nil
	case Interval5min, Interval15min, Interval1h, Interval1day, Interval1week:
		return Interval10s, nil
	}
	return "", InvalidInput("no candle tier for interval %q", w)
}

// Aggregation selects the reduction flavor for point and range queries.
type Aggregation string

const (
	AggregationMedian Aggregation = "median"
	AggregationTwap   Aggregation = "twap"
	AggregationMean   Aggregation = "mean"
)

// ParseAggregation validates an aggregation token. Empty defaults to median.
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "", "median":
		return AggregationMedian, nil
	case "twap":
		return AggregationTwap, nil
	case "mean":
		return AggregationMean, nil
	}
	return "", InvalidInput("unknown aggregation %q", s)
}
