package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type fakeStore struct {
	buckets map[string][]oracle.Bucket
	candles []oracle.Candle
	calls   int
}

func tierKey(pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval) string {
	return pair.String() + "|" + string(agg) + "|" + string(width)
}

func (f *fakeStore) ReadAggregate(_ context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, from, to time.Time, _ oracle.EntryType) ([]oracle.Bucket, error) {
	f.calls++
	var out []oracle.Bucket
	for _, b := range f.buckets[tierKey(pair, agg, width)] {
		if !b.Start.Before(from) && b.Start.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) ReadOHLC(_ context.Context, _ oracle.Pair, _ oracle.Interval, from, to time.Time, _ oracle.EntryType) ([]oracle.Candle, error) {
	var out []oracle.Candle
	for _, c := range f.candles {
		if !c.Start.Before(from) && c.Start.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func fixedEngine(store Store, now time.Time) *Engine {
	e := NewEngine(store, 1, 3)
	e.now = func() time.Time { return now }
	return e
}

func mustPair(t *testing.T, id string) oracle.Pair {
	t.Helper()
	p, err := oracle.ParsePair(id)
	require.NoError(t, err)
	return p
}

func TestRangeOmitsOpenAndThinBuckets(t *testing.T) {
	pair := mustPair(t, "BTC/USD")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	w := oracle.Interval1min

	closed := oracle.Bucket{PairID: "BTC/USD", Start: now.Add(-5 * time.Minute), Width: w, Value: dec("100"), NumSources: 3}
	thin := oracle.Bucket{PairID: "BTC/USD", Start: now.Add(-4 * time.Minute), Width: w, Value: dec("101"), NumSources: 0}
	open := oracle.Bucket{PairID: "BTC/USD", Start: now.Add(-time.Minute), Width: w, Value: dec("102"), NumSources: 3}

	fs := &fakeStore{buckets: map[string][]oracle.Bucket{
		tierKey(pair, oracle.AggregationMedian, w): {closed, thin, open},
	}}
	e := fixedEngine(fs, now)

	got, err := e.Range(context.Background(), pair, oracle.AggregationMedian, w, now.Add(-10*time.Minute), now, oracle.EntryTypeSpot)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(closed.Start))
}

func TestRangeRejectsUnsupportedTier(t *testing.T) {
	pair := mustPair(t, "BTC/USD")
	e := fixedEngine(&fakeStore{}, time.Now())
	_, err := e.Range(context.Background(), pair, oracle.AggregationTwap, oracle.Interval100ms, time.Unix(0, 0), time.Unix(10, 0), oracle.EntryTypeSpot)
	require.Error(t, err)
	assert.Equal(t, oracle.KindInvalidInput, oracle.KindOf(err))
}

func TestAtWalksTiersFinestFirst(t *testing.T) {
	pair := mustPair(t, "ETH/USD")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	at := now.Add(-5 * time.Minute)

	// Only the 1 min tier holds a bucket containing `at`; finer tiers
	// are empty and must be skipped, not errored.
	start := oracle.Interval1min.Truncate(at)
	fs := &fakeStore{buckets: map[string][]oracle.Bucket{
		tierKey(pair, oracle.AggregationMedian, oracle.Interval1min): {
			{PairID: "ETH/USD", Start: start, Width: oracle.Interval1min, Value: dec("3000"), NumSources: 2},
		},
	}}
	e := fixedEngine(fs, now)

	b, err := e.At(context.Background(), pair, oracle.AggregationMedian, "", at, oracle.EntryTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, oracle.Interval1min, b.Width)
	assert.True(t, dec("3000").Equal(b.Value))
}

func TestAtNeverSpansIntoFuture(t *testing.T) {
	pair := mustPair(t, "ETH/USD")
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	e := fixedEngine(&fakeStore{}, now)

	_, err := e.At(context.Background(), pair, oracle.AggregationMedian, oracle.Interval1min, now, oracle.EntryTypeSpot)
	require.Error(t, err)
	assert.Equal(t, oracle.KindNotFound, oracle.KindOf(err))
}

func TestAtMeanDerivesFromMedianComponents(t *testing.T) {
	pair := mustPair(t, "ETH/USD")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	at := now.Add(-5 * time.Minute)
	start := oracle.Interval1s.Truncate(at)

	fs := &fakeStore{buckets: map[string][]oracle.Bucket{
		tierKey(pair, oracle.AggregationMedian, oracle.Interval1s): {
			{
				PairID: "ETH/USD", Start: start, Width: oracle.Interval1s,
				Value: dec("3004"), NumSources: 3,
				Components: []oracle.Component{
					{Source: "A", Value: dec("3000"), SubBucketStart: start},
					{Source: "B", Value: dec("3004"), SubBucketStart: start},
					{Source: "C", Value: dec("3011"), SubBucketStart: start},
				},
			},
		},
	}}
	e := fixedEngine(fs, now)

	b, err := e.At(context.Background(), pair, oracle.AggregationMean, oracle.Interval1s, at, oracle.EntryTypeSpot)
	require.NoError(t, err)
	assert.True(t, dec("3005").Equal(b.Value), "got %s", b.Value)
}

func TestAtRoutedViaUSD(t *testing.T) {
	pair := mustPair(t, "BTC/ETH")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	at := now.Add(-5 * time.Minute)
	start := oracle.Interval1min.Truncate(at)

	btcUSD := mustPair(t, "BTC/USD")
	ethUSD := mustPair(t, "ETH/USD")
	fs := &fakeStore{buckets: map[string][]oracle.Bucket{
		tierKey(btcUSD, oracle.AggregationMedian, oracle.Interval1min): {
			{PairID: "BTC/USD", Start: start, Width: oracle.Interval1min, Value: dec("60000"), NumSources: 4},
		},
		tierKey(ethUSD, oracle.AggregationMedian, oracle.Interval1min): {
			{PairID: "ETH/USD", Start: start, Width: oracle.Interval1min, Value: dec("3000"), NumSources: 2},
		},
	}}
	e := fixedEngine(fs, now)

	b, err := e.AtRouted(context.Background(), pair, oracle.AggregationMedian, oracle.Interval1min, at, oracle.EntryTypeSpot)
	require.NoError(t, err)
	assert.Equal(t, "BTC/ETH", b.PairID)
	assert.True(t, dec("20").Equal(b.Value), "got %s", b.Value)
	assert.Equal(t, 2, b.NumSources)
}

type rawFakeStore struct {
	fakeStore
	raw []oracle.Entry
}

func (f *rawFakeStore) ReadRaw(_ context.Context, _ oracle.Pair, from, to time.Time) ([]oracle.Entry, error) {
	var out []oracle.Entry
	for _, e := range f.raw {
		ts := e.Timestamp()
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestAtFallsBackToLiveReduction(t *testing.T) {
	pair := mustPair(t, "ETH/USD")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	at := now.Add(-5 * time.Minute)
	start := oracle.Interval100ms.Truncate(at)

	// No materialized tier holds the bucket; the raw entries do.
	fs := &rawFakeStore{raw: []oracle.Entry{
		entry("ETH/USD", "BINANCE", start.Add(10*time.Millisecond), "3000"),
		entry("ETH/USD", "KRAKEN", start.Add(20*time.Millisecond), "3004"),
		entry("ETH/USD", "OKX", start.Add(30*time.Millisecond), "3010"),
	}}
	e := fixedEngine(fs, now)

	b, err := e.At(context.Background(), pair, oracle.AggregationMedian, oracle.Interval100ms, at, oracle.EntryTypeSpot)
	require.NoError(t, err)
	assert.True(t, dec("3004").Equal(b.Value))
	assert.Equal(t, 3, b.NumSources)
}

func TestOHLCFiltersBelowSourceMinimum(t *testing.T) {
	pair := mustPair(t, "BTC/USD")
	now := time.Date(2024, 5, 6, 12, 10, 0, 0, time.UTC)
	w := oracle.Interval1min

	good := oracle.Candle{PairID: "BTC/USD", Start: now.Add(-5 * time.Minute), Open: dec("1"), High: dec("2"), Low: dec("1"), Close: dec("2"), NumSources: 3}
	thin := oracle.Candle{PairID: "BTC/USD", Start: now.Add(-4 * time.Minute), Open: dec("1"), High: dec("2"), Low: dec("1"), Close: dec("2"), NumSources: 2}

	e := fixedEngine(&fakeStore{candles: []oracle.Candle{good, thin}}, now)
	got, err := e.OHLC(context.Background(), pair, w, now.Add(-10*time.Minute), now, oracle.EntryTypeSpot)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(good.Start))
}
