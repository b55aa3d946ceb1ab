package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func entry(pair, source string, ts time.Time, price string) oracle.Entry {
	return oracle.Entry{
		PairID:      pair,
		Publisher:   "PRAGMA",
		Source:      source,
		Price:       dec(price),
		TimestampMs: ts.UnixMilli(),
	}
}

func TestMedianLowerMiddle(t *testing.T) {
	tests := []struct {
		name string
		vals []string
		want string
	}{
		{"single", []string{"10"}, "10"},
		{"odd", []string{"3010", "3001", "3004"}, "3004"},
		{"even uses lower middle", []string{"1", "2", "3", "4"}, "2"},
		{"unsorted input", []string{"5", "1", "9", "3"}, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals := make([]decimal.Decimal, len(tt.vals))
			for i, v := range tt.vals {
				vals[i] = dec(v)
			}
			assert.True(t, dec(tt.want).Equal(Median(vals)))
		})
	}
}

func TestTWAPSingleObservation(t *testing.T) {
	got := TWAP([]Point{{TimestampMs: 1000, Price: dec("42")}})
	assert.True(t, dec("42").Equal(got))
}

func TestTWAPLinearWeighting(t *testing.T) {
	// 100 for 1s, then 200 for 3s: trapezoid gives
	// (150*1000 + 200*3000) / 4000 = 187.5
	points := []Point{
		{TimestampMs: 0, Price: dec("100")},
		{TimestampMs: 1000, Price: dec("200")},
		{TimestampMs: 4000, Price: dec("200")},
	}
	assert.True(t, dec("187.5").Equal(TWAP(points)))
}

func TestMedianOfMediansOneSecond(t *testing.T) {
	// BINANCE={3000,3002}, COINBASE={3004}, KRAKEN={3010} in one 1 s
	// bucket. Per-source medians use the lower-middle rule on even
	// counts, so BINANCE contributes 3000 and the bucket median is 3004.
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	entries := []oracle.Entry{
		entry("ETH/USD", "BINANCE", start.Add(100*time.Millisecond), "3000"),
		entry("ETH/USD", "BINANCE", start.Add(300*time.Millisecond), "3002"),
		entry("ETH/USD", "COINBASE", start.Add(200*time.Millisecond), "3004"),
		entry("ETH/USD", "KRAKEN", start.Add(400*time.Millisecond), "3010"),
	}

	b, ok := MedianOfMedians("ETH/USD", start, oracle.Interval1s, entries)
	require.True(t, ok)
	assert.True(t, dec("3004").Equal(b.Value), "got %s", b.Value)
	assert.Equal(t, 3, b.NumSources)
	require.Len(t, b.Components, 3)
	// Components are ordered by (sub-bucket-start, source).
	assert.Equal(t, "BINANCE", b.Components[0].Source)
	assert.True(t, dec("3000").Equal(b.Components[0].Value))
	assert.Equal(t, "COINBASE", b.Components[1].Source)
	assert.Equal(t, "KRAKEN", b.Components[2].Source)
}

func TestMedianOfMediansIgnoresOutOfBucket(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	entries := []oracle.Entry{
		entry("ETH/USD", "BINANCE", start.Add(-time.Millisecond), "1"),
		entry("ETH/USD", "BINANCE", start.Add(time.Second), "2"),
	}
	_, ok := MedianOfMedians("ETH/USD", start, oracle.Interval1s, entries)
	assert.False(t, ok)
}

func TestMedianOfMediansDeterministic(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	entries := []oracle.Entry{
		entry("BTC/USD", "KRAKEN", start.Add(10*time.Millisecond), "62000.01"),
		entry("BTC/USD", "BINANCE", start.Add(20*time.Millisecond), "62000.02"),
		entry("BTC/USD", "OKX", start.Add(30*time.Millisecond), "61999.99"),
	}
	first, ok := MedianOfMedians("BTC/USD", start, oracle.Interval1s, entries)
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		again, ok := MedianOfMedians("BTC/USD", start, oracle.Interval1s, entries)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestTwapBucketMeanAcrossSources(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	entries := []oracle.Entry{
		entry("ETH/USD", "A", start, "100"),
		entry("ETH/USD", "A", start.Add(500*time.Millisecond), "100"),
		entry("ETH/USD", "B", start.Add(100*time.Millisecond), "200"),
	}
	b, ok := TwapBucket("ETH/USD", start, oracle.Interval1s, entries)
	require.True(t, ok)
	assert.Equal(t, 2, b.NumSources)
	assert.True(t, dec("150").Equal(b.Value), "got %s", b.Value)
}

func TestFilterOutliersDropsFarSource(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	// Nine raw points near 100 and one at 700: mu=160, sigma=180, so the
	// 2-sigma band is [-200, 520] and source D falls outside it.
	raw := []oracle.Entry{
		entry("ETH/USD", "A", start.Add(1*time.Millisecond), "100"),
		entry("ETH/USD", "A", start.Add(2*time.Millisecond), "100"),
		entry("ETH/USD", "A", start.Add(3*time.Millisecond), "100"),
		entry("ETH/USD", "B", start.Add(4*time.Millisecond), "100"),
		entry("ETH/USD", "B", start.Add(5*time.Millisecond), "100"),
		entry("ETH/USD", "B", start.Add(6*time.Millisecond), "100"),
		entry("ETH/USD", "C", start.Add(7*time.Millisecond), "100"),
		entry("ETH/USD", "C", start.Add(8*time.Millisecond), "100"),
		entry("ETH/USD", "C", start.Add(9*time.Millisecond), "100"),
		entry("ETH/USD", "D", start.Add(10*time.Millisecond), "700"),
	}
	b, ok := MedianOfMedians("ETH/USD", start, oracle.Interval10s, raw)
	require.True(t, ok)
	require.Equal(t, 4, b.NumSources)

	filtered := FilterOutliers(b, raw)
	assert.Equal(t, 3, filtered.NumSources)
	for _, c := range filtered.Components {
		assert.NotEqual(t, "D", c.Source)
	}
	assert.True(t, dec("100").Equal(filtered.Value), "got %s", filtered.Value)
}

func TestFilterOutliersNeedsMoreThanTwoSources(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	raw := []oracle.Entry{
		entry("ETH/USD", "A", start.Add(1*time.Millisecond), "100"),
		entry("ETH/USD", "B", start.Add(2*time.Millisecond), "9999"),
	}
	b, ok := MedianOfMedians("ETH/USD", start, oracle.Interval10s, raw)
	require.True(t, ok)
	assert.Equal(t, b, FilterOutliers(b, raw))
}

func TestCandleFromBuckets(t *testing.T) {
	// Six 10 s medians {100,102,99,101,103,100} roll into one 1 min
	// candle: open=100 high=103 low=99 close=100.
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	prices := []string{"100", "102", "99", "101", "103", "100"}
	buckets := make([]oracle.Bucket, len(prices))
	for i, p := range prices {
		buckets[i] = oracle.Bucket{
			PairID:     "BTC/USD",
			Start:      start.Add(time.Duration(i) * 10 * time.Second),
			Width:      oracle.Interval10s,
			Value:      dec(p),
			NumSources: 3,
		}
	}

	c, ok := CandleFromBuckets("BTC/USD", start, oracle.Interval1min, buckets)
	require.True(t, ok)
	assert.True(t, dec("100").Equal(c.Open))
	assert.True(t, dec("103").Equal(c.High))
	assert.True(t, dec("99").Equal(c.Low))
	assert.True(t, dec("100").Equal(c.Close))
	assert.Equal(t, 3, c.NumSources)
}

func TestCandleFromBucketsEmptyWindow(t *testing.T) {
	start := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	_, ok := CandleFromBuckets("BTC/USD", start, oracle.Interval1min, nil)
	assert.False(t, ok)
}
