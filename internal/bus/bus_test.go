package bus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

func TestKeyPartitionsByPairAndSource(t *testing.T) {
	assert.Equal(t, []byte("BTC/USD|BINANCE"), Key("BTC/USD", "BINANCE"))
	assert.NotEqual(t, Key("BTC/USD", "BINANCE"), Key("BTC/USD", "KRAKEN"))
}

func TestSpotEntryEnvelope(t *testing.T) {
	e := oracle.Entry{
		PairID:      "BTC/USD",
		Publisher:   "PRAGMA",
		Source:      "BINANCE",
		Price:       decimal.RequireFromString("62000.00"),
		TimestampMs: time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
	raw, err := EncodeSpotEntry(e)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, SchemaSpotEntry, env.Schema)
	assert.Equal(t, "BTC/USD", env.PairID)
	assert.Equal(t, "BINANCE", env.Source)

	var b batch
	require.NoError(t, b.add(env))
	require.Len(t, b.spot, 1)
	assert.True(t, e.Price.Equal(b.spot[0].Price))
	assert.Equal(t, e.TimestampMs, b.spot[0].TimestampMs)
}

func TestBatchAddDispatchesPerSchema(t *testing.T) {
	exp := time.Now().UnixMilli()
	future := oracle.FutureEntry{
		Entry: oracle.Entry{
			PairID: "BTC/USD", Publisher: "PRAGMA", Source: "BINANCE",
			Price: decimal.RequireFromString("62100"), TimestampMs: exp,
		},
		ExpirationMs: &exp,
	}
	funding := oracle.FundingRate{Source: "BINANCE", Pair: "BTC/USD", AnnualizedRate: 0.08, TimestampMs: exp}
	oi := oracle.OpenInterest{Source: "BINANCE", Pair: "BTC/USD", OpenInterest: 12345.5, TimestampMs: exp}

	futureRaw, err := EncodeFutureEntry(future)
	require.NoError(t, err)
	fundingRaw, err := EncodeFundingRate(funding)
	require.NoError(t, err)
	oiRaw, err := EncodeOpenInterest(oi)
	require.NoError(t, err)

	var b batch
	for _, enc := range [][]byte{futureRaw, fundingRaw, oiRaw} {
		env, err := Decode(enc)
		require.NoError(t, err)
		require.NoError(t, b.add(env))
	}

	require.Len(t, b.future, 1)
	require.Len(t, b.funding, 1)
	require.Len(t, b.oi, 1)
	require.NotNil(t, b.future[0].ExpirationMs)
	assert.Equal(t, exp, *b.future[0].ExpirationMs)
}

func TestBatchAddRejectsUnknownSchema(t *testing.T) {
	var b batch
	err := b.add(Envelope{Schema: "mystery"})
	require.Error(t, err)
	assert.Equal(t, oracle.KindInvalidInput, oracle.KindOf(err))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}
