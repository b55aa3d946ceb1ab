package signing

import (
	"math/big"
	"testing"
	"time"

	"github.com/NethermindEth/starknet.go/curve"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

func testEntry() oracle.Entry {
	return oracle.Entry{
		PairID:      "BTC/USD",
		Publisher:   "PRAGMA",
		Source:      "BINANCE",
		Price:       decimal.RequireFromString("62000.00"),
		TimestampMs: time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestEntryHashDeterministic(t *testing.T) {
	first, err := EntryHash(testEntry())
	require.NoError(t, err)
	again, err := EntryHash(testEntry())
	require.NoError(t, err)
	assert.Zero(t, first.Cmp(again))
}

func TestEntryHashBindsEveryField(t *testing.T) {
	base, err := EntryHash(testEntry())
	require.NoError(t, err)

	mutations := map[string]func(*oracle.Entry){
		"pair":      func(e *oracle.Entry) { e.PairID = "ETH/USD" },
		"source":    func(e *oracle.Entry) { e.Source = "KRAKEN" },
		"publisher": func(e *oracle.Entry) { e.Publisher = "OTHER" },
		"price":     func(e *oracle.Entry) { e.Price = decimal.RequireFromString("62000.01") },
		"timestamp": func(e *oracle.Entry) { e.TimestampMs++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := testEntry()
			mutate(&e)
			h, err := EntryHash(e)
			require.NoError(t, err)
			assert.NotZero(t, base.Cmp(h), "mutating %s must change the hash", name)
		})
	}
}

func TestSpotAndFutureHashesAreDomainSeparated(t *testing.T) {
	spot, err := EntryHash(testEntry())
	require.NoError(t, err)
	future, err := FutureEntryHash(oracle.FutureEntry{Entry: testEntry()})
	require.NoError(t, err)
	assert.NotZero(t, spot.Cmp(future))
}

func TestFutureHashBindsExpiration(t *testing.T) {
	perp, err := FutureEntryHash(oracle.FutureEntry{Entry: testEntry()})
	require.NoError(t, err)

	exp := time.Date(2024, 8, 16, 8, 0, 0, 0, time.UTC).UnixMilli()
	dated, err := FutureEntryHash(oracle.FutureEntry{Entry: testEntry(), ExpirationMs: &exp})
	require.NoError(t, err)
	assert.NotZero(t, perp.Cmp(dated))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv := "0x123456789abcdef"
	pk, err := ParseFelt(priv)
	require.NoError(t, err)
	x, _, err := curve.Curve.PrivateToPoint(pk)
	require.NoError(t, err)
	activeKey := "0x" + x.Text(16)

	hash, err := EntryHash(testEntry())
	require.NoError(t, err)
	sig, err := Sign(priv, hash)
	require.NoError(t, err)

	assert.NoError(t, VerifySignature(activeKey, hash, sig))

	// A different message fails.
	other := new(big.Int).Add(hash, big.NewInt(1))
	assert.Error(t, VerifySignature(activeKey, other, sig))

	// A malformed signature shape fails before any curve math.
	assert.Error(t, VerifySignature(activeKey, hash, oracle.Signature{sig[0]}))
}

func TestParseFelt(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0x1a2b", false},
		{"12345", false},
		{"", true},
		{"0xzz", true},
		{"-5", true},
	}
	for _, tt := range tests {
		_, err := ParseFelt(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
	}
}

func TestLongStringFolding(t *testing.T) {
	long := "an-instrument-name-well-past-the-31-byte-short-string-limit"
	h1, err := feltFromString(long)
	require.NoError(t, err)
	h2, err := feltFromString(long)
	require.NoError(t, err)
	assert.Zero(t, h1.Cmp(h2))
	assert.True(t, h1.Cmp(curve.Curve.P) < 0)
}
