package optioncache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type fakeSource struct {
	options []oracle.OptionPrice
	reads   atomic.Int64
}

func (f *fakeSource) ReadOptionsAtBlock(context.Context, string, uint64) ([]oracle.OptionPrice, error) {
	f.reads.Add(1)
	return f.options, nil
}

func testOption() oracle.OptionPrice {
	return oracle.OptionPrice{
		Network:        "mainnet",
		BlockNumber:    100,
		Instrument:     "BTC-16AUG24-52000-P",
		BaseCurrency:   "BTC",
		ExpirationDate: "2024-08-16",
		Strike:         decimal.RequireFromString("52000"),
		OptionType:     oracle.OptionPut,
		Price:          decimal.RequireFromString("1200.25"),
	}
}

func TestGetServesFromRedis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	src := &fakeSource{}
	c := New(rdb, src)

	raw, err := json.Marshal(testOption())
	require.NoError(t, err)
	mock.ExpectGet("options:mainnet:100:BTC-16AUG24-52000-P").SetVal(string(raw))

	o, err := c.Get(context.Background(), "mainnet", 100, "BTC-16AUG24-52000-P")
	require.NoError(t, err)
	assert.Equal(t, "BTC-16AUG24-52000-P", o.Instrument)
	assert.True(t, decimal.RequireFromString("1200.25").Equal(o.Price))
	assert.Equal(t, int64(0), src.reads.Load(), "redis hit must not touch the store")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWithoutRedisReadsThrough(t *testing.T) {
	src := &fakeSource{options: []oracle.OptionPrice{testOption()}}
	c := New(nil, src)

	o, err := c.Get(context.Background(), "mainnet", 100, "BTC-16AUG24-52000-P")
	require.NoError(t, err)
	assert.Equal(t, "BTC-16AUG24-52000-P", o.Instrument)
}

func TestGetUnknownInstrument(t *testing.T) {
	src := &fakeSource{options: []oracle.OptionPrice{testOption()}}
	c := New(nil, src)

	_, err := c.Get(context.Background(), "mainnet", 100, "ETH-16AUG24-3000-C")
	require.Error(t, err)
	assert.Equal(t, oracle.KindNotFound, oracle.KindOf(err))
}
