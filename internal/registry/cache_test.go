package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type fakeSource struct {
	publishers map[string]oracle.Publisher
	reads      atomic.Int64
	fail       bool
}

func (f *fakeSource) GetPublisher(_ context.Context, name string) (oracle.Publisher, error) {
	f.reads.Add(1)
	if f.fail {
		return oracle.Publisher{}, oracle.Transient(errors.New("connection refused"), "store unreachable")
	}
	p, ok := f.publishers[name]
	if !ok {
		return oracle.Publisher{}, oracle.E(oracle.KindPublisherUnknown, "publisher %q is not registered", name)
	}
	return p, nil
}

func testCache(src Source) *Cache {
	c := New(src)
	return c
}

func TestGetCachesHit(t *testing.T) {
	src := &fakeSource{publishers: map[string]oracle.Publisher{
		"PRAGMA": {Name: "PRAGMA", Active: true},
	}}
	c := testCache(src)

	for i := 0; i < 5; i++ {
		p, err := c.Get(context.Background(), "PRAGMA")
		require.NoError(t, err)
		assert.Equal(t, "PRAGMA", p.Name)
	}
	assert.Equal(t, int64(1), src.reads.Load())
}

func TestGetExpiresAfterTTL(t *testing.T) {
	src := &fakeSource{publishers: map[string]oracle.Publisher{
		"PRAGMA": {Name: "PRAGMA", Active: true},
	}}
	c := testCache(src)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background(), "PRAGMA")
	require.NoError(t, err)

	now = now.Add(DefaultTTL + time.Second)
	_, err = c.Get(context.Background(), "PRAGMA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestNegativeCaching(t *testing.T) {
	src := &fakeSource{publishers: map[string]oracle.Publisher{}}
	c := testCache(src)

	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), "GHOST")
		require.Error(t, err)
		assert.Equal(t, oracle.KindPublisherUnknown, oracle.KindOf(err))
	}
	assert.Equal(t, int64(1), src.reads.Load(), "misses are cached negatively")
}

func TestInvalidateForcesReload(t *testing.T) {
	src := &fakeSource{publishers: map[string]oracle.Publisher{
		"PRAGMA": {Name: "PRAGMA", Active: true},
	}}
	c := testCache(src)

	_, err := c.Get(context.Background(), "PRAGMA")
	require.NoError(t, err)

	src.publishers["PRAGMA"] = oracle.Publisher{Name: "PRAGMA", Active: false}
	c.Invalidate("PRAGMA")

	p, err := c.Get(context.Background(), "PRAGMA")
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestStoreOutageIsNotCached(t *testing.T) {
	src := &fakeSource{fail: true}
	c := testCache(src)

	_, err := c.Get(context.Background(), "PRAGMA")
	require.Error(t, err)
	assert.Equal(t, oracle.KindTransient, oracle.KindOf(err))

	// The outage fails only the affected lookup; the next one retries.
	_, err = c.Get(context.Background(), "PRAGMA")
	require.Error(t, err)
	assert.Equal(t, int64(2), src.reads.Load())
}
