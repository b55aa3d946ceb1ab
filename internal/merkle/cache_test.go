package merkle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type fakeOptionSource struct {
	options []oracle.OptionPrice
	reads   atomic.Int64
	delay   time.Duration
}

func (f *fakeOptionSource) ReadOptionsAtBlock(_ context.Context, _ string, _ uint64) ([]oracle.OptionPrice, error) {
	f.reads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.options, nil
}

func TestCacheBuildsOncePerBlock(t *testing.T) {
	src := &fakeOptionSource{options: twoOptionFixture()}
	c, err := NewCache(src, 8)
	require.NoError(t, err)

	first, err := c.Tree(context.Background(), "mainnet", 100)
	require.NoError(t, err)
	again, err := c.Tree(context.Background(), "mainnet", 100)
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, int64(1), src.reads.Load())
}

func TestCacheSingleFlight(t *testing.T) {
	src := &fakeOptionSource{options: twoOptionFixture(), delay: 20 * time.Millisecond}
	c, err := NewCache(src, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Tree(context.Background(), "mainnet", 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), src.reads.Load())
}

func TestCachePendingExpires(t *testing.T) {
	src := &fakeOptionSource{options: twoOptionFixture()}
	c, err := NewCache(src, 8)
	require.NoError(t, err)

	now := time.Now()
	c.now = func() time.Time { return now }

	_, err = c.Tree(context.Background(), "mainnet", PendingBlock)
	require.NoError(t, err)
	require.Equal(t, int64(1), src.reads.Load())

	// Within the TTL the pending entry is served from cache.
	_, err = c.Tree(context.Background(), "mainnet", PendingBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.reads.Load())

	// Past the TTL the pending entry rebuilds.
	now = now.Add(DefaultPendingTTL + time.Second)
	_, err = c.Tree(context.Background(), "mainnet", PendingBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestCacheNotEnoughDataNotCached(t *testing.T) {
	src := &fakeOptionSource{options: twoOptionFixture()[:1]}
	c, err := NewCache(src, 8)
	require.NoError(t, err)

	_, err = c.Tree(context.Background(), "mainnet", 100)
	require.Error(t, err)
	assert.Equal(t, oracle.KindInsufficientSources, oracle.KindOf(err))

	// The failed build is retried, not served from cache.
	_, err = c.Tree(context.Background(), "mainnet", 100)
	require.Error(t, err)
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestGetProofRoundTrip(t *testing.T) {
	src := &fakeOptionSource{options: twoOptionFixture()}
	c, err := NewCache(src, 8)
	require.NoError(t, err)

	proof, err := c.GetProof(context.Background(), "mainnet", 100, "BTC-16AUG24-52000-P")
	require.NoError(t, err)
	assert.True(t, VerifyProof(proof.Leaf, proof.Path, proof.Root))
}
