package merkle

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

const (
	// PendingBlock is the block-number sentinel for pre-block data.
	PendingBlock uint64 = 0
	// DefaultCapacity bounds the LRU.
	DefaultCapacity = 128
	// DefaultPendingTTL forces a rebuild of the pending tree.
	DefaultPendingTTL = 10 * time.Second
	// DefaultMinOptions is the smallest option set worth a tree; fewer
	// rows fail with insufficient-sources and are not cached.
	DefaultMinOptions = 2
)

// OptionSource reads option rows for a block from the store adapter.
type OptionSource interface {
	ReadOptionsAtBlock(ctx context.Context, network string, block uint64) ([]oracle.OptionPrice, error)
}

type cached struct {
	tree      *Tree
	expiresAt time.Time // zero for immutable fixed-block entries
}

// Cache maps (network, block) to built trees. Builds are single-flight per
// key; fixed-block entries are immutable, the pending entry expires.
type Cache struct {
	src        OptionSource
	trees      *lru.Cache[string, cached]
	flight     singleflight.Group
	pendingTTL time.Duration
	minOptions int
	now        func() time.Time
}

// NewCache builds a cache with the given capacity (<= 0 uses the default).
func NewCache(src OptionSource, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	trees, err := lru.New[string, cached](capacity)
	if err != nil {
		return nil, fmt.Errorf("create merkle lru: %w", err)
	}
	return &Cache{
		src:        src,
		trees:      trees,
		pendingTTL: DefaultPendingTTL,
		minOptions: DefaultMinOptions,
		now:        time.Now,
	}, nil
}

func key(network string, block uint64) string {
	if block == PendingBlock {
		return network + ":pending"
	}
	return fmt.Sprintf("%s:%d", network, block)
}

// Tree returns the built tree for (network, block), building at most once
// concurrently per key. Block PendingBlock serves the pre-block set.
func (c *Cache) Tree(ctx context.Context, network string, block uint64) (*Tree, error) {
	k := key(network, block)
	if e, ok := c.trees.Get(k); ok && (e.expiresAt.IsZero() || c.now().Before(e.expiresAt)) {
		return e.tree, nil
	}

	v, err, _ := c.flight.Do(k, func() (any, error) {
		// Double-check under the flight: a concurrent build may have
		// landed between the miss and the flight grant.
		if e, ok := c.trees.Get(k); ok && (e.expiresAt.IsZero() || c.now().Before(e.expiresAt)) {
			return e.tree, nil
		}
		options, err := c.src.ReadOptionsAtBlock(ctx, network, block)
		if err != nil {
			return nil, err
		}
		if len(options) < c.minOptions {
			return nil, oracle.E(oracle.KindInsufficientSources,
				"only %d options at %s block %d, need %d", len(options), network, block, c.minOptions)
		}
		tree, err := Build(network, block, options)
		if err != nil {
			return nil, err
		}
		entry := cached{tree: tree}
		if block == PendingBlock {
			entry.expiresAt = c.now().Add(c.pendingTTL)
		}
		c.trees.Add(k, entry)
		// A pending build also resolves the fixed block it was taken at.
		if block == PendingBlock && tree.Block != PendingBlock {
			c.trees.Add(key(network, tree.Block), cached{tree: tree})
		}
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// GetProof returns the price, path, root, and index for an instrument at
// (network, block).
func (c *Cache) GetProof(ctx context.Context, network string, block uint64, instrument string) (Proof, error) {
	tree, err := c.Tree(ctx, network, block)
	if err != nil {
		return Proof{}, err
	}
	return tree.ProofFor(instrument)
}

// GetProofByLeafHash returns the proof for a leaf hash at (network, block).
func (c *Cache) GetProofByLeafHash(ctx context.Context, network string, block uint64, leafHash string) (Proof, error) {
	tree, err := c.Tree(ctx, network, block)
	if err != nil {
		return Proof{}, err
	}
	return tree.ProofForLeafHash(leafHash)
}
