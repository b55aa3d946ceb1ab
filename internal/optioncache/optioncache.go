// Package optioncache is the redis-backed lookup for individual option
// prices keyed by (network, block, instrument). It fronts the onchain store
// read the Merkle cache also uses, for callers that want one price without a
// whole tree.
package optioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

const (
	defaultTTL     = 30 * time.Second
	defaultTimeout = 500 * time.Millisecond
)

// Source reads option rows when redis misses.
type Source interface {
	ReadOptionsAtBlock(ctx context.Context, network string, block uint64) ([]oracle.OptionPrice, error)
}

// Cache reads through redis to the onchain store. Misses for a block are
// coalesced: one fetch populates every instrument at that block.
type Cache struct {
	rdb    *redis.Client
	src    Source
	ttl    time.Duration
	flight singleflight.Group
}

// New builds a cache over an existing redis client.
func New(rdb *redis.Client, src Source) *Cache {
	return &Cache{rdb: rdb, src: src, ttl: defaultTTL}
}

func instrumentKey(network string, block uint64, instrument string) string {
	return fmt.Sprintf("options:%s:%d:%s", network, block, instrument)
}

// Get returns the price row for one instrument at (network, block).
func (c *Cache) Get(ctx context.Context, network string, block uint64, instrument string) (oracle.OptionPrice, error) {
	if c.rdb != nil {
		if o, ok := c.fromRedis(ctx, network, block, instrument); ok {
			return o, nil
		}
	}

	blockKey := fmt.Sprintf("%s:%d", network, block)
	_, err, _ := c.flight.Do(blockKey, func() (any, error) {
		options, err := c.src.ReadOptionsAtBlock(ctx, network, block)
		if err != nil {
			return nil, err
		}
		c.populate(ctx, network, block, options)
		return nil, nil
	})
	if err != nil {
		return oracle.OptionPrice{}, err
	}

	if c.rdb != nil {
		if o, ok := c.fromRedis(ctx, network, block, instrument); ok {
			return o, nil
		}
	} else {
		// Without redis the fetch result is not retained; read it again
		// directly so the lookup still works in dev setups.
		options, err := c.src.ReadOptionsAtBlock(ctx, network, block)
		if err != nil {
			return oracle.OptionPrice{}, err
		}
		for _, o := range options {
			if o.Instrument == instrument {
				return o, nil
			}
		}
	}
	return oracle.OptionPrice{}, oracle.NotFound("instrument %q absent at %s block %d", instrument, network, block)
}

func (c *Cache) fromRedis(ctx context.Context, network string, block uint64, instrument string) (oracle.OptionPrice, bool) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	raw, err := c.rdb.Get(ctx, instrumentKey(network, block, instrument)).Bytes()
	if err != nil {
		return oracle.OptionPrice{}, false
	}
	var o oracle.OptionPrice
	if err := json.Unmarshal(raw, &o); err != nil {
		return oracle.OptionPrice{}, false
	}
	return o, true
}

// populate writes fetched rows under the requested block key, which for a
// pending request differs from the row's resolved block number.
func (c *Cache) populate(ctx context.Context, network string, block uint64, options []oracle.OptionPrice) {
	if c.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := c.rdb.Pipeline()
	for _, o := range options {
		raw, err := json.Marshal(o)
		if err != nil {
			continue
		}
		pipe.Set(ctx, instrumentKey(network, block, o.Instrument), raw, c.ttl)
		if o.BlockNumber != block {
			pipe.Set(ctx, instrumentKey(network, o.BlockNumber, o.Instrument), raw, c.ttl)
		}
	}
	_, _ = pipe.Exec(ctx)
}
