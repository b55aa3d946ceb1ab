// Package registry is the hot lookup cache in front of the publishers
// table. Lookups are single-flight per name; absent publishers are cached
// negatively with a shorter TTL to blunt enumeration.
package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

const (
	// DefaultTTL bounds how stale a cached publisher record may be.
	DefaultTTL = 60 * time.Second
	// DefaultNegativeTTL bounds how long a miss is remembered.
	DefaultNegativeTTL = 10 * time.Second
	// DefaultMaxEntries bounds cache size.
	DefaultMaxEntries = 4096
)

// Source is the store slice the cache resolves misses through.
type Source interface {
	GetPublisher(ctx context.Context, name string) (oracle.Publisher, error)
}

type cacheEntry struct {
	publisher oracle.Publisher
	negative  bool
	expiresAt time.Time
}

// Cache is a size-bounded TTL cache mapping publisher name to record.
type Cache struct {
	src        Source
	ttl        time.Duration
	negTTL     time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]cacheEntry
	flight  singleflight.Group
	now     func() time.Time
}

// New builds a cache over src with the default TTLs and size bound.
func New(src Source) *Cache {
	return &Cache{
		src:        src,
		ttl:        DefaultTTL,
		negTTL:     DefaultNegativeTTL,
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// Get resolves a publisher, hitting the store at most once per name across
// concurrent callers. A cached miss returns publisher-unknown without
// touching the store.
func (c *Cache) Get(ctx context.Context, name string) (oracle.Publisher, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		if e.negative {
			return oracle.Publisher{}, oracle.E(oracle.KindPublisherUnknown, "publisher %q is not registered", name)
		}
		return e.publisher, nil
	}

	v, err, _ := c.flight.Do(name, func() (any, error) {
		p, err := c.src.GetPublisher(ctx, name)
		if err != nil {
			if oracle.KindOf(err) == oracle.KindPublisherUnknown {
				c.put(name, cacheEntry{negative: true, expiresAt: c.now().Add(c.negTTL)})
			}
			// A store outage fails only this lookup; nothing is cached.
			return nil, err
		}
		c.put(name, cacheEntry{publisher: p, expiresAt: c.now().Add(c.ttl)})
		return p, nil
	})
	if err != nil {
		return oracle.Publisher{}, err
	}
	return v.(oracle.Publisher), nil
}

// Invalidate drops a name after an admin write so the next lookup re-reads
// the store.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	c.flight.Forget(name)
}

func (c *Cache) put(name string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[name] = e
}

// evictLocked removes expired entries, falling back to the earliest-expiring
// entry when nothing has expired yet.
func (c *Cache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldestExp time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldestExp) {
			oldestKey, oldestExp = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
