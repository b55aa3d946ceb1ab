// Package ratelimit provides per-(principal, route-class) token-bucket
// admission. State is in-process only; instances do not coordinate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/astraly-labs/pragma-node/internal/config"
)

// Route classes. Capacity and refill are class properties, overridable via
// RATE_LIMIT_CONFIG.
const (
	ClassQuery   = "query"
	ClassPublish = "publish"
	ClassNode    = "node"
)

// DefaultClasses holds the built-in class parameters.
var DefaultClasses = map[string]config.RateClass{
	ClassQuery:   {Capacity: 30, RefillPerSec: 10},
	ClassPublish: {Capacity: 60, RefillPerSec: 20},
	ClassNode:    {Capacity: 10, RefillPerSec: 2},
}

type bucketKey struct {
	principal string
	class     string
}

// Limiter owns one token bucket per (principal, route class).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*rate.Limiter
	classes map[string]config.RateClass
}

// New builds a limiter from the defaults plus overrides.
func New(overrides map[string]config.RateClass) *Limiter {
	classes := make(map[string]config.RateClass, len(DefaultClasses))
	for name, c := range DefaultClasses {
		classes[name] = c
	}
	for name, c := range overrides {
		classes[name] = c
	}
	return &Limiter{
		buckets: make(map[bucketKey]*rate.Limiter),
		classes: classes,
	}
}

func (l *Limiter) bucket(principal, class string) *rate.Limiter {
	key := bucketKey{principal: principal, class: class}

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	c, ok := l.classes[class]
	if !ok {
		c = DefaultClasses[ClassQuery]
	}
	b = rate.NewLimiter(rate.Limit(c.RefillPerSec), c.Capacity)
	l.buckets[key] = b
	return b
}

// Allow consumes one token for (principal, class). On denial it returns the
// wait until the next token, which callers surface as Retry-After.
func (l *Limiter) Allow(principal, class string) (bool, time.Duration) {
	b := l.bucket(principal, class)
	if b.Allow() {
		return true, 0
	}
	// Reserve to learn the next-token time, then release the reservation
	// so the denied request does not consume it.
	r := b.Reserve()
	delay := r.Delay()
	r.Cancel()
	return false, delay
}
