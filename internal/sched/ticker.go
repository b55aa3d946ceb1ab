// Package sched provides the monotonic tick source driving channel
// cadences. Ticks come from the runtime's monotonic clock and are
// independent of entry timestamps, which are wall-clock.
package sched

import (
	"context"
	"time"
)

// DefaultCadence is the lightspeed channel tick interval.
const DefaultCadence = 500 * time.Millisecond

// Ticker delivers cadence ticks until its context is cancelled.
type Ticker struct {
	C      <-chan time.Time
	ticker *time.Ticker
	cancel context.CancelFunc
}

// NewTicker starts a cadence ticker owned by ctx. Closing the returned
// ticker (or cancelling ctx) stops delivery within one interval.
func NewTicker(ctx context.Context, cadence time.Duration) *Ticker {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	ctx, cancel := context.WithCancel(ctx)
	t := time.NewTicker(cadence)
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return &Ticker{C: t.C, ticker: t, cancel: cancel}
}

// Stop cancels the ticker.
func (t *Ticker) Stop() { t.cancel() }
