package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/astraly-labs/pragma-node/internal/aggregate"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/sched"
)

// subscription is one streamed (pair, interval, aggregation) selection.
type subscription struct {
	Pair        oracle.Pair
	Interval    oracle.Interval
	Aggregation oracle.Aggregation
}

// subscriptionSet is the per-connection subscription state, updated by the
// read loop and snapshotted by the tick loop.
type subscriptionSet struct {
	mu   sync.Mutex
	subs map[string]subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]subscription)}
}

func (s *subscriptionSet) add(sub subscription) {
	s.mu.Lock()
	s.subs[sub.Pair.String()] = sub
	s.mu.Unlock()
}

func (s *subscriptionSet) remove(pairID string) {
	s.mu.Lock()
	delete(s.subs, pairID)
	s.mu.Unlock()
}

func (s *subscriptionSet) snapshot() []subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out
}

func (s *subscriptionSet) pairs() []string {
	subs := s.snapshot()
	out := make([]string, len(subs))
	for i, sub := range subs {
		out[i] = sub.Pair.String()
	}
	return out
}

type snapshotView struct {
	PairID      string `json:"pair_id"`
	Price       string `json:"price"`
	Timestamp   int64  `json:"timestamp"`
	Interval    oracle.Interval `json:"interval"`
	Aggregation oracle.Aggregation `json:"aggregation"`
	NumSources  int    `json:"num_sources"`
}

// ServeSubscribe runs one lightspeed session: the read loop applies
// subscription changes, the tick loop streams one snapshot frame per tick
// for every subscribed pair.
func (c *Channels) ServeSubscribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := c.upgrade(w, r, "lightspeed")
	if !ok {
		return
	}
	defer c.release("lightspeed", sess)

	subs := newSubscriptionSet()
	go sess.writePump()
	go c.lightspeedTicks(sess, subs)

	for {
		frame, ok := sess.readFrame()
		if !ok {
			return
		}
		if frame == nil {
			sess.enqueue(errorFrame(oracle.InvalidInput("malformed frame")))
			continue
		}
		switch frame.Type {
		case TypeSubscribe:
			if err := applySubscribe(subs, frame); err != nil {
				sess.enqueue(errorFrame(err))
				continue
			}
			sess.enqueue(ackFrame(map[string]any{"subscribed": subs.pairs()}))
		case TypeUnsubscribe:
			for _, p := range frame.Pairs {
				if pair, err := oracle.ParsePair(p); err == nil {
					subs.remove(pair.String())
				}
			}
			sess.enqueue(ackFrame(map[string]any{"subscribed": subs.pairs()}))
		case TypeList:
			sess.enqueue(ackFrame(map[string]any{"subscribed": subs.pairs()}))
		case TypePing:
			sess.enqueue(ServerFrame{Type: TypePong})
		default:
			sess.enqueue(errorFrame(oracle.InvalidInput("unexpected frame type %q", frame.Type)))
		}
	}
}

func applySubscribe(subs *subscriptionSet, frame *ClientFrame) error {
	if len(frame.Pairs) == 0 {
		return oracle.InvalidInput("subscribe carries no pairs")
	}
	interval, err := oracle.ParseInterval(frame.Interval)
	if err != nil {
		return err
	}
	agg, err := oracle.ParseAggregation(frame.Aggregation)
	if err != nil {
		return err
	}
	for _, p := range frame.Pairs {
		pair, err := oracle.ParsePair(p)
		if err != nil {
			return err
		}
		subs.add(subscription{Pair: pair, Interval: interval, Aggregation: agg})
	}
	return nil
}

// lightspeedTicks is the cadence loop. Each tick performs, for every
// subscription, a point query for the newest closed bucket of its interval
// (the one containing now minus one width and the tier's end offset) and
// enqueues one frame. The loop never blocks on the socket; the bounded send
// window absorbs or drops.
func (c *Channels) lightspeedTicks(sess *session, subs *subscriptionSet) {
	ticker := sched.NewTicker(sess.ctx, c.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			snapshot := subs.snapshot()
			if len(snapshot) == 0 {
				continue
			}
			views := make([]snapshotView, 0, len(snapshot))
			for _, sub := range snapshot {
				ctx, cancel := context.WithTimeout(sess.ctx, c.Cadence)
				at := time.Now().UTC().Add(-(sub.Interval.Duration() + aggregate.EndOffset(sub.Interval)))
				bucket, err := c.Engine.At(ctx, sub.Pair, sub.Aggregation, sub.Interval, at, oracle.EntryTypeSpot)
				cancel()
				if err != nil {
					continue
				}
				views = append(views, snapshotView{
					PairID:      bucket.PairID,
					Price:       bucket.Value.String(),
					Timestamp:   bucket.Start.UnixMilli(),
					Interval:    sub.Interval,
					Aggregation: sub.Aggregation,
					NumSources:  bucket.NumSources,
				})
			}
			if len(views) > 0 {
				sess.enqueue(updateFrame(views))
			}
		}
	}
}
