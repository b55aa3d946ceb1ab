package bus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/semaphore"

	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

const (
	// perPublisherWindow bounds records in flight per publisher. A
	// saturated window stalls the publisher's request instead of
	// buffering without bound.
	perPublisherWindow = 256

	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Producer publishes admitted observations. It is one of the three process
// singletons: created at startup, flushed and closed at shutdown.
type Producer struct {
	cl           *kgo.Client
	entriesTopic string
	log          zerolog.Logger

	mu      sync.Mutex
	windows map[string]*semaphore.Weighted
}

// NewProducer connects the Kafka client with idempotent, all-ISR acks.
func NewProducer(cfg config.Config, log zerolog.Logger) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, oracle.Transient(err, "connect kafka producer")
	}
	return &Producer{
		cl:           cl,
		entriesTopic: cfg.Topic,
		log:          log.With().Str("component", "bus-producer").Logger(),
		windows:      make(map[string]*semaphore.Weighted),
	}, nil
}

// Ping reports broker reachability for readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.cl.Ping(ctx); err != nil {
		return oracle.Transient(err, "kafka unreachable")
	}
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.cl.Flush(ctx); err != nil {
		p.log.Warn().Err(err).Msg("flush on close")
	}
	p.cl.Close()
}

func (p *Producer) window(publisher string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.windows[publisher]
	if !ok {
		w = semaphore.NewWeighted(perPublisherWindow)
		p.windows[publisher] = w
	}
	return w
}

// publish sends one record inside the publisher's in-flight window,
// retrying transient failures with jittered exponential backoff.
func (p *Producer) publish(ctx context.Context, publisher, topic string, key, value []byte) error {
	w := p.window(publisher)
	if err := w.Acquire(ctx, 1); err != nil {
		return oracle.Transient(err, "publisher window closed")
	}
	defer w.Release(1)

	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase<<(attempt-1) + time.Duration(rand.Int63n(int64(retryBase)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return oracle.Transient(ctx.Err(), "bus publish cancelled")
			}
		}
		if lastErr = p.cl.ProduceSync(ctx, rec).FirstErr(); lastErr == nil {
			return nil
		}
		p.log.Warn().Err(lastErr).Str("topic", topic).Int("attempt", attempt+1).Msg("bus publish failed")
	}
	return oracle.Transient(lastErr, "bus publish to %s", topic)
}

// PublishSpotEntries emits a batch of admitted spot entries in submission
// order.
func (p *Producer) PublishSpotEntries(ctx context.Context, publisher string, entries []oracle.Entry) error {
	for _, e := range entries {
		value, err := EncodeSpotEntry(e)
		if err != nil {
			return oracle.Internal("encode spot entry").WithCause(err)
		}
		if err := p.publish(ctx, publisher, p.entriesTopic, Key(e.PairID, e.Source), value); err != nil {
			return err
		}
	}
	return nil
}

// PublishFutureEntries emits a batch of admitted future/perp entries in
// submission order.
func (p *Producer) PublishFutureEntries(ctx context.Context, publisher string, entries []oracle.FutureEntry) error {
	for _, e := range entries {
		value, err := EncodeFutureEntry(e)
		if err != nil {
			return oracle.Internal("encode future entry").WithCause(err)
		}
		if err := p.publish(ctx, publisher, p.entriesTopic, Key(e.PairID, e.Source), value); err != nil {
			return err
		}
	}
	return nil
}

// PublishFundingRates emits funding-rate observations.
func (p *Producer) PublishFundingRates(ctx context.Context, publisher string, rates []oracle.FundingRate) error {
	for _, r := range rates {
		value, err := EncodeFundingRate(r)
		if err != nil {
			return oracle.Internal("encode funding rate").WithCause(err)
		}
		if err := p.publish(ctx, publisher, TopicFundingRates, Key(r.Pair, r.Source), value); err != nil {
			return err
		}
	}
	return nil
}

// PublishOpenInterest emits open-interest observations.
func (p *Producer) PublishOpenInterest(ctx context.Context, publisher string, obs []oracle.OpenInterest) error {
	for _, o := range obs {
		value, err := EncodeOpenInterest(o)
		if err != nil {
			return oracle.Internal("encode open interest").WithCause(err)
		}
		if err := p.publish(ctx, publisher, TopicOpenInterest, Key(o.Pair, o.Source), value); err != nil {
			return err
		}
	}
	return nil
}
