package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/store"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 500 * time.Millisecond
	replayBackoff        = time.Second
)

// Consumer drains the bus into the store. Records are batched per poll and
// written in one transaction per schema; offsets commit only after the
// transaction lands, so delivery is at-least-once on top of idempotent
// inserts.
type Consumer struct {
	cl            *kgo.Client
	store         *store.Store
	log           zerolog.Logger
	batchSize     int
	flushInterval time.Duration
}

// NewConsumer joins the consumer group over all three topics.
func NewConsumer(cfg config.Config, st *store.Store, log zerolog.Logger) (*Consumer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic, TopicFundingRates, TopicOpenInterest),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(defaultFlushInterval),
	)
	if err != nil {
		return nil, oracle.Transient(err, "connect kafka consumer")
	}
	return &Consumer{
		cl:            cl,
		store:         st,
		log:           log.With().Str("component", "bus-consumer").Logger(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}, nil
}

// Close leaves the group.
func (c *Consumer) Close() { c.cl.Close() }

// Run drains until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.cl.PollRecords(ctx, c.batchSize)
		if err := ctx.Err(); err != nil {
			return err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.log.Warn().Err(fe.Err).Str("topic", fe.Topic).Msg("fetch error")
			}
		}

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
		if len(records) == 0 {
			continue
		}

		// Replay the same batch until it lands; per-partition order is
		// preserved because nothing past this batch is polled meanwhile.
		for {
			if err := c.flush(ctx, records); err == nil {
				break
			} else {
				c.log.Error().Err(err).Int("records", len(records)).Msg("batch insert failed, replaying")
			}
			select {
			case <-time.After(replayBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.cl.CommitRecords(ctx, records...); err != nil {
			c.log.Error().Err(err).Msg("offset commit failed")
		}
	}
}

type batch struct {
	spot    []oracle.Entry
	future  []oracle.FutureEntry
	funding []oracle.FundingRate
	oi      []oracle.OpenInterest
}

// flush decodes and writes one polled batch. Decode failures are logged and
// skipped: a poison record must not wedge the partition.
func (c *Consumer) flush(ctx context.Context, records []*kgo.Record) error {
	var b batch
	for _, r := range records {
		env, err := Decode(r.Value)
		if err != nil {
			c.log.Error().Err(err).Str("topic", r.Topic).Int64("offset", r.Offset).Msg("skipping undecodable record")
			continue
		}
		if err := b.add(env); err != nil {
			c.log.Error().Err(err).Str("schema", env.Schema).Int64("offset", r.Offset).Msg("skipping malformed payload")
		}
	}

	if len(b.spot) > 0 {
		if _, err := c.store.InsertEntries(ctx, b.spot); err != nil {
			return err
		}
	}
	if len(b.future) > 0 {
		if _, err := c.store.InsertFutureEntries(ctx, b.future); err != nil {
			return err
		}
	}
	if len(b.funding) > 0 {
		if _, err := c.store.InsertFunding(ctx, b.funding); err != nil {
			return err
		}
	}
	if len(b.oi) > 0 {
		if _, err := c.store.InsertOpenInterest(ctx, b.oi); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) add(env Envelope) error {
	switch env.Schema {
	case SchemaSpotEntry:
		var e oracle.Entry
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		b.spot = append(b.spot, e)
	case SchemaFutureEntry:
		var e oracle.FutureEntry
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		b.future = append(b.future, e)
	case SchemaFundingRate:
		var r oracle.FundingRate
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return err
		}
		b.funding = append(b.funding, r)
	case SchemaOpenInterest:
		var o oracle.OpenInterest
		if err := json.Unmarshal(env.Payload, &o); err != nil {
			return err
		}
		b.oi = append(b.oi, o)
	default:
		return oracle.InvalidInput("unknown schema %q", env.Schema)
	}
	return nil
}
