// Package admission validates publisher batches and forwards admitted
// observations to the bus: registry lookup, signature verification,
// timestamp window, then publish. Both the HTTP batch endpoints and the
// WebSocket publish channel run the same pipeline.
package admission

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/signing"
)

// verifyChunk bounds how many signatures are checked between context
// checks, keeping a large batch cancellable.
const verifyChunk = 64

// Registry resolves publishers, normally through the registry cache.
type Registry interface {
	Get(ctx context.Context, name string) (oracle.Publisher, error)
}

// Bus is the producer slice the pipeline emits to.
type Bus interface {
	PublishSpotEntries(ctx context.Context, publisher string, entries []oracle.Entry) error
	PublishFutureEntries(ctx context.Context, publisher string, entries []oracle.FutureEntry) error
	PublishFundingRates(ctx context.Context, publisher string, rates []oracle.FundingRate) error
	PublishOpenInterest(ctx context.Context, publisher string, obs []oracle.OpenInterest) error
}

// SpotBatch is one create-entries request.
type SpotBatch struct {
	Publisher      string         `json:"publisher"`
	Source         string         `json:"source,omitempty"`
	AccountAddress string         `json:"account_address,omitempty"`
	Entries        []oracle.Entry `json:"entries"`
}

// FutureBatch is one create-future-entries request.
type FutureBatch struct {
	Publisher      string               `json:"publisher"`
	Source         string               `json:"source,omitempty"`
	AccountAddress string               `json:"account_address,omitempty"`
	Entries        []oracle.FutureEntry `json:"entries"`
}

// Result reports an accepted batch.
type Result struct {
	Count   int      `json:"count"`
	PairIDs []string `json:"pair_ids"`
}

// Pipeline is the shared admission path.
type Pipeline struct {
	registry     Registry
	bus          Bus
	windowPast   time.Duration
	windowFuture time.Duration
	strict       bool
	log          zerolog.Logger
	now          func() time.Time
}

// New builds the pipeline from config.
func New(reg Registry, bus Bus, cfg config.Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry:     reg,
		bus:          bus,
		windowPast:   cfg.PublishWindowPast,
		windowFuture: cfg.PublishWindowFuture,
		strict:       cfg.IsProd(),
		log:          log.With().Str("component", "admission").Logger(),
		now:          time.Now,
	}
}

// resolvePublisher runs the registry and policy checks shared by every
// batch kind.
func (p *Pipeline) resolvePublisher(ctx context.Context, name, accountAddress string) (oracle.Publisher, error) {
	if name == "" {
		return oracle.Publisher{}, oracle.InvalidInput("publisher name is required")
	}
	pub, err := p.registry.Get(ctx, name)
	if err != nil {
		return oracle.Publisher{}, err
	}
	if !pub.Active {
		return oracle.Publisher{}, oracle.E(oracle.KindPublisherInactive, "publisher %q is inactive", name)
	}
	if p.strict && pub.AccountAddress == "" {
		return oracle.Publisher{}, oracle.E(oracle.KindUnauthorized, "publisher %q has no account address", name)
	}
	if accountAddress != "" && accountAddress != pub.AccountAddress {
		return oracle.Publisher{}, oracle.E(oracle.KindUnauthorized, "account address does not match publisher %q", name)
	}
	return pub, nil
}

// checkWindow rejects timestamps outside [now - past, now + future].
func (p *Pipeline) checkWindow(i int, tsMs int64) error {
	now := p.now()
	ts := time.UnixMilli(tsMs)
	if ts.Before(now.Add(-p.windowPast)) || ts.After(now.Add(p.windowFuture)) {
		e := oracle.E(oracle.KindTimestampOutOfWindow, "entry timestamp %d outside admission window", tsMs)
		e.Index = i
		return e
	}
	return nil
}

// SubmitSpot admits one spot batch: every entry verifies or the whole batch
// is rejected with the first offending index, and nothing reaches the bus.
func (p *Pipeline) SubmitSpot(ctx context.Context, batch SpotBatch) (Result, error) {
	if len(batch.Entries) == 0 {
		return Result{}, oracle.InvalidInput("batch contains no entries")
	}
	pub, err := p.resolvePublisher(ctx, batch.Publisher, batch.AccountAddress)
	if err != nil {
		return Result{}, err
	}

	for i := range batch.Entries {
		e := &batch.Entries[i]
		if err := p.normalizeEntry(i, e, batch); err != nil {
			return Result{}, err
		}
		hash, err := signing.EntryHash(*e)
		if err != nil {
			return Result{}, oracle.SignatureInvalid(i, "entry payload not hashable: %v", err)
		}
		if err := p.verify(ctx, i, pub, hash, e.Signature); err != nil {
			return Result{}, err
		}
		if err := p.checkWindow(i, e.TimestampMs); err != nil {
			return Result{}, err
		}
	}

	if err := p.bus.PublishSpotEntries(ctx, pub.Name, batch.Entries); err != nil {
		return Result{}, err
	}
	return result(len(batch.Entries), spotPairIDs(batch.Entries)), nil
}

// SubmitFuture admits one future/perp batch.
func (p *Pipeline) SubmitFuture(ctx context.Context, batch FutureBatch) (Result, error) {
	if len(batch.Entries) == 0 {
		return Result{}, oracle.InvalidInput("batch contains no entries")
	}
	pub, err := p.resolvePublisher(ctx, batch.Publisher, batch.AccountAddress)
	if err != nil {
		return Result{}, err
	}

	for i := range batch.Entries {
		e := &batch.Entries[i]
		if err := p.normalizeEntry(i, &e.Entry, SpotBatch{Publisher: batch.Publisher, Source: batch.Source}); err != nil {
			return Result{}, err
		}
		hash, err := signing.FutureEntryHash(*e)
		if err != nil {
			return Result{}, oracle.SignatureInvalid(i, "entry payload not hashable: %v", err)
		}
		if err := p.verify(ctx, i, pub, hash, e.Signature); err != nil {
			return Result{}, err
		}
		if err := p.checkWindow(i, e.TimestampMs); err != nil {
			return Result{}, err
		}
	}

	if err := p.bus.PublishFutureEntries(ctx, pub.Name, batch.Entries); err != nil {
		return Result{}, err
	}
	pairs := make([]oracle.Entry, len(batch.Entries))
	for i, e := range batch.Entries {
		pairs[i] = e.Entry
	}
	return result(len(batch.Entries), spotPairIDs(pairs)), nil
}

// FundingBatch is one funding-rate submission. Rates ride the publisher's
// session identity; individual observations carry no signature.
type FundingBatch struct {
	Publisher string               `json:"publisher"`
	Rates     []oracle.FundingRate `json:"rates"`
}

// OpenInterestBatch is one open-interest submission.
type OpenInterestBatch struct {
	Publisher    string                `json:"publisher"`
	Observations []oracle.OpenInterest `json:"observations"`
}

// SubmitFunding admits one funding-rate batch.
func (p *Pipeline) SubmitFunding(ctx context.Context, batch FundingBatch) (Result, error) {
	if len(batch.Rates) == 0 {
		return Result{}, oracle.InvalidInput("batch contains no rates")
	}
	pub, err := p.resolvePublisher(ctx, batch.Publisher, "")
	if err != nil {
		return Result{}, err
	}
	pairs := make([]string, 0, len(batch.Rates))
	seen := make(map[string]struct{})
	for i := range batch.Rates {
		r := &batch.Rates[i]
		pair, err := oracle.ParsePair(r.Pair)
		if err != nil {
			return Result{}, indexed(err, i)
		}
		r.Pair = pair.String()
		if r.Source == "" {
			return Result{}, indexed(oracle.InvalidInput("rate has no source"), i)
		}
		if err := p.checkWindow(i, r.TimestampMs); err != nil {
			return Result{}, err
		}
		if _, ok := seen[r.Pair]; !ok {
			seen[r.Pair] = struct{}{}
			pairs = append(pairs, r.Pair)
		}
	}
	if err := p.bus.PublishFundingRates(ctx, pub.Name, batch.Rates); err != nil {
		return Result{}, err
	}
	return result(len(batch.Rates), pairs), nil
}

// SubmitOpenInterest admits one open-interest batch.
func (p *Pipeline) SubmitOpenInterest(ctx context.Context, batch OpenInterestBatch) (Result, error) {
	if len(batch.Observations) == 0 {
		return Result{}, oracle.InvalidInput("batch contains no observations")
	}
	pub, err := p.resolvePublisher(ctx, batch.Publisher, "")
	if err != nil {
		return Result{}, err
	}
	pairs := make([]string, 0, len(batch.Observations))
	seen := make(map[string]struct{})
	for i := range batch.Observations {
		o := &batch.Observations[i]
		pair, err := oracle.ParsePair(o.Pair)
		if err != nil {
			return Result{}, indexed(err, i)
		}
		o.Pair = pair.String()
		if o.Source == "" {
			return Result{}, indexed(oracle.InvalidInput("observation has no source"), i)
		}
		if o.OpenInterest < 0 {
			return Result{}, indexed(oracle.InvalidInput("negative open interest"), i)
		}
		if err := p.checkWindow(i, o.TimestampMs); err != nil {
			return Result{}, err
		}
		if _, ok := seen[o.Pair]; !ok {
			seen[o.Pair] = struct{}{}
			pairs = append(pairs, o.Pair)
		}
	}
	if err := p.bus.PublishOpenInterest(ctx, pub.Name, batch.Observations); err != nil {
		return Result{}, err
	}
	return result(len(batch.Observations), pairs), nil
}

// normalizeEntry canonicalizes and validates one entry in place.
func (p *Pipeline) normalizeEntry(i int, e *oracle.Entry, batch SpotBatch) error {
	pair, err := oracle.ParsePair(e.PairID)
	if err != nil {
		return indexed(err, i)
	}
	e.PairID = pair.String()
	if e.Source == "" {
		e.Source = batch.Source
	}
	if e.Source == "" {
		return indexed(oracle.InvalidInput("entry has no source"), i)
	}
	if e.Publisher == "" {
		e.Publisher = batch.Publisher
	}
	if e.Publisher != batch.Publisher {
		return indexed(oracle.InvalidInput("entry publisher %q does not match batch publisher %q", e.Publisher, batch.Publisher), i)
	}
	if e.Price.IsNegative() {
		return indexed(oracle.InvalidInput("negative price"), i)
	}
	return nil
}

// verify checks one signature, yielding to cancellation every verifyChunk
// entries across the batch.
func (p *Pipeline) verify(ctx context.Context, i int, pub oracle.Publisher, hash *big.Int, sig oracle.Signature) error {
	if i%verifyChunk == 0 {
		if err := ctx.Err(); err != nil {
			return oracle.Transient(err, "admission cancelled")
		}
	}
	if err := signing.VerifySignature(pub.ActiveKey, hash, sig); err != nil {
		return oracle.SignatureInvalid(i, "%v", err)
	}
	return nil
}

func indexed(err error, i int) error {
	oe := oracle.AsError(err)
	oe.Index = i
	return oe
}

func result(count int, pairIDs []string) Result {
	return Result{Count: count, PairIDs: pairIDs}
}

func spotPairIDs(entries []oracle.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	var out []string
	for _, e := range entries {
		if _, ok := seen[e.PairID]; ok {
			continue
		}
		seen[e.PairID] = struct{}{}
		out = append(out, e.PairID)
	}
	return out
}
