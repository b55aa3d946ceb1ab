// Package store is the typed adapter over the time-series store. It assumes
// the schema described in SPEC_FULL.md: raw hypertables (entries,
// future_entries, funding_rates, open_interest, publishers) plus continuous
// aggregates median_{W}_{spot|perp}, twap_{W}_{spot|perp} and
// candle_{W}_{spot|perp} maintained by the storage engine itself.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Store bundles the offchain pool (entries, aggregates, publishers) and the
// onchain pool (option rows from the external indexer). All reads run behind
// a circuit breaker so a struggling store degrades to fast transient errors
// instead of pile-ups.
type Store struct {
	offchain *sqlx.DB
	onchain  *sqlx.DB
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// Open connects both pools and verifies connectivity. The onchain pool is
// optional; option endpoints fail with transient errors when it is absent.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Store, error) {
	offchain, err := openPool(ctx, cfg.OffchainDatabaseURL, cfg.DatabaseMaxConn)
	if err != nil {
		return nil, fmt.Errorf("connect offchain database: %w", err)
	}

	var onchain *sqlx.DB
	if cfg.OnchainDatabaseURL != "" {
		onchain, err = openPool(ctx, cfg.OnchainDatabaseURL, cfg.DatabaseMaxConn)
		if err != nil {
			offchain.Close()
			return nil, fmt.Errorf("connect onchain database: %w", err)
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// A miss is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, sql.ErrNoRows)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store breaker state change")
		},
	})

	return &Store{
		offchain: offchain,
		onchain:  onchain,
		breaker:  breaker,
		log:      log.With().Str("component", "store").Logger(),
	}, nil
}

func openPool(ctx context.Context, url string, maxConn int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConn)
	db.SetMaxIdleConns(maxConn / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB wraps existing handles; used by tests with sqlmock.
func NewWithDB(offchain, onchain *sqlx.DB) *Store {
	return &Store{
		offchain: offchain,
		onchain:  onchain,
		breaker:  gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "store"}),
		log:      zerolog.Nop(),
	}
}

// Close releases both pools.
func (s *Store) Close() {
	s.offchain.Close()
	if s.onchain != nil {
		s.onchain.Close()
	}
}

// Ping reports readiness of the offchain pool.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()
	if err := s.offchain.PingContext(ctx); err != nil {
		return oracle.Transient(err, "store unreachable")
	}
	return nil
}

// read runs fn behind the circuit breaker with the standard read timeout and
// maps failures to transient errors.
func (s *Store) read(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return oracle.Transient(err, "store circuit open reading %s", what)
	}
	return err
}

// entrySuffix maps an entry type to the view suffix. Future aggregates share
// the perp views, which filter on the future_entries hypertable.
func entrySuffix(t oracle.EntryType) string {
	if t == oracle.EntryTypeSpot {
		return "spot"
	}
	return "perp"
}
