package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// uniqueViolation is the Postgres error code for a unique-index conflict.
const uniqueViolation = "23505"

type entryRow struct {
	PairID    string    `db:"pair_id"`
	Publisher string    `db:"publisher"`
	Source    string    `db:"source"`
	Price     string    `db:"price"`
	Timestamp time.Time `db:"timestamp"`
}

// ReadRaw returns raw spot entries for [from, to), ordered by timestamp.
func (s *Store) ReadRaw(ctx context.Context, pair oracle.Pair, from, to time.Time) ([]oracle.Entry, error) {
	const query = `
		SELECT pair_id, publisher, source, price, timestamp
		FROM entries
		WHERE pair_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC`

	var rows []entryRow
	err := s.read(ctx, "entries", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair.String(), from, to)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read raw entries for %s", pair)
	}
	out := make([]oracle.Entry, len(rows))
	for i, r := range rows {
		price, err := parseDecimal(r.Price)
		if err != nil {
			return nil, oracle.Internal("stored price for %s unparseable", pair).WithCause(err)
		}
		out[i] = oracle.Entry{
			PairID:      r.PairID,
			Publisher:   r.Publisher,
			Source:      r.Source,
			Price:       price,
			TimestampMs: r.Timestamp.UnixMilli(),
		}
	}
	return out, nil
}

// InsertEntries writes a batch of spot entries in one transaction.
// Unique-index conflicts are skipped per row so replayed bus records
// deduplicate silently; every other failure rolls the batch back.
func (s *Store) InsertEntries(ctx context.Context, entries []oracle.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	tx, err := s.offchain.BeginTxx(ctx, nil)
	if err != nil {
		return 0, oracle.Transient(err, "begin entries transaction")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO entries (pair_id, publisher, source, price, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pair_id, source, timestamp) DO NOTHING`

	inserted := 0
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, query,
			e.PairID, e.Publisher, e.Source, e.Price.String(), e.Timestamp())
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				continue
			}
			return 0, oracle.Transient(err, "insert entry %s/%s", e.PairID, e.Source)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, oracle.Transient(err, "commit entries transaction")
	}
	return inserted, nil
}

// InsertFutureEntries writes a batch of future/perp entries. A nil
// expiration stores NULL, which the perp views filter on.
func (s *Store) InsertFutureEntries(ctx context.Context, entries []oracle.FutureEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	tx, err := s.offchain.BeginTxx(ctx, nil)
	if err != nil {
		return 0, oracle.Transient(err, "begin future entries transaction")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO future_entries (pair_id, publisher, source, price, timestamp, expiration_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pair_id, source, timestamp, expiration_timestamp) DO NOTHING`

	inserted := 0
	for _, e := range entries {
		var expiration *time.Time
		if e.ExpirationMs != nil {
			t := time.UnixMilli(*e.ExpirationMs).UTC()
			expiration = &t
		}
		res, err := tx.ExecContext(ctx, query,
			e.PairID, e.Publisher, e.Source, e.Price.String(), e.Timestamp(), expiration)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				continue
			}
			return 0, oracle.Transient(err, "insert future entry %s/%s", e.PairID, e.Source)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, oracle.Transient(err, "commit future entries transaction")
	}
	return inserted, nil
}

// InsertFunding writes funding-rate observations, deduplicating on
// (source, pair, timestamp).
func (s *Store) InsertFunding(ctx context.Context, rates []oracle.FundingRate) (int, error) {
	if len(rates) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	tx, err := s.offchain.BeginTxx(ctx, nil)
	if err != nil {
		return 0, oracle.Transient(err, "begin funding transaction")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO funding_rates (source, pair, annualized_rate, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, pair, timestamp) DO NOTHING`

	inserted := 0
	for _, r := range rates {
		res, err := tx.ExecContext(ctx, query,
			r.Source, r.Pair, r.AnnualizedRate, time.UnixMilli(r.TimestampMs).UTC())
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				continue
			}
			return 0, oracle.Transient(err, "insert funding rate %s/%s", r.Pair, r.Source)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, oracle.Transient(err, "commit funding transaction")
	}
	return inserted, nil
}

// InsertOpenInterest writes open-interest observations, deduplicating on
// (source, pair, timestamp).
func (s *Store) InsertOpenInterest(ctx context.Context, obs []oracle.OpenInterest) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	tx, err := s.offchain.BeginTxx(ctx, nil)
	if err != nil {
		return 0, oracle.Transient(err, "begin open interest transaction")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO open_interest (source, pair, open_interest, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, pair, timestamp) DO NOTHING`

	inserted := 0
	for _, o := range obs {
		res, err := tx.ExecContext(ctx, query,
			o.Source, o.Pair, o.OpenInterest, time.UnixMilli(o.TimestampMs).UTC())
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				continue
			}
			return 0, oracle.Transient(err, "insert open interest %s/%s", o.Pair, o.Source)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, oracle.Transient(err, "commit open interest transaction")
	}
	return inserted, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}
