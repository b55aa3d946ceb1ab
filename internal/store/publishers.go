package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// GetPublisher resolves one publisher by name. Absent publishers return
// publisher-unknown, never a transient error, so the registry cache can
// negatively cache them.
func (s *Store) GetPublisher(ctx context.Context, name string) (oracle.Publisher, error) {
	const query = `
		SELECT name, master_key, active_key, account_address, active
		FROM publishers
		WHERE name = $1`

	var p oracle.Publisher
	err := s.read(ctx, "publishers", func(ctx context.Context) error {
		return s.offchain.GetContext(ctx, &p, query, name)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return oracle.Publisher{}, oracle.E(oracle.KindPublisherUnknown, "publisher %q is not registered", name)
	}
	if err != nil {
		return oracle.Publisher{}, oracle.Transient(err, "read publisher %q", name)
	}
	return p, nil
}

// PublisherStats is the per-publisher source breakdown served by the
// publishers listing.
type PublisherStats struct {
	oracle.Publisher
	SpotSources   int `json:"nb_spot_sources" db:"nb_spot_sources"`
	FutureSources int `json:"nb_future_sources" db:"nb_future_sources"`
}

// ListPublishers returns all active publishers with their distinct source
// counts over the trailing day.
func (s *Store) ListPublishers(ctx context.Context) ([]PublisherStats, error) {
	const query = `
		SELECT p.name, p.master_key, p.active_key, p.account_address, p.active,
		       COALESCE(e.nb, 0)  AS nb_spot_sources,
		       COALESCE(f.nb, 0)  AS nb_future_sources
		FROM publishers p
		LEFT JOIN (
			SELECT publisher, COUNT(DISTINCT source) AS nb
			FROM entries WHERE timestamp > $1 GROUP BY publisher
		) e ON e.publisher = p.name
		LEFT JOIN (
			SELECT publisher, COUNT(DISTINCT source) AS nb
			FROM future_entries WHERE timestamp > $1 GROUP BY publisher
		) f ON f.publisher = p.name
		WHERE p.active
		ORDER BY p.name ASC`

	var rows []struct {
		oracle.Publisher
		SpotSources   int `db:"nb_spot_sources"`
		FutureSources int `db:"nb_future_sources"`
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	err := s.read(ctx, "publishers", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, since)
	})
	if err != nil {
		return nil, oracle.Transient(err, "list publishers")
	}
	out := make([]PublisherStats, len(rows))
	for i, r := range rows {
		out[i] = PublisherStats{
			Publisher:     r.Publisher,
			SpotSources:   r.SpotSources,
			FutureSources: r.FutureSources,
		}
	}
	return out, nil
}
