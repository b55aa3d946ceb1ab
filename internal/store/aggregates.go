package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type aggregateRow struct {
	PairID     string    `db:"pair_id"`
	Bucket     time.Time `db:"bucket"`
	Value      string    `db:"value"`
	NumSources int       `db:"num_sources"`
	Components []byte    `db:"components"`
}

type componentRow struct {
	Source         string    `json:"source"`
	Value          string    `json:"value"`
	SubBucketStart time.Time `json:"sub_bucket_start"`
}

// viewName returns the continuous-aggregate view for a (flavor, width,
// entry-type) tier, e.g. median_1min_spot or twap_1h_perp.
func viewName(agg oracle.Aggregation, width oracle.Interval, entryType oracle.EntryType) (string, error) {
	switch agg {
	case oracle.AggregationMedian, oracle.AggregationTwap:
	default:
		return "", oracle.InvalidInput("no materialized tier for aggregation %q", agg)
	}
	if !width.SupportsFlavor(agg) {
		return "", oracle.InvalidInput("interval %s not maintained for %s", width, agg)
	}
	return fmt.Sprintf("%s_%s_%s", agg, width, entrySuffix(entryType)), nil
}

// ReadAggregate returns tier buckets for [from, to), ordered by bucket start.
// The components column is the ordered (source, value, sub-bucket-start)
// triple list carried for audit and downstream reconstruction.
func (s *Store) ReadAggregate(ctx context.Context, pair oracle.Pair, agg oracle.Aggregation, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Bucket, error) {
	view, err := viewName(agg, width, entryType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT pair_id, bucket, value, num_sources, components
		FROM %s
		WHERE pair_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket ASC`, view)

	var rows []aggregateRow
	err = s.read(ctx, view, func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair.String(), from, to)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read %s for %s", view, pair)
	}

	out := make([]oracle.Bucket, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBucket(width)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r aggregateRow) toBucket(width oracle.Interval) (oracle.Bucket, error) {
	value, err := parseDecimal(r.Value)
	if err != nil {
		return oracle.Bucket{}, oracle.Internal("stored aggregate for %s unparseable", r.PairID).WithCause(err)
	}
	var crows []componentRow
	if len(r.Components) > 0 {
		if err := json.Unmarshal(r.Components, &crows); err != nil {
			return oracle.Bucket{}, oracle.Internal("stored components for %s unparseable", r.PairID).WithCause(err)
		}
	}
	components := make([]oracle.Component, len(crows))
	for i, c := range crows {
		cv, err := parseDecimal(c.Value)
		if err != nil {
			return oracle.Bucket{}, oracle.Internal("stored component for %s unparseable", r.PairID).WithCause(err)
		}
		components[i] = oracle.Component{
			Source:         c.Source,
			Value:          cv,
			SubBucketStart: c.SubBucketStart.UTC(),
		}
	}
	return oracle.Bucket{
		PairID:     r.PairID,
		Start:      r.Bucket.UTC(),
		Width:      width,
		Value:      value,
		NumSources: r.NumSources,
		Components: components,
	}, nil
}

type candleRow struct {
	PairID     string    `db:"pair_id"`
	Bucket     time.Time `db:"bucket"`
	Open       string    `db:"open"`
	High       string    `db:"high"`
	Low        string    `db:"low"`
	Close      string    `db:"close"`
	NumSources int       `db:"num_sources"`
}

// ReadOHLC returns candle rows for [from, to) at the given width.
func (s *Store) ReadOHLC(ctx context.Context, pair oracle.Pair, width oracle.Interval, from, to time.Time, entryType oracle.EntryType) ([]oracle.Candle, error) {
	view := fmt.Sprintf("candle_%s_%s", width, entrySuffix(entryType))
	query := fmt.Sprintf(`
		SELECT pair_id, bucket, open, high, low, close, num_sources
		FROM %s
		WHERE pair_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket ASC`, view)

	var rows []candleRow
	err := s.read(ctx, view, func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair.String(), from, to)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read %s for %s", view, pair)
	}

	out := make([]oracle.Candle, 0, len(rows))
	for _, r := range rows {
		open, err1 := parseDecimal(r.Open)
		high, err2 := parseDecimal(r.High)
		low, err3 := parseDecimal(r.Low)
		cl, err4 := parseDecimal(r.Close)
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return nil, oracle.Internal("stored candle for %s unparseable", r.PairID).WithCause(err)
			}
		}
		out = append(out, oracle.Candle{
			PairID:     r.PairID,
			Start:      r.Bucket.UTC(),
			Open:       open,
			High:       high,
			Low:        low,
			Close:      cl,
			NumSources: r.NumSources,
		})
	}
	return out, nil
}
