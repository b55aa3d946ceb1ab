package store

import (
	"context"
	"time"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

type optionRow struct {
	Network        string    `db:"network"`
	BlockNumber    uint64    `db:"block_number"`
	Instrument     string    `db:"instrument"`
	BaseCurrency   string    `db:"base_currency"`
	ExpirationDate string    `db:"expiration_date"`
	Strike         string    `db:"strike"`
	OptionType     string    `db:"option_type"`
	Price          string    `db:"price"`
}

// ReadOptionsAtBlock returns every priced option the external indexer holds
// for (network, block). Block 0 reads the latest (pending) rows.
func (s *Store) ReadOptionsAtBlock(ctx context.Context, network string, block uint64) ([]oracle.OptionPrice, error) {
	if s.onchain == nil {
		return nil, oracle.Transient(nil, "onchain database is not configured")
	}

	query := `
		SELECT network, block_number, instrument, base_currency,
		       expiration_date, strike, option_type, price
		FROM option_prices
		WHERE network = $1 AND block_number = $2`
	args := []any{network, block}
	if block == 0 {
		query = `
			SELECT network, block_number, instrument, base_currency,
			       expiration_date, strike, option_type, price
			FROM option_prices
			WHERE network = $1
			  AND block_number = (SELECT MAX(block_number) FROM option_prices WHERE network = $1)`
		args = []any{network}
	}

	var rows []optionRow
	err := s.read(ctx, "option_prices", func(ctx context.Context) error {
		return s.onchain.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read options for %s block %d", network, block)
	}

	out := make([]oracle.OptionPrice, len(rows))
	for i, r := range rows {
		strike, err := parseDecimal(r.Strike)
		if err != nil {
			return nil, oracle.Internal("stored strike for %s unparseable", r.Instrument).WithCause(err)
		}
		price, err := parseDecimal(r.Price)
		if err != nil {
			return nil, oracle.Internal("stored option price for %s unparseable", r.Instrument).WithCause(err)
		}
		out[i] = oracle.OptionPrice{
			Network:        r.Network,
			BlockNumber:    r.BlockNumber,
			Instrument:     r.Instrument,
			BaseCurrency:   r.BaseCurrency,
			ExpirationDate: r.ExpirationDate,
			Strike:         strike,
			OptionType:     oracle.OptionType(r.OptionType),
			Price:          price,
		}
	}
	return out, nil
}

type fundingRow struct {
	Source         string    `db:"source"`
	Pair           string    `db:"pair"`
	AnnualizedRate float64   `db:"annualized_rate"`
	Timestamp      time.Time `db:"timestamp"`
}

// LatestFundingRates returns the newest funding observation per source for a
// pair.
func (s *Store) LatestFundingRates(ctx context.Context, pair string) ([]oracle.FundingRate, error) {
	const query = `
		SELECT DISTINCT ON (source) source, pair, annualized_rate, timestamp
		FROM funding_rates
		WHERE pair = $1
		ORDER BY source, timestamp DESC`

	var rows []fundingRow
	err := s.read(ctx, "funding_rates", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read funding rates for %s", pair)
	}
	return fundingFromRows(rows), nil
}

// FundingRateHistory returns funding observations for [from, to).
func (s *Store) FundingRateHistory(ctx context.Context, pair string, from, to time.Time) ([]oracle.FundingRate, error) {
	const query = `
		SELECT source, pair, annualized_rate, timestamp
		FROM funding_rates
		WHERE pair = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC`

	var rows []fundingRow
	err := s.read(ctx, "funding_rates", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair, from, to)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read funding history for %s", pair)
	}
	return fundingFromRows(rows), nil
}

// FundingRateInstruments lists distinct pairs with funding observations.
func (s *Store) FundingRateInstruments(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT pair FROM funding_rates ORDER BY pair ASC`
	var pairs []string
	err := s.read(ctx, "funding_rates", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &pairs, query)
	})
	if err != nil {
		return nil, oracle.Transient(err, "list funding instruments")
	}
	return pairs, nil
}

func fundingFromRows(rows []fundingRow) []oracle.FundingRate {
	out := make([]oracle.FundingRate, len(rows))
	for i, r := range rows {
		out[i] = oracle.FundingRate{
			Source:         r.Source,
			Pair:           r.Pair,
			AnnualizedRate: r.AnnualizedRate,
			TimestampMs:    r.Timestamp.UnixMilli(),
		}
	}
	return out
}

type openInterestRow struct {
	Source       string    `db:"source"`
	Pair         string    `db:"pair"`
	OpenInterest float64   `db:"open_interest"`
	Timestamp    time.Time `db:"timestamp"`
}

// LatestOpenInterest returns the newest open-interest observation per source
// for a pair.
func (s *Store) LatestOpenInterest(ctx context.Context, pair string) ([]oracle.OpenInterest, error) {
	const query = `
		SELECT DISTINCT ON (source) source, pair, open_interest, timestamp
		FROM open_interest
		WHERE pair = $1
		ORDER BY source, timestamp DESC`

	var rows []openInterestRow
	err := s.read(ctx, "open_interest", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read open interest for %s", pair)
	}
	return openInterestFromRows(rows), nil
}

// OpenInterestHistory returns open-interest observations for [from, to).
func (s *Store) OpenInterestHistory(ctx context.Context, pair string, from, to time.Time) ([]oracle.OpenInterest, error) {
	const query = `
		SELECT source, pair, open_interest, timestamp
		FROM open_interest
		WHERE pair = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC`

	var rows []openInterestRow
	err := s.read(ctx, "open_interest", func(ctx context.Context) error {
		return s.offchain.SelectContext(ctx, &rows, query, pair, from, to)
	})
	if err != nil {
		return nil, oracle.Transient(err, "read open interest history for %s", pair)
	}
	return openInterestFromRows(rows), nil
}

func openInterestFromRows(rows []openInterestRow) []oracle.OpenInterest {
	out := make([]oracle.OpenInterest, len(rows))
	for i, r := range rows {
		out[i] = oracle.OpenInterest{
			Source:       r.Source,
			Pair:         r.Pair,
			OpenInterest: r.OpenInterest,
			TimestampMs:  r.Timestamp.UnixMilli(),
		}
	}
	return out
}
