// Package oracle holds the core data model shared by every other package:
// entries as publishers submit them, publisher records, aggregated buckets as
// the query engine returns them, and the typed errors that surface in API
// responses.
package oracle

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType selects which raw series an entry or query refers to.
type EntryType string

const (
	EntryTypeSpot   EntryType = "spot"
	EntryTypePerp   EntryType = "perp"
	EntryTypeFuture EntryType = "future"
)

// ParseEntryType validates a query-string entry_type value. Empty defaults
// to spot.
func ParseEntryType(s string) (EntryType, error) {
	switch s {
	case "", "spot":
		return EntryTypeSpot, nil
	case "perp":
		return EntryTypePerp, nil
	case "future":
		return EntryTypeFuture, nil
	}
	return "", InvalidInput("unknown entry_type %q", s)
}

// Signature is the two-element Stark signature (r, s) as submitted on the
// wire, each element a hex or decimal field-element string.
type Signature []string

// Entry is a single signed spot observation. Identity is
// (pair-id, source, timestamp); entries are immutable once admitted.
type Entry struct {
	PairID      string          `json:"pair_id" db:"pair_id"`
	Publisher   string          `json:"publisher" db:"publisher"`
	Source      string          `json:"source" db:"source"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TimestampMs int64           `json:"timestamp" db:"timestamp_ms"`
	Signature   Signature       `json:"publisher_signature,omitempty" db:"-"`
}

// Timestamp returns the entry instant as wall-clock time.
func (e Entry) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// FutureEntry is a future or perpetual observation. A nil expiration denotes
// a perpetual; identity additionally includes the expiration.
type FutureEntry struct {
	Entry
	ExpirationMs *int64 `json:"expiration_timestamp,omitempty" db:"expiration_ms"`
}

// IsPerp reports whether the entry is a perpetual (no expiration).
func (e FutureEntry) IsPerp() bool { return e.ExpirationMs == nil }

// FundingRate is a per-(source, pair) annualized funding-rate observation.
type FundingRate struct {
	Source         string  `json:"source" db:"source"`
	Pair           string  `json:"pair" db:"pair"`
	AnnualizedRate float64 `json:"annualized_rate" db:"annualized_rate"`
	TimestampMs    int64   `json:"timestamp" db:"timestamp_ms"`
}

// OpenInterest is a per-(source, pair) open-interest observation.
type OpenInterest struct {
	Source       string  `json:"source" db:"source"`
	Pair         string  `json:"pair" db:"pair"`
	OpenInterest float64 `json:"open_interest" db:"open_interest"`
	TimestampMs  int64   `json:"timestamp" db:"timestamp_ms"`
}

// Publisher is the registry record signatures are verified against.
// ActiveKey verifies entry signatures; MasterKey authorizes key rotation
// out-of-band; AccountAddress is the on-chain identity.
type Publisher struct {
	Name           string `json:"name" db:"name"`
	MasterKey      string `json:"master_key" db:"master_key"`
	ActiveKey      string `json:"active_key" db:"active_key"`
	AccountAddress string `json:"account_address" db:"account_address"`
	Active         bool   `json:"active" db:"active"`
}

// Component is one per-source contribution to an aggregated bucket. The
// sub-bucket start always lies within the parent bucket.
type Component struct {
	Source         string          `json:"source"`
	Value          decimal.Decimal `json:"value"`
	SubBucketStart time.Time       `json:"sub_bucket_start"`
}

// Bucket is one aggregated value for a (pair, width, flavor) tier.
// NumSources is always >= 1 for a stored bucket and equals len(Components).
type Bucket struct {
	PairID     string          `json:"pair_id"`
	Start      time.Time       `json:"bucket_start"`
	Width      Interval        `json:"interval"`
	Value      decimal.Decimal `json:"value"`
	NumSources int             `json:"num_sources"`
	Components []Component     `json:"components,omitempty"`
}

// Candle is one OHLC quadruple derived from a median tier. NumSources is
// the minimum source count across contributing sub-buckets, used by the
// per-tier minimum filter.
type Candle struct {
	PairID     string          `json:"pair_id"`
	Start      time.Time       `json:"bucket_start"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	NumSources int             `json:"num_sources,omitempty"`
}

// OptionPrice is one priced option row at a block, as read from the
// external indexer through the store adapter.
type OptionPrice struct {
	Network        string          `json:"network" db:"network"`
	BlockNumber    uint64          `json:"block_number" db:"block_number"`
	Instrument     string          `json:"instrument" db:"instrument"`
	BaseCurrency   string          `json:"base_currency" db:"base_currency"`
	ExpirationDate string          `json:"expiration_date" db:"expiration_date"`
	Strike         decimal.Decimal `json:"strike" db:"strike"`
	OptionType     OptionType      `json:"option_type" db:"option_type"`
	Price          decimal.Decimal `json:"price" db:"price"`
}

// OptionType distinguishes puts from calls. Puts order before calls at the
// same strike so Merkle leaf ordering is reproducible.
type OptionType string

const (
	OptionPut  OptionType = "put"
	OptionCall OptionType = "call"
)
