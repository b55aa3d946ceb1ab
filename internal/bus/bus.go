// Package bus carries admitted observations from ingress to persistence
// over a durable, key-partitioned log. Records are JSON envelopes; the
// ordering key is pair-id plus source so each (pair, source) series stays
// monotone through partitioning.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// Envelope schemas.
const (
	SchemaSpotEntry    = "spot-entry"
	SchemaFutureEntry  = "future-entry"
	SchemaFundingRate  = "funding-rate"
	SchemaOpenInterest = "open-interest"
)

// Parallel topics for the non-entry streams; the entries topic itself is
// configured (default pragma-data).
const (
	TopicFundingRates = "pragma-funding-rates"
	TopicOpenInterest = "pragma-open-interest"
)

// Envelope is the canonical bus record.
type Envelope struct {
	Schema  string          `json:"schema"`
	PairID  string          `json:"pair_id"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// Key returns the partition key for a (pair, source) series.
func Key(pairID, source string) []byte {
	return []byte(pairID + "|" + source)
}

func encode(schema, pairID, source string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", schema, err)
	}
	env := Envelope{Schema: schema, PairID: pairID, Source: source, Payload: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", schema, err)
	}
	return out, nil
}

// EncodeSpotEntry serializes a spot entry record.
func EncodeSpotEntry(e oracle.Entry) ([]byte, error) {
	return encode(SchemaSpotEntry, e.PairID, e.Source, e)
}

// EncodeFutureEntry serializes a future/perp entry record.
func EncodeFutureEntry(e oracle.FutureEntry) ([]byte, error) {
	return encode(SchemaFutureEntry, e.PairID, e.Source, e)
}

// EncodeFundingRate serializes a funding-rate record.
func EncodeFundingRate(r oracle.FundingRate) ([]byte, error) {
	return encode(SchemaFundingRate, r.Pair, r.Source, r)
}

// EncodeOpenInterest serializes an open-interest record.
func EncodeOpenInterest(o oracle.OpenInterest) ([]byte, error) {
	return encode(SchemaOpenInterest, o.Pair, o.Source, o)
}

// Decode parses an envelope without touching the payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed bus envelope: %w", err)
	}
	return env, nil
}
