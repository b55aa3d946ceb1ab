package oracle

import (
	"regexp"
	"strings"
)

// pairPattern matches the canonical BASE/QUOTE form after uppercasing.
// Dated-future identifiers carry a settlement suffix on the base, e.g.
// BTC-16AUG24/USD.
var pairPattern = regexp.MustCompile(`^[A-Z0-9]+(?:-[A-Z0-9]+)?/[A-Z0-9]+$`)

// Pair is a validated trading pair.
type Pair struct {
	Base  string
	Quote string
}

// NewPair builds a pair from its two legs, normalizing case.
func NewPair(base, quote string) (Pair, error) {
	return ParsePair(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}

// ParsePair validates and normalizes a pair id. Lowercase input is accepted
// and canonicalized.
func ParsePair(id string) (Pair, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !pairPattern.MatchString(id) {
		return Pair{}, InvalidInput("malformed pair id %q", id)
	}
	parts := strings.SplitN(id, "/", 2)
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

// String returns the canonical pair id.
func (p Pair) String() string { return p.Base + "/" + p.Quote }

// RoutedVia returns the two hop legs used when no direct pair exists:
// BASE/hop and QUOTE/hop. The aggregate for p is then leg1 / leg2.
func (p Pair) RoutedVia(hop string) (Pair, Pair) {
	return Pair{Base: p.Base, Quote: hop}, Pair{Base: p.Quote, Quote: hop}
}
