// Package signing implements the domain-separated field-element hashing and
// Stark-curve signature verification that tie published entries and Merkle
// leaves to the on-chain verifier. Hash tags are never shared across
// contexts: an entry payload hash can not collide with an option leaf hash.
package signing

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/NethermindEth/starknet.go/curve"
	"github.com/shopspring/decimal"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// Domain tags, encoded as Cairo short strings before hashing.
const (
	tagSpotEntry   = "pragma:spot-entry"
	tagFutureEntry = "pragma:future-entry"
	tagOptionLeaf  = "pragma:option-leaf"
)

// PriceDecimals is the fixed-point scale applied to prices before they enter
// the field. It matches the on-chain representation.
const PriceDecimals = 8

// maxShortString is the Cairo short-string capacity in bytes.
const maxShortString = 31

// ParseFelt parses a field element from hex (0x-prefixed) or decimal text.
func ParseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty field element")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("malformed field element %q", s)
	}
	if v.Sign() < 0 || v.Cmp(curve.Curve.P) >= 0 {
		return nil, fmt.Errorf("field element %q out of range", s)
	}
	return v, nil
}

// feltFromString encodes a string as a field element. Short strings use the
// Cairo short-string encoding; longer strings fold 31-byte chunks through
// the Pedersen hash so the result stays deterministic and in-field.
func feltFromString(s string) (*big.Int, error) {
	b := []byte(s)
	if len(b) <= maxShortString {
		return new(big.Int).SetBytes(b), nil
	}
	acc := big.NewInt(int64(len(b)))
	for i := 0; i < len(b); i += maxShortString {
		end := i + maxShortString
		if end > len(b) {
			end = len(b)
		}
		chunk := new(big.Int).SetBytes(b[i:end])
		h, err := curve.Curve.PedersenHash([]*big.Int{acc, chunk})
		if err != nil {
			return nil, fmt.Errorf("hash string chunk: %w", err)
		}
		acc = h
	}
	return acc, nil
}

// feltFromPrice scales a non-negative decimal price to the fixed on-chain
// precision and returns it as a field element.
func feltFromPrice(p decimal.Decimal) (*big.Int, error) {
	if p.IsNegative() {
		return nil, fmt.Errorf("negative price %s", p)
	}
	return p.Shift(PriceDecimals).Truncate(0).BigInt(), nil
}

func hashChain(tag string, parts ...*big.Int) (*big.Int, error) {
	tagFelt, err := feltFromString(tag)
	if err != nil {
		return nil, err
	}
	elems := append([]*big.Int{tagFelt}, parts...)
	h, err := curve.Curve.PedersenHash(elems)
	if err != nil {
		return nil, fmt.Errorf("pedersen hash: %w", err)
	}
	return h, nil
}

// EntryHash computes the signed payload hash for a spot entry.
func EntryHash(e oracle.Entry) (*big.Int, error) {
	return entryHash(tagSpotEntry, e, nil)
}

// FutureEntryHash computes the signed payload hash for a future or
// perpetual entry. A perpetual hashes a zero expiration.
func FutureEntryHash(e oracle.FutureEntry) (*big.Int, error) {
	exp := big.NewInt(0)
	if e.ExpirationMs != nil {
		exp = big.NewInt(*e.ExpirationMs)
	}
	return entryHash(tagFutureEntry, e.Entry, exp)
}

func entryHash(tag string, e oracle.Entry, expiration *big.Int) (*big.Int, error) {
	pair, err := feltFromString(e.PairID)
	if err != nil {
		return nil, err
	}
	source, err := feltFromString(e.Source)
	if err != nil {
		return nil, err
	}
	publisher, err := feltFromString(e.Publisher)
	if err != nil {
		return nil, err
	}
	price, err := feltFromPrice(e.Price)
	if err != nil {
		return nil, err
	}
	parts := []*big.Int{pair, big.NewInt(e.TimestampMs), source, publisher, price}
	if expiration != nil {
		parts = append(parts, expiration)
	}
	return hashChain(tag, parts...)
}

// OptionLeafHash computes the Merkle leaf hash for a priced option: the
// canonical instrument encoding folded with the fixed-point price.
func OptionLeafHash(o oracle.OptionPrice) (*big.Int, error) {
	instrument, err := feltFromString(o.Instrument)
	if err != nil {
		return nil, err
	}
	price, err := feltFromPrice(o.Price)
	if err != nil {
		return nil, err
	}
	return hashChain(tagOptionLeaf, instrument, price)
}

// NodeHash combines two Merkle siblings. The pair is hashed in argument
// order; callers are responsible for positional ordering.
func NodeHash(left, right *big.Int) (*big.Int, error) {
	h, err := curve.Curve.PedersenHash([]*big.Int{left, right})
	if err != nil {
		return nil, fmt.Errorf("pedersen hash: %w", err)
	}
	return h, nil
}

// VerifySignature checks a two-element Stark signature against a publisher
// active key (the x-coordinate of the public key, hex-encoded). Both
// y-parities are tried since only x is registered.
func VerifySignature(activeKey string, msgHash *big.Int, sig oracle.Signature) error {
	if len(sig) != 2 {
		return fmt.Errorf("signature must have exactly 2 elements, got %d", len(sig))
	}
	pubX, err := ParseFelt(activeKey)
	if err != nil {
		return fmt.Errorf("parse active key: %w", err)
	}
	r, err := ParseFelt(sig[0])
	if err != nil {
		return fmt.Errorf("parse signature r: %w", err)
	}
	s, err := ParseFelt(sig[1])
	if err != nil {
		return fmt.Errorf("parse signature s: %w", err)
	}
	pubY := curve.Curve.GetYCoordinate(pubX)
	if pubY == nil {
		return fmt.Errorf("active key is not on the stark curve")
	}
	if curve.Curve.Verify(msgHash, r, s, pubX, pubY) {
		return nil
	}
	negY := new(big.Int).Sub(curve.Curve.P, pubY)
	if curve.Curve.Verify(msgHash, r, s, pubX, negY) {
		return nil
	}
	return fmt.Errorf("signature does not verify")
}

// Sign produces an entry signature with a private key. Only tests and local
// tooling sign; the node itself never holds publisher keys.
func Sign(privateKey string, msgHash *big.Int) (oracle.Signature, error) {
	priv, err := ParseFelt(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	r, s, err := curve.Curve.Sign(msgHash, priv)
	if err != nil {
		return nil, fmt.Errorf("stark sign: %w", err)
	}
	return oracle.Signature{"0x" + r.Text(16), "0x" + s.Text(16)}, nil
}
