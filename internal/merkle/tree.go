// Package merkle builds the per-(network, block) Merkle feed over priced
// options and serves inclusion proofs from an LRU, single-flight cache.
package merkle

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/signing"
)

// Leaf is one priced option with its computed leaf hash.
type Leaf struct {
	Option oracle.OptionPrice
	Hash   *big.Int
}

// ProofStep is one sibling on the path from a leaf to the root. Left
// reports whether the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash *big.Int
	Left bool
}

// Proof is an inclusion proof for one option.
type Proof struct {
	Option oracle.OptionPrice
	Leaf   *big.Int
	Path   []ProofStep
	Root   *big.Int
	Index  int
}

// Tree is an immutable binary Merkle tree over an ordered option set.
type Tree struct {
	Network string
	Block   uint64
	Root    *big.Int

	leaves       []Leaf
	levels       [][]*big.Int
	byInstrument map[string]int
	byLeafHash   map[string]int
}

// Build orders options canonically, hashes each leaf, and folds the levels.
// Leaf order is (base-currency, expiration, strike, put before call) so the
// root is reproducible for a given option set.
func Build(network string, block uint64, options []oracle.OptionPrice) (*Tree, error) {
	if len(options) == 0 {
		return nil, oracle.NotFound("no options at %s block %d", network, block)
	}
	ordered := make([]oracle.OptionPrice, len(options))
	copy(ordered, options)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.BaseCurrency != b.BaseCurrency {
			return a.BaseCurrency < b.BaseCurrency
		}
		if a.ExpirationDate != b.ExpirationDate {
			return a.ExpirationDate < b.ExpirationDate
		}
		if c := a.Strike.Cmp(b.Strike); c != 0 {
			return c < 0
		}
		return a.OptionType == oracle.OptionPut && b.OptionType == oracle.OptionCall
	})

	// A pending build resolves to the newest block the option rows carry.
	if block == 0 {
		for _, o := range options {
			if o.BlockNumber > block {
				block = o.BlockNumber
			}
		}
	}

	t := &Tree{
		Network:      network,
		Block:        block,
		leaves:       make([]Leaf, len(ordered)),
		byInstrument: make(map[string]int, len(ordered)),
		byLeafHash:   make(map[string]int, len(ordered)),
	}
	level := make([]*big.Int, len(ordered))
	for i, o := range ordered {
		h, err := signing.OptionLeafHash(o)
		if err != nil {
			return nil, fmt.Errorf("hash leaf %s: %w", o.Instrument, err)
		}
		t.leaves[i] = Leaf{Option: o, Hash: h}
		t.byInstrument[o.Instrument] = i
		t.byLeafHash[hexKey(h)] = i
		level[i] = h
	}

	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]*big.Int, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node carries up unchanged.
				next = append(next, level[i])
				continue
			}
			h, err := signing.NodeHash(level[i], level[i+1])
			if err != nil {
				return nil, fmt.Errorf("hash node: %w", err)
			}
			next = append(next, h)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.Root = level[0]
	return t, nil
}

// Len returns the leaf count.
func (t *Tree) Len() int { return len(t.leaves) }

// ProofFor returns the inclusion proof for an instrument, or not-found.
func (t *Tree) ProofFor(instrument string) (Proof, error) {
	idx, ok := t.byInstrument[instrument]
	if !ok {
		return Proof{}, oracle.NotFound("instrument %q absent at %s block %d", instrument, t.Network, t.Block)
	}
	return t.proofAt(idx), nil
}

// ProofForLeafHash returns the inclusion proof for a leaf hash (hex or
// decimal), or not-found.
func (t *Tree) ProofForLeafHash(leafHash string) (Proof, error) {
	h, err := signing.ParseFelt(leafHash)
	if err != nil {
		return Proof{}, oracle.InvalidInput("malformed option hash: %v", err)
	}
	idx, ok := t.byLeafHash[hexKey(h)]
	if !ok {
		return Proof{}, oracle.NotFound("leaf %s absent at %s block %d", leafHash, t.Network, t.Block)
	}
	return t.proofAt(idx), nil
}

func (t *Tree) proofAt(idx int) Proof {
	p := Proof{
		Option: t.leaves[idx].Option,
		Leaf:   t.leaves[idx].Hash,
		Root:   t.Root,
		Index:  idx,
	}
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			p.Path = append(p.Path, ProofStep{Hash: level[sibling], Left: sibling < pos})
		}
		pos /= 2
	}
	return p
}

// VerifyProof recomputes the root from a leaf hash and path. Any mutated
// byte in leaf or path fails the check.
func VerifyProof(leaf *big.Int, path []ProofStep, root *big.Int) bool {
	acc := leaf
	for _, step := range path {
		var err error
		if step.Left {
			acc, err = signing.NodeHash(step.Hash, acc)
		} else {
			acc, err = signing.NodeHash(acc, step.Hash)
		}
		if err != nil {
			return false
		}
	}
	return acc.Cmp(root) == 0
}

func hexKey(h *big.Int) string { return "0x" + h.Text(16) }
