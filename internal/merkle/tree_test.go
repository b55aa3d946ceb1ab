package merkle

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/signing"
)

func option(instrument, base, exp, strike string, typ oracle.OptionType, price string) oracle.OptionPrice {
	return oracle.OptionPrice{
		Network:        "mainnet",
		BlockNumber:    100,
		Instrument:     instrument,
		BaseCurrency:   base,
		ExpirationDate: exp,
		Strike:         decimal.RequireFromString(strike),
		OptionType:     typ,
		Price:          decimal.RequireFromString(price),
	}
}

func twoOptionFixture() []oracle.OptionPrice {
	return []oracle.OptionPrice{
		option("BTC-16AUG24-54000-C", "BTC", "2024-08-16", "54000", oracle.OptionCall, "850.5"),
		option("BTC-16AUG24-52000-P", "BTC", "2024-08-16", "52000", oracle.OptionPut, "1200.25"),
	}
}

func TestBuildOrdersLeavesCanonically(t *testing.T) {
	tree, err := Build("mainnet", 100, twoOptionFixture())
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())

	// Ascending strike: the 52000 put leads regardless of input order.
	p, err := tree.ProofFor("BTC-16AUG24-52000-P")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Index)

	// Root is H(L1, L2) over the ordered leaf hashes.
	l1, err := signing.OptionLeafHash(twoOptionFixture()[1])
	require.NoError(t, err)
	l2, err := signing.OptionLeafHash(twoOptionFixture()[0])
	require.NoError(t, err)
	want, err := signing.NodeHash(l1, l2)
	require.NoError(t, err)
	assert.Zero(t, want.Cmp(tree.Root))

	// Proof for the first leaf is exactly the second leaf's hash.
	require.Len(t, p.Path, 1)
	assert.Zero(t, l2.Cmp(p.Path[0].Hash))
	assert.False(t, p.Path[0].Left)
}

func TestBuildPutOrdersBeforeCallAtSameStrike(t *testing.T) {
	options := []oracle.OptionPrice{
		option("BTC-16AUG24-52000-C", "BTC", "2024-08-16", "52000", oracle.OptionCall, "2"),
		option("BTC-16AUG24-52000-P", "BTC", "2024-08-16", "52000", oracle.OptionPut, "1"),
	}
	tree, err := Build("mainnet", 100, options)
	require.NoError(t, err)
	put, err := tree.ProofFor("BTC-16AUG24-52000-P")
	require.NoError(t, err)
	assert.Equal(t, 0, put.Index)
}

func TestBuildIdempotent(t *testing.T) {
	first, err := Build("mainnet", 100, twoOptionFixture())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Build("mainnet", 100, twoOptionFixture())
		require.NoError(t, err)
		assert.Zero(t, first.Root.Cmp(again.Root))
	}
}

func TestProofSoundness(t *testing.T) {
	options := []oracle.OptionPrice{
		option("BTC-16AUG24-52000-P", "BTC", "2024-08-16", "52000", oracle.OptionPut, "1200.25"),
		option("BTC-16AUG24-54000-C", "BTC", "2024-08-16", "54000", oracle.OptionCall, "850.5"),
		option("ETH-16AUG24-3000-C", "ETH", "2024-08-16", "3000", oracle.OptionCall, "120"),
		option("ETH-16AUG24-3000-P", "ETH", "2024-08-16", "3000", oracle.OptionPut, "95"),
		option("ETH-30AUG24-3200-C", "ETH", "2024-08-30", "3200", oracle.OptionCall, "140"),
	}
	tree, err := Build("mainnet", 100, options)
	require.NoError(t, err)

	for _, o := range options {
		p, err := tree.ProofFor(o.Instrument)
		require.NoError(t, err)
		assert.True(t, VerifyProof(p.Leaf, p.Path, p.Root), "proof for %s", o.Instrument)

		// Any mutated byte breaks verification.
		mutatedLeaf := new(big.Int).Add(p.Leaf, big.NewInt(1))
		assert.False(t, VerifyProof(mutatedLeaf, p.Path, p.Root))
		if len(p.Path) > 0 {
			mutated := make([]ProofStep, len(p.Path))
			copy(mutated, p.Path)
			mutated[0] = ProofStep{Hash: new(big.Int).Add(p.Path[0].Hash, big.NewInt(1)), Left: p.Path[0].Left}
			assert.False(t, VerifyProof(p.Leaf, mutated, p.Root))
		}
	}
}

func TestProofForUnknownInstrument(t *testing.T) {
	tree, err := Build("mainnet", 100, twoOptionFixture())
	require.NoError(t, err)
	_, err = tree.ProofFor("BTC-16AUG24-99999-C")
	require.Error(t, err)
	assert.Equal(t, oracle.KindNotFound, oracle.KindOf(err))
}

func TestProofForLeafHash(t *testing.T) {
	tree, err := Build("mainnet", 100, twoOptionFixture())
	require.NoError(t, err)
	direct, err := tree.ProofFor("BTC-16AUG24-52000-P")
	require.NoError(t, err)

	byHash, err := tree.ProofForLeafHash("0x" + direct.Leaf.Text(16))
	require.NoError(t, err)
	assert.Equal(t, direct.Index, byHash.Index)
}
