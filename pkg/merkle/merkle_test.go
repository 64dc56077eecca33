package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmpty(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrNoLeaves)
}

func TestSingleLeaf(t *testing.T) {
	tree, err := Build([]string{"only"})
	require.NoError(t, err)
	assert.Equal(t, HashLeaf("only"), tree.Root())

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify("only", proof, tree.Root(), 0))
}

func TestRoundTripAllIndices(t *testing.T) {
	// Cover even, odd and power-of-two leaf counts.
	for _, n := range []int{2, 3, 4, 5, 7, 8, 13} {
		t.Run(fmt.Sprintf("leaves=%d", n), func(t *testing.T) {
			leaves := make([]string, n)
			for i := range leaves {
				leaves[i] = fmt.Sprintf("leaf-%d", i)
			}
			tree, err := Build(leaves)
			require.NoError(t, err)

			for i, leaf := range leaves {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, Verify(leaf, proof, tree.Root(), i), "index %d", i)
			}
		})
	}
}

func TestVerifyRejectsMutatedLeaf(t *testing.T) {
	leaves := []string{"a", "b", "c", "d", "e"}
	tree, err := Build(leaves)
	require.NoError(t, err)

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	assert.False(t, Verify("c-tampered", proof, tree.Root(), 2))
}

func TestVerifyRejectsMutatedProofElement(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	tree, err := Build(leaves)
	require.NoError(t, err)

	for i := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		for j := range proof {
			bad := make([]string, len(proof))
			copy(bad, proof)
			bad[j] = HashLeaf("garbage")
			assert.False(t, Verify(leaves[i], bad, tree.Root(), i), "leaf %d, element %d", i, j)
		}
	}
}

func TestVerifyRejectsWrongIndex(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	tree, err := Build(leaves)
	require.NoError(t, err)

	proof, err := tree.Proof(1)
	require.NoError(t, err)
	assert.False(t, Verify("b", proof, tree.Root(), 2))
	assert.False(t, Verify("b", proof, tree.Root(), -1))
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, err := Build([]string{"a", "b"})
	require.NoError(t, err)

	_, err = tree.Proof(2)
	assert.Error(t, err)
	_, err = tree.Proof(-1)
	assert.Error(t, err)
}

func TestDeterministicRoot(t *testing.T) {
	a, err := Build([]string{"x", "y", "z"})
	require.NoError(t, err)
	b, err := Build([]string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, a.Root(), b.Root())

	c, err := Build([]string{"y", "x", "z"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Root(), c.Root(), "leaf order must matter")
}
