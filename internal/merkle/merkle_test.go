package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/merkle"
)

func leaves(n int) []digest.Digest {
	out := make([]digest.Digest, n)
	for i := range out {
		out[i] = digest.Sum([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestBuild_empty(t *testing.T) {
	_, err := merkle.Build(nil)
	assert.ErrorIs(t, err, merkle.ErrEmpty)
}

func TestBuild_singleLeafIsRoot(t *testing.T) {
	l := leaves(1)
	tree, err := merkle.Build(l)
	require.NoError(t, err)
	assert.Equal(t, l[0], tree.Root)

	proof, ok := tree.Proof(l[0])
	require.True(t, ok)
	assert.Empty(t, proof)
	assert.True(t, merkle.Verify(l[0], proof, tree.Root))
}

func TestBuild_twoLeaves(t *testing.T) {
	l := leaves(2)
	tree, err := merkle.Build(l)
	require.NoError(t, err)

	lo, hi := tree.Leaves[0], tree.Leaves[1]
	want := sha256.Sum256(append(lo.Bytes(), hi.Bytes()...))
	assert.Equal(t, digest.Digest(want), tree.Root)

	p, _ := tree.Proof(hi)
	require.Len(t, p, 1)
	assert.True(t, p[0].Left)
	assert.Equal(t, lo, p[0].Hash)
}

func TestBuild_orderIndependent(t *testing.T) {
	l := leaves(7)
	a, err := merkle.Build(l)
	require.NoError(t, err)

	reversed := make([]digest.Digest, len(l))
	for i := range l {
		reversed[len(l)-1-i] = l[i]
	}
	b, err := merkle.Build(reversed)
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)
}

func TestBuild_batchOfEight(t *testing.T) {
	l := leaves(8)
	tree, err := merkle.Build(l)
	require.NoError(t, err)

	for _, leaf := range l {
		proof, ok := tree.Proof(leaf)
		require.True(t, ok)
		assert.Len(t, proof, 3)
		assert.Equal(t, tree.Root, merkle.RootFrom(leaf, proof))
	}

	// Corrupting a single byte of one sibling must break verification.
	proof, _ := tree.Proof(l[3])
	corrupt := make(merkle.Proof, len(proof))
	copy(corrupt, proof)
	corrupt[1].Hash[0] ^= 0x01
	assert.False(t, merkle.Verify(l[3], corrupt, tree.Root))

	// So must flipping a side flag.
	flipped := make(merkle.Proof, len(proof))
	copy(flipped, proof)
	flipped[0].Left = !flipped[0].Left
	assert.False(t, merkle.Verify(l[3], flipped, tree.Root))
}

func TestBuild_oddCounts(t *testing.T) {
	for _, n := range []int{3, 5, 9, 100} {
		l := leaves(n)
		tree, err := merkle.Build(l)
		require.NoError(t, err)
		for _, leaf := range l {
			p, ok := tree.Proof(leaf)
			require.True(t, ok)
			assert.True(t, merkle.Verify(leaf, p, tree.Root), "n=%d", n)
		}
	}
}

func TestBuild_duplicateDigestsShareALeaf(t *testing.T) {
	l := leaves(3)
	withDup := append([]digest.Digest{l[1]}, l...)
	tree, err := merkle.Build(withDup)
	require.NoError(t, err)
	assert.Len(t, tree.Leaves, 3)

	plain, err := merkle.Build(l)
	require.NoError(t, err)
	assert.Equal(t, plain.Root, tree.Root)
}

func TestVerify_wrongLeaf(t *testing.T) {
	l := leaves(4)
	tree, err := merkle.Build(l)
	require.NoError(t, err)
	p, _ := tree.Proof(l[0])
	assert.False(t, merkle.Verify(digest.Sum([]byte("intruder")), p, tree.Root))
}
