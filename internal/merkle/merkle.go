// Package merkle builds the binary SHA-256 trees used to anchor many evidence
// digests under a single on-chain root.
//
// Leaves are sorted and de-duplicated so the same set of digests always yields
// the same root. A layer with an odd node count pairs the last node with itself.
// Parent nodes are SHA-256(left || right) over the raw 32-byte hashes.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sort"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

// ErrEmpty is returned when building a tree without leaves.
var ErrEmpty = errors.New("merkle: no leaves")

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	Hash digest.Digest `json:"hash"`
	Left bool          `json:"left"` // sibling is the left operand
}

// Proof is the ordered sibling path, leaf level first.
type Proof []Step

// Tree is a built Merkle tree.
type Tree struct {
	Root   digest.Digest
	Leaves []digest.Digest

	proofs map[digest.Digest]Proof
}

// Build constructs a tree over leaves.
func Build(leaves []digest.Digest) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}

	sorted := make([]digest.Digest, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	uniq := sorted[:1]
	for _, d := range sorted[1:] {
		if d != uniq[len(uniq)-1] {
			uniq = append(uniq, d)
		}
	}

	layers := [][]digest.Digest{uniq}
	for layer := uniq; len(layer) > 1; {
		next := make([]digest.Digest, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layers = append(layers, next)
		layer = next
	}

	t := &Tree{
		Root:   layers[len(layers)-1][0],
		Leaves: uniq,
		proofs: make(map[digest.Digest]Proof, len(uniq)),
	}
	for i, leaf := range uniq {
		var proof Proof
		idx := i
		for _, layer := range layers[:len(layers)-1] {
			sib := idx ^ 1
			if sib >= len(layer) {
				sib = idx
			}
			proof = append(proof, Step{Hash: layer[sib], Left: idx%2 == 1})
			idx /= 2
		}
		t.proofs[leaf] = proof
	}
	return t, nil
}

// Proof returns the sibling path for leaf.
func (t *Tree) Proof(leaf digest.Digest) (Proof, bool) {
	p, ok := t.proofs[leaf]
	return p, ok
}

// RootFrom recomputes the root implied by leaf and proof.
func RootFrom(leaf digest.Digest, proof Proof) digest.Digest {
	h := leaf
	for _, s := range proof {
		if s.Left {
			h = hashPair(s.Hash, h)
		} else {
			h = hashPair(h, s.Hash)
		}
	}
	return h
}

// Verify reports whether proof links leaf to root.
func Verify(leaf digest.Digest, proof Proof, root digest.Digest) bool {
	return RootFrom(leaf, proof) == root
}

func hashPair(left, right digest.Digest) digest.Digest {
	var buf [2 * digest.Size]byte
	copy(buf[:digest.Size], left[:])
	copy(buf[digest.Size:], right[:])
	return digest.Digest(sha256.Sum256(buf[:]))
}
