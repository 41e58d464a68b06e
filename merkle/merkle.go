// Package merkle implements a SHA-256 merkle tree over 32-byte leaves.
//
// Levels are built bottom-up by hashing adjacent pairs; a node without a
// right sibling is paired with the zero hash. The root of an empty tree
// is the zero hash.
package merkle

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// HashSize is the size of every node in the tree.
const HashSize = sha256.Size

// MaxDepth bounds the depth a tree may be constructed with.
const MaxDepth = 27

type Hash = [HashSize]byte

var zeroHash Hash

type Tree struct {
	depth  int
	leaves []Hash
}

var ErrDepthTooLarge = errors.New("depth exceeds maximum")

func NewTree(depth int) (*Tree, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d > %d", ErrDepthTooLarge, depth, MaxDepth)
	}
	return &Tree{depth: depth}, nil
}

func (t *Tree) Depth() int {
	return t.depth
}

func (t *Tree) Len() int {
	return len(t.leaves)
}

func (t *Tree) Leaf(index int) Hash {
	return t.leaves[index]
}

func (t *Tree) AppendLeaf(leaf Hash) {
	t.leaves = append(t.leaves, leaf)
}

// Root folds the leaf level up to a single node. An empty tree
// hashes to the zero hash.
func (t *Tree) Root() Hash {
	level := append([]Hash(nil), t.leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	if len(level) == 0 {
		return zeroHash
	}
	return level[0]
}

// Proof returns the inclusion proof for the leaf at index: the sibling
// of the node on the path to the root, per level, bottom-up. Each level
// is recomputed as the walk ascends.
func (t *Tree) Proof(index int) ([]Hash, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(t.leaves))
	}

	var proof []Hash
	level := append([]Hash(nil), t.leaves...)

	for len(level) > 1 {
		proof = append(proof, sibling(level, index))
		level = nextLevel(level)
		index /= 2
	}

	return proof, nil
}

// ProofFromLevels builds every level once and then collects siblings,
// trading memory for repeated pair hashing. The result is identical
// to Proof.
func (t *Tree) ProofFromLevels(index int) ([]Hash, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(t.leaves))
	}

	levels := [][]Hash{append([]Hash(nil), t.leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		levels = append(levels, nextLevel(levels[len(levels)-1]))
	}

	var proof []Hash
	for _, level := range levels[:len(levels)-1] {
		proof = append(proof, sibling(level, index))
		index /= 2
	}

	return proof, nil
}

// VerifyProof recomputes the root from a leaf and its proof and compares
// it against the expected root.
func VerifyProof(leaf Hash, proof []Hash, index int, root Hash) bool {
	computed := leaf
	for _, sib := range proof {
		if index%2 == 0 {
			computed = HashNodes(computed, sib)
		} else {
			computed = HashNodes(sib, computed)
		}
		index /= 2
	}
	return computed == root
}

// HashNodes hashes the concatenation of two child nodes.
func HashNodes(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashLeaf hashes arbitrary bytes into a leaf.
func HashLeaf(data []byte) Hash {
	return sha256.Sum256(data)
}

func sibling(level []Hash, index int) Hash {
	sibIndex := index + 1
	if index%2 == 1 {
		sibIndex = index - 1
	}
	if sibIndex < len(level) {
		return level[sibIndex]
	}
	return zeroHash
}

func nextLevel(level []Hash) []Hash {
	next := make([]Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := zeroHash
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashNodes(left, right))
	}
	return next
}
