// Package merkle builds Merkle trees over ordered string leaves and
// produces/verifies inclusion proofs. The hash primitive is fixed: SHA-256,
// hex-encoded; interior nodes hash the concatenation of the two child hex
// digests. Odd levels are padded by duplicating the last node. Producer and
// verifier must agree on both conventions or roots are meaningless.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrNoLeaves = errors.New("merkle: no leaves")

// Tree holds every level of a built tree, leaves first. Levels[0] is the
// hashed leaf row; the last level has exactly one node, the root.
type Tree struct {
	Levels [][]string
}

// HashLeaf returns the hex SHA-256 digest of raw leaf data.
func HashLeaf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Build constructs the full tree bottom-up from raw leaf strings.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = HashLeaf(leaf)
	}

	t := &Tree{Levels: [][]string{level}}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// LeafCount returns the number of original (unpadded) leaves.
func (t *Tree) LeafCount() int {
	return len(t.Levels[0])
}

// Proof returns the ordered sibling hashes from leaf index up to the root.
func (t *Tree) Proof(index int) ([]string, error) {
	if index < 0 || index >= len(t.Levels[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Levels[0]))
	}

	proof := make([]string, 0, len(t.Levels)-1)
	for depth := 0; depth < len(t.Levels)-1; depth++ {
		level := t.Levels[depth]
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd level: the duplicated last node is its own sibling.
			sibling = index
		}
		proof = append(proof, level[sibling])
		index /= 2
	}
	return proof, nil
}

// Verify rehashes leaf data and folds the proof using index's bit at each
// level to pick the left/right order. It reports whether the final hash
// matches root.
func Verify(leafData string, proof []string, root string, index int) bool {
	if index < 0 {
		return false
	}
	h := HashLeaf(leafData)
	for _, sibling := range proof {
		if index%2 == 0 {
			h = hashPair(h, sibling)
		} else {
			h = hashPair(sibling, h)
		}
		index /= 2
	}
	return h == root
}
