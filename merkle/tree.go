package merkle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Position is the side a sibling sat on before sorted combination.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Position Position `json:"position"`
	Hash     Hash     `json:"hash"`
}

// Tree keeps every level so proofs can be read off without recomputation.
// levels[0] holds the leaves, the last level holds the root.
type Tree struct {
	levels [][]Hash
}

// NewTree builds a tree over leaves in the given order.
func NewTree(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyInput
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)
	levels := [][]Hash{level}

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, Combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

// Height returns the number of levels including leaves and root.
func (t *Tree) Height() int {
	return len(t.levels)
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// IndexOf returns the index of the first leaf equal to leaf.
func (t *Tree) IndexOf(leaf Hash) (int, bool) {
	for i, h := range t.levels[0] {
		if h == leaf {
			return i, true
		}
	}
	return -1, false
}

// Proof returns the sibling path for the first leaf equal to leaf.
func (t *Tree) Proof(leaf Hash) ([]ProofStep, error) {
	idx, ok := t.IndexOf(leaf)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leaf.Hex())
	}
	return t.ProofAt(idx)
}

// ProofAt returns the sibling path for the leaf at index. Levels where the
// node was promoted without a sibling contribute no step.
func (t *Tree) ProofAt(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrLeafNotFound, index, t.LeafCount())
	}

	proof := make([]ProofStep, 0, len(t.levels)-1)
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			pos := Right
			if sibling < idx {
				pos = Left
			}
			proof = append(proof, ProofStep{Position: pos, Hash: level[sibling]})
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and proof and compares it to root.
func Verify(leaf Hash, proof []ProofStep, root Hash) bool {
	return ComputeRoot(leaf, proof) == root
}

// ComputeRoot folds proof into leaf with the sorted combiner.
func ComputeRoot(leaf Hash, proof []ProofStep) Hash {
	current := leaf
	for _, step := range proof {
		current = Combine(current, step.Hash)
	}
	return current
}

// EncodeProof serializes a proof for storage.
func EncodeProof(proof []ProofStep) ([]byte, error) {
	if proof == nil {
		proof = []ProofStep{}
	}
	return json.Marshal(proof)
}

// DecodeProof parses a stored proof and rejects unknown positions.
func DecodeProof(data []byte) ([]ProofStep, error) {
	var proof []ProofStep
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("merkle: failed to decode proof: %w", err)
	}
	for i, step := range proof {
		switch Position(strings.ToLower(string(step.Position))) {
		case Left, Right:
			proof[i].Position = Position(strings.ToLower(string(step.Position)))
		default:
			return nil, fmt.Errorf("merkle: step %d has invalid position %q", i, step.Position)
		}
	}
	return proof, nil
}
