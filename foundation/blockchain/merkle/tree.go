// Package merkle implements the small, in-memory Merkle tree used for
// block bodies (the transaction root): duplicate-last padding for odd
// levels, and the documented empty-body convention. This is distinct
// from package plot's streaming accumulator, which trades this
// package's full-tree-in-memory simplicity for O(log n) memory over
// tens of millions of leaves.
package merkle

import "github.com/wtran29/spacetime/foundation/blockchain/signature"

// Hashable is the single capability a value needs to be placed in a
// Tree: producing its own canonical hash.
type Hashable interface {
	Hash() signature.Hash32
}

// Tree is a binary Merkle tree over a fixed set of values.
type Tree[T Hashable] struct {
	root   signature.Hash32
	values []T
}

// NewTree builds a Tree over values. An empty slice yields the
// documented empty-body root H(epsilon) = H(nil).
func NewTree[T Hashable](values []T) (*Tree[T], error) {
	t := &Tree[T]{values: values}

	if len(values) == 0 {
		t.root = signature.Hash(nil)
		return t, nil
	}

	level := make([]signature.Hash32, len(values))
	for i, v := range values {
		level[i] = v.Hash()
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]signature.Hash32, len(level)/2)
		for i := range next {
			next[i] = signature.HashConcat(level[2*i][:], level[2*i+1][:])
		}
		level = next
	}

	t.root = level[0]
	return t, nil
}

// Root returns the tree's 32-byte root.
func (t *Tree[T]) Root() signature.Hash32 { return t.root }

// RootHex returns the tree's root rendered as a 0x-prefixed hex string.
func (t *Tree[T]) RootHex() string { return t.root.String() }

// Values returns the original, ordered set of values the tree was
// built from.
func (t *Tree[T]) Values() []T { return t.values }
