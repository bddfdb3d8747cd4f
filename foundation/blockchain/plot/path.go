package plot

import "github.com/wtran29/spacetime/foundation/blockchain/signature"

// PathStep is one step of a Merkle authentication path: the sibling
// hash and whether it sits to the right (RightSibling==true) of the
// accumulator when walking root-ward.
type PathStep struct {
	Sibling      signature.Hash32
	RightSibling bool
}

// ExtractPath builds the root-ward authentication path for leafIndex.
// For levels covered by the cache the sibling is read straight out of
// it; deeper levels are recomputed by streaming the leaf range the
// sibling subtree covers directly off the plot handle. The cache is
// never trusted blindly by a validator (see proof.Validate), but
// extraction uses it purely as an optimization.
func ExtractPath(h *Handle, leafIndex uint64) ([]PathStep, error) {
	height := h.TreeHeight()
	steps := make([]PathStep, 0, height)

	nodeIndex := leafIndex
	for level := 0; level < height; level++ {
		siblingIndex := nodeIndex ^ 1
		rightSibling := nodeIndex%2 == 0 // current node is left child -> sibling on right

		sibling, ok := h.cache.lookup(height, level, siblingIndex)
		if !ok {
			var err error
			sibling, err = recomputeSubtree(h, level, siblingIndex)
			if err != nil {
				return nil, err
			}
		}

		steps = append(steps, PathStep{Sibling: sibling, RightSibling: rightSibling})
		nodeIndex >>= 1
	}

	return steps, nil
}

// recomputeSubtree derives the hash of the node at (level, index) by
// reading the 2^level leaves it covers and folding them upward. This
// is the "stream the needed leaf range" fallback used whenever the
// cache doesn't cover a level.
func recomputeSubtree(h *Handle, level int, index uint64) (signature.Hash32, error) {
	if level == 0 {
		return h.LeafAt(index)
	}

	width := uint64(1) << uint(level)
	leafStart := index * width
	nodes := make([]signature.Hash32, width)
	for i := uint64(0); i < width; i++ {
		leaf, err := h.LeafAt(leafStart + i)
		if err != nil {
			return signature.Hash32{}, err
		}
		nodes[i] = leaf
	}

	for l := 0; l < level; l++ {
		next := make([]signature.Hash32, len(nodes)/2)
		for i := range next {
			next[i] = signature.HashConcat(nodes[2*i][:], nodes[2*i+1][:])
		}
		nodes = next
	}
	return nodes[0], nil
}

// VerifyPath walks a leaf and its authentication path root-ward and
// reports whether it reconstructs root. This is the read side of the
// same algorithm proof.Validate applies; it is exposed here so plot
// tooling (and tests) can self-check a freshly built plot without
// depending on the proof package.
func VerifyPath(leaf signature.Hash32, steps []PathStep, root signature.Hash32) bool {
	acc := leaf
	for _, s := range steps {
		if s.RightSibling {
			acc = signature.HashConcat(acc[:], s.Sibling[:])
		} else {
			acc = signature.HashConcat(s.Sibling[:], acc[:])
		}
	}
	return acc == root
}
