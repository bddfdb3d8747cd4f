// Package proof implements proof-of-space-time scanning (finding the
// best-scoring leaf in a plot for a challenge) and the companion
// validator that recomputes and checks a proof without trusting the
// miner that produced it.
package proof

import (
	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Proof is a self-contained claim: "leaf at index, in the plot with
// this Merkle root, scores this low against this challenge, and here
// is the authentication path to prove it."
type Proof struct {
	Leaf           signature.Hash32
	LeafIndex      uint64
	Siblings       []signature.Hash32
	RightSibling   []bool // parallel to Siblings; true == sibling sits to the right
	PlotMerkleRoot signature.Hash32
	Challenge      signature.Hash32
	Score          signature.Hash32
	PlotID         string // metadata reference: the originating plot's id
}

// BlockPlotMetadata is embedded alongside a Proof inside a block.
type BlockPlotMetadata struct {
	LeafCount      uint64
	PlotID         [32]byte
	PlotHeaderHash signature.Hash32
	Version        uint8
}

// BlockProof is the on-chain representation: the proof plus the fixed
// plot metadata needed to verify it without a live plot handle.
type BlockProof struct {
	Proof
	Metadata BlockPlotMetadata
}

// Score computes H(challenge || leaf). Lower is better under a
// big-endian unsigned comparison.
func Score(challenge, leaf signature.Hash32) signature.Hash32 {
	return signature.HashConcat(challenge[:], leaf[:])
}

// fromPath converts plot.PathStep values (the read-side
// representation) into the Proof's parallel Siblings/RightSibling
// slices.
func fromPath(steps []plot.PathStep) ([]signature.Hash32, []bool) {
	siblings := make([]signature.Hash32, len(steps))
	orientation := make([]bool, len(steps))
	for i, s := range steps {
		siblings[i] = s.Sibling
		orientation[i] = s.RightSibling
	}
	return siblings, orientation
}

// toPath is the inverse of fromPath, used by the validator to reuse
// plot.VerifyPath's walk.
func toPath(siblings []signature.Hash32, orientation []bool) []plot.PathStep {
	steps := make([]plot.PathStep, len(siblings))
	for i := range siblings {
		steps[i] = plot.PathStep{Sibling: siblings[i], RightSibling: orientation[i]}
	}
	return steps
}
