package proof

import (
	"fmt"
	"math/bits"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Validate performs the ordered checks from the proof validation
// design: challenge binding, plot-root binding, score recomputation,
// difficulty-target comparison (when target is non-nil), and Merkle
// path reconstruction. It never trusts a plot cache: every sibling in
// p is checked purely by re-walking the path arithmetic, independent
// of how the prover obtained it.
func Validate(p Proof, expectedChallenge, expectedPlotRoot signature.Hash32, target *signature.Hash32, treeHeight int) error {
	if p.Challenge != expectedChallenge {
		return &berrors.ProofValidationError{Kind: berrors.ChallengeMismatch, Want: expectedChallenge.String(), Got: p.Challenge.String()}
	}

	if p.PlotMerkleRoot != expectedPlotRoot {
		return &berrors.ProofValidationError{Kind: berrors.PlotRootMismatch, Want: expectedPlotRoot.String(), Got: p.PlotMerkleRoot.String()}
	}

	wantScore := Score(p.Challenge, p.Leaf)
	if wantScore != p.Score {
		return &berrors.ProofValidationError{Kind: berrors.ScoreMismatch, Want: wantScore.String(), Got: p.Score.String()}
	}

	if target != nil && !p.Score.Less(*target) {
		return &berrors.ProofValidationError{Kind: berrors.ScoreAboveTarget, Want: target.String(), Got: p.Score.String()}
	}

	if len(p.Siblings) != len(p.RightSibling) {
		return &berrors.ProofValidationError{Kind: berrors.InvalidMerklePath}
	}
	if len(p.Siblings) != treeHeight {
		return &berrors.ProofValidationError{
			Kind: berrors.InvalidMerklePath,
			Want: fmt.Sprintf("path length %d", treeHeight),
			Got:  fmt.Sprintf("path length %d", len(p.Siblings)),
		}
	}

	steps := toPath(p.Siblings, p.RightSibling)
	if !plot.VerifyPath(p.Leaf, steps, p.PlotMerkleRoot) {
		return &berrors.ProofValidationError{Kind: berrors.InvalidMerklePath}
	}

	return nil
}

// TreeHeightForLeafCount returns log2(leafCount), validating it is a
// power of two as the plot format requires.
func TreeHeightForLeafCount(leafCount uint64) (int, error) {
	if leafCount == 0 || leafCount&(leafCount-1) != 0 {
		return 0, fmt.Errorf("%w: leaf count %d is not a power of two", berrors.ErrInvalidConfig, leafCount)
	}
	return bits.TrailingZeros64(leafCount), nil
}
