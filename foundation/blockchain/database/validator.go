package database

import (
	"fmt"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/difficulty"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Expectation is what the caller (package state, or a builder
// self-checking its own output) already knows a block must match:
// the difficulty/epoch/challenge the chain expects at this height,
// and whether this is the genesis block (which skips parent-linkage
// and epoch/challenge checks).
type Expectation struct {
	Difficulty uint64
	Epoch      uint64
	Challenge  signature.Hash32
	IsGenesis  bool
}

// Validator orchestrates the ordered block-acceptance checks from the
// block validation design: stateless header checks, the proof check
// (delegated to package proof), the signature check, and the body
// check (tx root plus per-tx account-model rules against ledger).
// Failure is always a typed error; Validate never panics, and never
// mutates ledger or storage -- state application happens only after
// acceptance, and only by the caller.
type Validator struct {
	Cfg ValidatorConfig
}

// ValidatorConfig bundles the validator's tunables.
type ValidatorConfig struct {
	ClockDriftSeconds int64
	Difficulty        difficulty.Config
}

// NewValidator constructs a Validator with the given tunables,
// defaulting clock drift and difficulty config when zero-valued.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.ClockDriftSeconds == 0 {
		cfg.ClockDriftSeconds = 5
	}
	if cfg.Difficulty.MaxDifficulty == 0 {
		cfg.Difficulty = difficulty.DefaultConfig()
	}
	return &Validator{Cfg: cfg}
}

// Validate runs every check in order, returning on the first failure.
func (v *Validator) Validate(block Block, parent BlockHeader, ledger Ledger, exp Expectation) error {
	h := block.Header

	if h.Version != headerVersion {
		return &berrors.BlockValidationError{Kind: berrors.UnknownVersion}
	}

	if !exp.IsGenesis {
		if h.ParentHash != parent.Hash() {
			return &berrors.BlockValidationError{Kind: berrors.WrongEpoch, Err: fmt.Errorf("declared parent hash does not match chain tip")}
		}
		if h.Height != parent.Height+1 {
			return &berrors.BlockValidationError{Kind: berrors.WrongEpoch, Err: fmt.Errorf("height %d is not parent height %d + 1", h.Height, parent.Height)}
		}

		lowerBound := parent.Timestamp - v.Cfg.ClockDriftSeconds
		upperBound := time.Now().UTC().Unix() + v.Cfg.ClockDriftSeconds
		if h.Timestamp < lowerBound || h.Timestamp > upperBound {
			return &berrors.BlockValidationError{Kind: berrors.BadTimestamp, Err: fmt.Errorf("timestamp %d outside [%d,%d]", h.Timestamp, lowerBound, upperBound)}
		}

		if h.Epoch != exp.Epoch {
			return &berrors.BlockValidationError{Kind: berrors.WrongEpoch, Err: fmt.Errorf("epoch %d != expected %d", h.Epoch, exp.Epoch)}
		}
		if h.Challenge != exp.Challenge {
			return &berrors.BlockValidationError{Kind: berrors.WrongChallenge}
		}
	}

	if h.Difficulty != exp.Difficulty {
		return &berrors.BlockValidationError{Kind: berrors.WrongDifficulty, Err: fmt.Errorf("difficulty %d != expected %d", h.Difficulty, exp.Difficulty)}
	}

	if !exp.IsGenesis {
		treeHeight, err := proof.TreeHeightForLeafCount(block.Proof.Metadata.LeafCount)
		if err != nil {
			return &berrors.BlockValidationError{Kind: berrors.BadProof, Err: err}
		}
		target := difficulty.TargetFor(h.Difficulty)
		if err := proof.Validate(block.Proof.Proof, h.Challenge, h.PlotRoot, &target, treeHeight); err != nil {
			return &berrors.BlockValidationError{Kind: berrors.BadProof, Err: err}
		}

		ok, err := signature.Verify(h.MinerPubKey, h.Hash(), h.MinerSignature)
		if err != nil || !ok {
			return &berrors.BlockValidationError{Kind: berrors.BadSignature, Err: err}
		}
	}

	if block.MerkleTree.Root() != h.TxRoot {
		return &berrors.BlockValidationError{Kind: berrors.BadTxRoot}
	}

	pending := ledger.Copy()
	for i, tx := range block.MerkleTree.Values() {
		if err := tx.VerifySignature(); err != nil {
			return &berrors.BlockValidationError{Kind: berrors.TxRejected, Err: fmt.Errorf("tx %d: %w", i, err)}
		}
		if err := pending.Apply(tx.Tx); err != nil {
			return &berrors.BlockValidationError{Kind: berrors.TxRejected, Err: fmt.Errorf("tx %d: %w", i, err)}
		}
	}

	return nil
}
