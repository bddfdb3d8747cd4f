package database

import (
	"fmt"

	"github.com/wtran29/spacetime/foundation/blockchain/merkle"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// TxSource is the capability the Builder needs from a mempool: return
// up to maxTxs candidates already in priority order (descending
// fee/size, ties broken ascending nonce then admission order), per
// the mempool's documented block-inclusion ordering. Defined here
// rather than depending on package mempool directly, so mempool can
// import database without a cycle.
type TxSource interface {
	Best(maxTxs int) []SignedTx
}

// BuildRequest carries everything the builder needs beyond the
// mempool selection: the winning proof and the chain linkage it is
// being built on top of.
type BuildRequest struct {
	ParentHash signature.Hash32
	Height     uint64
	Difficulty uint64
	Epoch      uint64
	Challenge  signature.Hash32
	PlotRoot   signature.Hash32
	ProofScore signature.Hash32
	BlockProof proof.BlockProof
	MaxTxs     int
}

// Builder assembles a signed, self-consistent block from a winning
// proof and the current mempool contents.
type Builder struct {
	Signer    signature.Signer
	Validator *Validator
}

// Build selects transactions, computes the tx root, signs the header,
// and runs the block back through the validator in "will accept" mode
// before returning it -- so a builder bug can never emit a block that
// the node's own validator would then reject.
func (b *Builder) Build(req BuildRequest, source TxSource, parent BlockHeader, ledger Ledger) (Block, error) {
	if req.Height == 0 {
		return Block{}, fmt.Errorf("builder: height 0 is reserved for genesis")
	}

	candidates := source.Best(req.MaxTxs)

	// Stateless and aggregate-spend checks discard offenders from this
	// selection only; the mempool itself is untouched.
	selected := make([]SignedTx, 0, len(candidates))
	pending := ledger.Copy()
	for _, stx := range candidates {
		if err := stx.VerifySignature(); err != nil {
			continue
		}
		if err := pending.Apply(stx.Tx); err != nil {
			continue
		}
		selected = append(selected, stx)
	}

	blockTxs := make([]BlockTx, len(selected))
	for i, stx := range selected {
		blockTxs[i] = NewBlockTx(stx)
	}
	tree, err := merkle.NewTree(blockTxs)
	if err != nil {
		return Block{}, fmt.Errorf("builder: tx root: %w", err)
	}

	header := BlockHeader{
		Version:     headerVersion,
		ParentHash:  req.ParentHash,
		Height:      req.Height,
		Timestamp:   nowUnix(),
		Difficulty:  req.Difficulty,
		Epoch:       req.Epoch,
		Challenge:   req.Challenge,
		PlotRoot:    req.PlotRoot,
		ProofScore:  req.ProofScore,
		TxRoot:      tree.Root(),
		MinerPubKey: b.Signer.PublicKey(),
	}

	sig, err := b.Signer.Sign(header.Hash())
	if err != nil {
		return Block{}, fmt.Errorf("builder: sign header: %w", err)
	}
	header.MinerSignature = sig

	block := Block{Header: header, Proof: req.BlockProof, MerkleTree: tree}

	if b.Validator != nil {
		exp := Expectation{Difficulty: req.Difficulty, Epoch: req.Epoch, Challenge: req.Challenge, IsGenesis: req.Height == 0}
		if err := b.Validator.Validate(block, parent, ledger, exp); err != nil {
			return Block{}, fmt.Errorf("builder: assembled block failed self-validation: %w", err)
		}
	}

	return block, nil
}
