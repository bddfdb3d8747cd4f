package proof

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// leafBatchSize bounds how many leaf scores are examined between
// cancellation checkpoints, per the cooperative-cancellation model:
// a scan observes its context at every leaf batch.
const leafBatchSize = 256

// Generate scans handle for the best (lowest-score) leaf under
// challenge using strategy, honoring cfg's early-termination knobs and
// ctx's cancellation. It returns (nil, nil) if the strategy is
// exhausted without ever being cancelled and no proof was found
// (which cannot happen for FullScan/Sampling with leafCount>0, but is
// possible for a Strategy that yields zero indices).
func Generate(ctx context.Context, handle *plot.Handle, challenge signature.Hash32, strategy Strategy, cfg ScanningConfig) (*Proof, error) {
	var (
		bestScore signature.Hash32
		bestIndex uint64
		bestLeaf  signature.Hash32
		found     bool
		examined  uint64
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("proof scan: %w", err)
		}

		budgetLimit := leafBatchSize
		if cfg.MaxLeaves != nil {
			remaining := *cfg.MaxLeaves - examined
			if remaining == 0 {
				break
			}
			if remaining < uint64(budgetLimit) {
				budgetLimit = int(remaining)
			}
		}

		batch, done := strategy.NextIndexBatch(budgetLimit)
		for _, idx := range batch {
			leaf, err := handle.LeafAt(idx)
			if err != nil {
				return nil, err
			}
			score := Score(challenge, leaf)
			if !found || score.Less(bestScore) {
				bestScore, bestIndex, bestLeaf, found = score, idx, leaf, true
			}
		}
		examined += uint64(len(batch))

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("proof scan: %w", err)
		}

		if found && cfg.EarlyTerminate(bestScore) {
			break
		}
		if et, ok := strategy.(EarlyTerminator); ok && found && et.EarlyTerminate(bestScore) {
			break
		}
		if done {
			break
		}
		if cfg.MaxLeaves != nil && examined >= *cfg.MaxLeaves {
			break
		}
	}

	if !found {
		return nil, nil
	}

	steps, err := plot.ExtractPath(handle, bestIndex)
	if err != nil {
		return nil, err
	}
	siblings, orientation := fromPath(steps)

	return &Proof{
		Leaf:           bestLeaf,
		LeafIndex:      bestIndex,
		Siblings:       siblings,
		RightSibling:   orientation,
		PlotMerkleRoot: handle.MerkleRoot(),
		Challenge:      challenge,
		Score:          bestScore,
	}, nil
}

// PlotSource pairs a plot handle with the strategy to scan it with,
// for the multi-plot fan-out below.
type PlotSource struct {
	PlotID   string
	Handle   *plot.Handle
	Strategy Strategy
}

// GenerateFromMultiplePlots runs one scan per source with bounded
// concurrency maxConcurrentProofs, cancels outstanding scans as soon
// as ctx is done, and returns the single best proof across every plot
// that completed before cancellation (ties broken by first-seen).
func GenerateFromMultiplePlots(ctx context.Context, sources []PlotSource, challenge signature.Hash32, cfg ScanningConfig, maxConcurrentProofs int) (*Proof, error) {
	if maxConcurrentProofs < 1 {
		maxConcurrentProofs = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrentProofs))

	type result struct {
		proof *Proof
		err   error
	}
	results := make(chan result, len(sources))

	for _, src := range sources {
		src := src
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- result{err: err}
			continue
		}
		go func() {
			defer sem.Release(1)
			p, err := Generate(ctx, src.Handle, challenge, src.Strategy, cfg)
			if p != nil {
				p.PlotID = src.PlotID
			}
			results <- result{proof: p, err: err}
		}()
	}

	var best *Proof
	for range sources {
		r := <-results
		if r.err != nil || r.proof == nil {
			continue
		}
		if best == nil || r.proof.Score.Less(best.Score) {
			best = r.proof
		}
	}

	return best, nil
}
