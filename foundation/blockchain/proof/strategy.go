package proof

import (
	"encoding/binary"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Strategy is the scan-order capability every plot scan is driven by.
// Modeled as a single-method interface rather than an inheritance
// hierarchy, per the design note on polymorphic scan strategies: any
// type that can hand back the next batch of leaf indices to examine
// is a valid strategy.
type Strategy interface {
	// NextIndexBatch returns up to limit leaf indices to examine next,
	// and whether the strategy is exhausted.
	NextIndexBatch(limit int) (indices []uint64, done bool)
}

// EarlyTerminator is an optional capability a Strategy may also
// implement: given the best score found so far, report whether the
// scan should stop early. Termination is always best-effort.
type EarlyTerminator interface {
	EarlyTerminate(bestScore signature.Hash32) bool
}

// =============================================================================
// Full scan: visit every leaf index in order.

// FullScan visits every leaf index 0..leafCount-1 once.
type FullScan struct {
	leafCount uint64
	next      uint64
}

// NewFullScan constructs a strategy that walks every leaf in order.
func NewFullScan(leafCount uint64) *FullScan {
	return &FullScan{leafCount: leafCount}
}

// NextIndexBatch implements Strategy.
func (f *FullScan) NextIndexBatch(limit int) ([]uint64, bool) {
	if f.next >= f.leafCount {
		return nil, true
	}
	end := f.next + uint64(limit)
	if end > f.leafCount {
		end = f.leafCount
	}
	batch := make([]uint64, 0, end-f.next)
	for i := f.next; i < end; i++ {
		batch = append(batch, i)
	}
	f.next = end
	return batch, f.next >= f.leafCount
}

// =============================================================================
// Sampling: deterministically sample N indices.

// Sampling deterministically samples N indices from
// H(challenge || counter) mod leafCount. Duplicates are allowed and
// harmless; the strategy only cares about coverage in expectation.
type Sampling struct {
	challenge signature.Hash32
	leafCount uint64
	n         uint64
	counter   uint64
	emitted   uint64
}

// NewSampling constructs a strategy that draws n pseudo-random samples.
func NewSampling(challenge signature.Hash32, leafCount, n uint64) *Sampling {
	return &Sampling{challenge: challenge, leafCount: leafCount, n: n}
}

// NextIndexBatch implements Strategy.
func (s *Sampling) NextIndexBatch(limit int) ([]uint64, bool) {
	if s.emitted >= s.n {
		return nil, true
	}
	remaining := s.n - s.emitted
	batchSize := uint64(limit)
	if batchSize > remaining {
		batchSize = remaining
	}

	batch := make([]uint64, 0, batchSize)
	for i := uint64(0); i < batchSize; i++ {
		batch = append(batch, s.sampleIndex(s.counter))
		s.counter++
	}
	s.emitted += batchSize
	return batch, s.emitted >= s.n
}

func (s *Sampling) sampleIndex(counter uint64) uint64 {
	var ctrBytes [8]byte
	binary.LittleEndian.PutUint64(ctrBytes[:], counter)
	h := signature.HashConcat(s.challenge[:], ctrBytes[:])
	return modHash(h, s.leafCount)
}

// modHash reduces a 32-byte hash to [0, mod) by treating its first 8
// bytes as a big-endian uint64.
func modHash(h signature.Hash32, mod uint64) uint64 {
	if mod == 0 {
		return 0
	}
	v := binary.BigEndian.Uint64(h[:8])
	return v % mod
}

// =============================================================================
// Cache-friendly: visit contiguous blocks for disk locality.

// CacheFriendly visits leaves in contiguous blocks sized to fit a
// typical L2/L3 cache, optionally sub-sampling within each block
// rather than reading it in full. Intended for sequential disk
// locality when scanning a plot that isn't already page-cached.
type CacheFriendly struct {
	leafCount       uint64
	blockSize       uint64
	samplesPerBlock uint64 // 0 means visit the full block
	challenge       signature.Hash32

	nextBlockStart uint64
	withinBlock    uint64
}

// NewCacheFriendly constructs a block-local scan strategy.
func NewCacheFriendly(challenge signature.Hash32, leafCount, blockSize, samplesPerBlock uint64) *CacheFriendly {
	if blockSize == 0 {
		blockSize = leafCount
	}
	return &CacheFriendly{challenge: challenge, leafCount: leafCount, blockSize: blockSize, samplesPerBlock: samplesPerBlock}
}

// NextIndexBatch implements Strategy.
func (c *CacheFriendly) NextIndexBatch(limit int) ([]uint64, bool) {
	batch := make([]uint64, 0, limit)
	for len(batch) < limit {
		if c.nextBlockStart >= c.leafCount {
			return batch, true
		}

		blockEnd := c.nextBlockStart + c.blockSize
		if blockEnd > c.leafCount {
			blockEnd = c.leafCount
		}

		if c.samplesPerBlock == 0 {
			idx := c.nextBlockStart + c.withinBlock
			if idx >= blockEnd {
				c.nextBlockStart = blockEnd
				c.withinBlock = 0
				continue
			}
			batch = append(batch, idx)
			c.withinBlock++
			continue
		}

		if c.withinBlock >= c.samplesPerBlock {
			c.nextBlockStart = blockEnd
			c.withinBlock = 0
			continue
		}
		var ctrBytes [8]byte
		binary.LittleEndian.PutUint64(ctrBytes[:], c.nextBlockStart+c.withinBlock)
		h := signature.HashConcat(c.challenge[:], ctrBytes[:])
		width := blockEnd - c.nextBlockStart
		idx := c.nextBlockStart + modHash(h, width)
		batch = append(batch, idx)
		c.withinBlock++
	}
	return batch, c.nextBlockStart >= c.leafCount
}

// =============================================================================
// ScanningConfig controls best-effort early termination.

// ScanningConfig configures optional early-termination of a scan.
// Correctness never depends on termination firing.
type ScanningConfig struct {
	QualityThresholdBits *int    // stop when score's leading zero bits >= threshold
	MaxLeaves            *uint64 // hard budget on leaves examined
}

// EarlyTerminate implements EarlyTerminator when a quality threshold
// is configured.
func (c ScanningConfig) EarlyTerminate(bestScore signature.Hash32) bool {
	if c.QualityThresholdBits == nil {
		return false
	}
	return leadingZeroBits(bestScore) >= *c.QualityThresholdBits
}

func leadingZeroBits(h signature.Hash32) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}
