package plot

import (
	"errors"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// stackAccumulator computes a binary Merkle root over a stream of
// leaves using O(log leafCount) memory: a stack of at most one
// pending node per level, following the same reduction used by
// append-only Merkle logs. Because plot leaf counts are enforced to
// be a power of two, every level always pairs off cleanly and no
// duplicate-last padding is needed here (unlike the transaction
// Merkle tree in package merkle, which must handle odd counts).
type stackAccumulator struct {
	height int
	stack  []stackEntry
	cache  *cacheBuilder
}

type stackEntry struct {
	level int
	hash  signature.Hash32
}

func newStackAccumulator(height int, cache *cacheBuilder) *stackAccumulator {
	return &stackAccumulator{height: height, cache: cache}
}

func (a *stackAccumulator) push(leaf signature.Hash32) {
	a.emit(0, leaf)
	for len(a.stack) >= 2 && a.stack[len(a.stack)-1].level == a.stack[len(a.stack)-2].level {
		right := a.stack[len(a.stack)-1]
		left := a.stack[len(a.stack)-2]
		a.stack = a.stack[:len(a.stack)-2]
		combined := signature.HashConcat(left.hash[:], right.hash[:])
		a.emit(left.level+1, combined)
	}
}

func (a *stackAccumulator) emit(level int, hash signature.Hash32) {
	a.stack = append(a.stack, stackEntry{level: level, hash: hash})
	if a.cache != nil {
		a.cache.record(level, hash)
	}
}

// root returns the final accumulated root. It must only be called
// after every leaf has been pushed.
func (a *stackAccumulator) root() (signature.Hash32, error) {
	if len(a.stack) != 1 || a.stack[0].level != a.height {
		return signature.Hash32{}, errShortStream
	}
	return a.stack[0].hash, nil
}

var errShortStream = errors.New("plot: incomplete leaf stream, cannot derive Merkle root")
