// Package plot implements the deterministic construction, on-disk
// format, and proof-extraction support for a sealed plot file: the
// disk commitment that proof-of-space-time mining scans for a
// qualifying leaf.
package plot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

const (
	// Magic identifies a plot file. "STPL" = SpaceTime PLot.
	Magic uint32 = 0x5354504c

	// FormatVersion is the only format understood by this build.
	FormatVersion uint8 = 1

	// MinPlotSizeBytes is the smallest body the engine will create:
	// exactly 2^20 leaves, the smallest leaf count that is both a
	// power of two and meets leafCountFor's 2^20 floor.
	MinPlotSizeBytes = (1 << 20) * LeafSize

	// LeafSize is the size in bytes of a single plot leaf.
	LeafSize = 32

	// MaxCacheLevels bounds how many top Merkle levels the cache may hold.
	MaxCacheLevels = 20

	// chunkLeaves is how many leaves are generated and written per
	// contiguous disk write. 2560*32 = 81920 bytes, exactly the 80 KiB
	// minimum contiguous-write requirement.
	chunkLeaves = 2560

	// headerSize is the fixed on-disk size of Header. The checksum is
	// not part of the on-disk header; the body follows immediately.
	headerSize = 4 + 1 + 32 + 32 + 8 + 32 + 8
)

// Header is the fixed-size prefix of a sealed plot file.
type Header struct {
	Magic         uint32
	Version       uint8
	PlotSeed      [32]byte
	MinerPubKey   [32]byte
	LeafCount     uint64
	MerkleRoot    signature.Hash32
	CreatedAtUnix int64
	Checksum      *signature.Hash32 // computed by Create and Open from the fields above; not stored in the file
}

// Config describes how to build a new plot.
type Config struct {
	SizeBytes    int64
	MinerPubKey  [32]byte
	PlotSeed     [32]byte
	OutputPath   string
	IncludeCache bool
	CacheLevels  int
}

// ProgressFunc reports build progress monotonically in [0,1].
type ProgressFunc func(fraction float64)

// Result is returned by Create.
type Result struct {
	Header    Header
	CachePath string
}

// leafCountFor returns the number of 32-byte leaves for a body of the
// given size, requiring a power-of-two count of at least 2^20.
func leafCountFor(sizeBytes int64) (uint64, error) {
	if sizeBytes < MinPlotSizeBytes {
		return 0, fmt.Errorf("%w: size %d below minimum %d", berrors.ErrInvalidConfig, sizeBytes, MinPlotSizeBytes)
	}
	if sizeBytes%LeafSize != 0 {
		return 0, fmt.Errorf("%w: size %d not leaf-aligned", berrors.ErrInvalidConfig, sizeBytes)
	}
	leafCount := uint64(sizeBytes / LeafSize)
	if leafCount&(leafCount-1) != 0 {
		return 0, fmt.Errorf("%w: leaf count %d is not a power of two", berrors.ErrInvalidConfig, leafCount)
	}
	if leafCount < (1 << 20) {
		return 0, fmt.Errorf("%w: leaf count %d below 2^20", berrors.ErrInvalidConfig, leafCount)
	}
	return leafCount, nil
}

// LeafAt computes leaf_i = H(plot_seed || miner_pubkey || i_u64_le)
// directly, without requiring an open plot. Used both by the builder
// and by validators re-deriving a leaf from its index.
func LeafAt(seed, pubKey [32]byte, index uint64) signature.Hash32 {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	return signature.HashConcat(seed[:], pubKey[:], idx[:])
}

// Create streams a new sealed plot to disk. It never buffers the
// whole plot: leaves are generated and written in contiguous
// chunkLeaves-sized batches, and the Merkle tree is accumulated with a
// stack of O(log leafCount) pending nodes rather than materializing
// every level.
func Create(cfg Config, progress ProgressFunc) (Result, error) {
	if cfg.CacheLevels < 0 || cfg.CacheLevels > MaxCacheLevels {
		return Result{}, fmt.Errorf("%w: cache_levels %d out of [0,%d]", berrors.ErrInvalidConfig, cfg.CacheLevels, MaxCacheLevels)
	}

	leafCount, err := leafCountFor(cfg.SizeBytes)
	if err != nil {
		return Result{}, err
	}
	height := treeHeight(leafCount)
	if cfg.IncludeCache && cfg.CacheLevels > height {
		return Result{}, fmt.Errorf("%w: cache_levels %d exceeds tree height %d", berrors.ErrInvalidConfig, cfg.CacheLevels, height)
	}

	bodyFile, err := os.Create(cfg.OutputPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create plot file: %s", berrors.ErrIO, err)
	}
	defer bodyFile.Close()

	// Reserve space for the header; it is rewritten once the Merkle
	// root is known.
	if _, err := bodyFile.Write(make([]byte, headerSize)); err != nil {
		return Result{}, fmt.Errorf("%w: reserve header: %s", berrors.ErrIO, err)
	}

	w := bufio.NewWriterSize(bodyFile, chunkLeaves*LeafSize)

	var cacheWriter *cacheBuilder
	if cfg.IncludeCache {
		cacheWriter, err = newCacheBuilder(cfg.OutputPath+".cache", cfg.CacheLevels, height, leafCount)
		if err != nil {
			return Result{}, err
		}
		defer cacheWriter.Close()
	}

	acc := newStackAccumulator(height, cacheWriter)

	buf := make([]byte, 0, chunkLeaves*LeafSize)
	var lastReport float64
	for i := uint64(0); i < leafCount; i++ {
		leaf := LeafAt(cfg.PlotSeed, cfg.MinerPubKey, i)
		buf = append(buf, leaf[:]...)
		acc.push(leaf)

		if len(buf) == cap(buf) || i == leafCount-1 {
			if _, err := w.Write(buf); err != nil {
				return Result{}, fmt.Errorf("%w: write leaves: %s", berrors.ErrIO, err)
			}
			buf = buf[:0]
		}

		if progress != nil {
			frac := float64(i+1) / float64(leafCount)
			if frac-lastReport >= 0.01 || i == leafCount-1 {
				progress(frac)
				lastReport = frac
			}
		}
	}

	if err := w.Flush(); err != nil {
		return Result{}, fmt.Errorf("%w: flush: %s", berrors.ErrIO, err)
	}

	root, err := acc.root()
	if err != nil {
		return Result{}, err
	}

	if cacheWriter != nil {
		if err := cacheWriter.finish(root); err != nil {
			return Result{}, err
		}
	}

	header := Header{
		Magic:         Magic,
		Version:       FormatVersion,
		PlotSeed:      cfg.PlotSeed,
		MinerPubKey:   cfg.MinerPubKey,
		LeafCount:     leafCount,
		MerkleRoot:    root,
		CreatedAtUnix: time.Now().Unix(),
	}
	checksum := headerChecksum(header)
	header.Checksum = &checksum

	if err := writeHeader(bodyFile, header); err != nil {
		return Result{}, err
	}

	result := Result{Header: header}
	if cacheWriter != nil {
		result.CachePath = cacheWriter.path
	}
	return result, nil
}

func writeHeader(f *os.File, h Header) error {
	buf := encodeHeader(h)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: write header: %s", berrors.ErrIO, err)
	}
	return nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	copy(buf[5:37], h.PlotSeed[:])
	copy(buf[37:69], h.MinerPubKey[:])
	binary.LittleEndian.PutUint64(buf[69:77], h.LeafCount)
	copy(buf[77:109], h.MerkleRoot[:])
	binary.LittleEndian.PutUint64(buf[109:117], uint64(h.CreatedAtUnix))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("%w: short header", berrors.ErrCorruptPlot)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	copy(h.PlotSeed[:], buf[5:37])
	copy(h.MinerPubKey[:], buf[37:69])
	h.LeafCount = binary.LittleEndian.Uint64(buf[69:77])
	copy(h.MerkleRoot[:], buf[77:109])
	h.CreatedAtUnix = int64(binary.LittleEndian.Uint64(buf[109:117]))
	return h, nil
}

// headerChecksum hashes every header field except the checksum slot
// itself. The result is not written to the plot file, so a checksum
// recomputed at Open reflects the header as read and does not by
// itself reveal a corrupted field.
func headerChecksum(h Header) signature.Hash32 {
	return signature.Hash(encodeHeader(h))
}

// treeHeight returns log2(leafCount) for a power-of-two leaf count.
func treeHeight(leafCount uint64) int {
	height := 0
	for leafCount > 1 {
		leafCount >>= 1
		height++
	}
	return height
}
