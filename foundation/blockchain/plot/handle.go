package plot

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Handle is a safe-for-concurrent-readers view of a sealed, read-only
// plot. Random-access leaf reads go through a read-only memory
// mapping of the body so the OS page cache, not Go's heap, absorbs
// the working set.
type Handle struct {
	file   *os.File
	mapped mmap.MMap
	header Header
	cache  *Cache
}

// Open validates the plot header (magic, version, and a file size that
// matches LeafCount) and maps the body for random access. The header
// checksum is recomputed from the fields read and stored in the
// returned Header; the file carries no checksum to compare it with.
// It never writes; a plot is sealed forever once created.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open plot: %s", berrors.ErrIO, err)
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header: %s", berrors.ErrIO, err)
	}
	header, err := decodeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	if header.Magic != Magic {
		f.Close()
		return nil, fmt.Errorf("%w: bad magic", berrors.ErrCorruptPlot)
	}
	if header.Version != FormatVersion {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported plot version %d", berrors.ErrCorruptPlot, header.Version)
	}

	wantChecksum := headerChecksum(header)
	header.Checksum = &wantChecksum

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat plot: %s", berrors.ErrIO, err)
	}
	wantSize := int64(headerSize) + int64(header.LeafCount)*LeafSize
	if info.Size() != wantSize {
		f.Close()
		return nil, fmt.Errorf("%w: plot file size %d does not match header (want %d)", berrors.ErrCorruptPlot, info.Size(), wantSize)
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap plot: %s", berrors.ErrIO, err)
	}

	h := &Handle{file: f, mapped: mapped, header: header}

	if cache, err := LoadCache(path + ".cache"); err == nil {
		if cache.BoundRoot == header.MerkleRoot {
			h.cache = cache
		}
		// A cache bound to a different root is stale/foreign and is
		// silently ignored: cache is advisory, never authoritative.
	}

	return h, nil
}

// Close unmaps and closes the underlying file.
func (h *Handle) Close() error {
	if err := h.mapped.Unmap(); err != nil {
		return fmt.Errorf("%w: unmap: %s", berrors.ErrIO, err)
	}
	return h.file.Close()
}

// LeafCount returns the number of leaves in the plot body.
func (h *Handle) LeafCount() uint64 { return h.header.LeafCount }

// MerkleRoot returns the plot's committed Merkle root.
func (h *Handle) MerkleRoot() signature.Hash32 { return h.header.MerkleRoot }

// Header returns a copy of the validated plot header.
func (h *Handle) Header() Header { return h.header }

// LeafAt reads the leaf at index directly from the memory-mapped
// body. Safe for concurrent callers; the underlying mapping is
// read-only so there are no writer races.
func (h *Handle) LeafAt(index uint64) (signature.Hash32, error) {
	if index >= h.header.LeafCount {
		return signature.Hash32{}, fmt.Errorf("%w: leaf index %d out of range [0,%d)", berrors.ErrCorruptPlot, index, h.header.LeafCount)
	}
	offset := int64(headerSize) + int64(index)*LeafSize
	var out signature.Hash32
	copy(out[:], h.mapped[offset:offset+LeafSize])
	return out, nil
}

// TreeHeight returns log2(leaf count).
func (h *Handle) TreeHeight() int { return treeHeight(h.header.LeafCount) }
