package plot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// cacheMagic identifies a plot cache file.
const cacheMagic uint32 = 0x53544350 // "STCP"

// cacheHeaderSize: magic(4) + levels(1) + boundRoot(32).
const cacheHeaderSize = 4 + 1 + 32

// cacheBuilder accumulates the top cacheLevels Merkle layers while the
// plot's leaves stream past, and flushes them to disk once the root
// is known. Cache is advisory: a missing or corrupt cache file never
// prevents correct operation, only slows path extraction.
type cacheBuilder struct {
	path        string
	height      int
	cacheLevels int
	// layers[d] holds every node hash at depth d from the root
	// (d==0 is the root itself), in ascending index order.
	layers [][]signature.Hash32
}

func newCacheBuilder(path string, cacheLevels, height int, leafCount uint64) (*cacheBuilder, error) {
	if cacheLevels > MaxCacheLevels {
		return nil, fmt.Errorf("%w: cache_levels %d exceeds max %d", berrors.ErrInvalidConfig, cacheLevels, MaxCacheLevels)
	}
	layers := make([][]signature.Hash32, cacheLevels)
	for d := 0; d < cacheLevels; d++ {
		layers[d] = make([]signature.Hash32, 0, 1<<d)
	}
	return &cacheBuilder{path: path, height: height, cacheLevels: cacheLevels, layers: layers}, nil
}

// record is called by the stack accumulator for every completed node
// at bottom-up level (0 == leaves). Only nodes within the top
// cacheLevels layers are retained.
func (c *cacheBuilder) record(level int, hash signature.Hash32) {
	if c.cacheLevels == 0 {
		return
	}
	depth := c.height - level
	if depth < 0 || depth >= c.cacheLevels {
		return
	}
	c.layers[depth] = append(c.layers[depth], hash)
}

// finish writes the accumulated cache to disk, binding it to the
// final plot Merkle root.
func (c *cacheBuilder) finish(root signature.Hash32) error {
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("%w: create cache file: %s", berrors.ErrIO, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	hdr := make([]byte, cacheHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], cacheMagic)
	hdr[4] = uint8(c.cacheLevels)
	copy(hdr[5:37], root[:])
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("%w: write cache header: %s", berrors.ErrIO, err)
	}

	for d := 0; d < c.cacheLevels; d++ {
		for _, h := range c.layers[d] {
			if _, err := w.Write(h[:]); err != nil {
				return fmt.Errorf("%w: write cache node: %s", berrors.ErrIO, err)
			}
		}
	}
	return w.Flush()
}

// Close is a no-op placeholder so callers can always defer it even
// when no cache was requested (newCacheBuilder is only invoked when
// a cache was requested, so this exists for symmetry with Handle).
func (c *cacheBuilder) Close() {}

// Cache is the read-side view of a sealed plot cache file, loaded
// fully into memory (it is small: at most 2^20-1 entries).
type Cache struct {
	CacheLevels int
	BoundRoot   signature.Hash32
	layers      [][]signature.Hash32
}

// LoadCache reads a cache file from disk. The caller must still check
// BoundRoot against the plot's header root before trusting it.
func LoadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read cache file: %s", berrors.ErrIO, err)
	}
	if len(data) < cacheHeaderSize {
		return nil, fmt.Errorf("%w: short cache header", berrors.ErrCorruptPlot)
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != cacheMagic {
		return nil, fmt.Errorf("%w: bad cache magic", berrors.ErrCorruptPlot)
	}
	cacheLevels := int(data[4])
	var root signature.Hash32
	copy(root[:], data[5:37])

	layers := make([][]signature.Hash32, cacheLevels)
	offset := cacheHeaderSize
	for d := 0; d < cacheLevels; d++ {
		n := 1 << d
		layer := make([]signature.Hash32, n)
		for i := 0; i < n; i++ {
			if offset+32 > len(data) {
				return nil, fmt.Errorf("%w: truncated cache body", berrors.ErrCorruptPlot)
			}
			copy(layer[i][:], data[offset:offset+32])
			offset += 32
		}
		layers[d] = layer
	}

	return &Cache{CacheLevels: cacheLevels, BoundRoot: root, layers: layers}, nil
}

// lookup returns the cached node hash at bottom-up level/index, if
// the cache covers that depth.
func (c *Cache) lookup(height, level int, index uint64) (signature.Hash32, bool) {
	if c == nil {
		return signature.Hash32{}, false
	}
	depth := height - level
	if depth < 0 || depth >= c.CacheLevels {
		return signature.Hash32{}, false
	}
	layer := c.layers[depth]
	if index >= uint64(len(layer)) {
		return signature.Hash32{}, false
	}
	return layer[index], true
}
