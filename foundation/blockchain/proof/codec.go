package proof

import (
	"encoding/binary"
	"fmt"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Encode serializes a BlockProof to its canonical wire form:
// leaf(32) || leaf_index_u64_le(8) || challenge(32) || plot_root(32) ||
// score(32) || sibling_count_u32_le(4) || for each sibling, in order:
// sibling(32) || orientation(1: 1 = RightSibling, 0 = left) ||
// metadata{leaf_count_u64_le(8), plot_id(32), plot_header_hash(32), version(1)}.
// PlotID (the UUID string) is not part of the canonical bytes; it is a
// local bookkeeping field, not consensus data.
func (bp BlockProof) Encode() []byte {
	buf := make([]byte, 0, 32+8+32+32+32+4+len(bp.Siblings)*33+8+32+32+1)

	buf = append(buf, bp.Leaf[:]...)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], bp.LeafIndex)
	buf = append(buf, u64[:]...)
	buf = append(buf, bp.Challenge[:]...)
	buf = append(buf, bp.PlotMerkleRoot[:]...)
	buf = append(buf, bp.Score[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(bp.Siblings)))
	buf = append(buf, u32[:]...)
	for i, s := range bp.Siblings {
		buf = append(buf, s[:]...)
		if bp.RightSibling[i] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	binary.LittleEndian.PutUint64(u64[:], bp.Metadata.LeafCount)
	buf = append(buf, u64[:]...)
	buf = append(buf, bp.Metadata.PlotID[:]...)
	buf = append(buf, bp.Metadata.PlotHeaderHash[:]...)
	buf = append(buf, bp.Metadata.Version)

	return buf
}

// DecodeBlockProof parses the wire form produced by Encode.
func DecodeBlockProof(b []byte) (BlockProof, error) {
	const fixedHead = 32 + 8 + 32 + 32 + 32 + 4
	if len(b) < fixedHead {
		return BlockProof{}, fmt.Errorf("block proof: truncated header")
	}

	var bp BlockProof
	off := 0
	copy(bp.Leaf[:], b[off:off+32])
	off += 32
	bp.LeafIndex = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(bp.Challenge[:], b[off:off+32])
	off += 32
	copy(bp.PlotMerkleRoot[:], b[off:off+32])
	off += 32
	copy(bp.Score[:], b[off:off+32])
	off += 32

	count := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4

	if len(b) < off+count*33+8+32+32+1 {
		return BlockProof{}, fmt.Errorf("block proof: truncated body")
	}

	bp.Siblings = make([]signature.Hash32, count)
	bp.RightSibling = make([]bool, count)
	for i := 0; i < count; i++ {
		copy(bp.Siblings[i][:], b[off:off+32])
		off += 32
		bp.RightSibling[i] = b[off] == 1
		off++
	}

	bp.Metadata.LeafCount = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(bp.Metadata.PlotID[:], b[off:off+32])
	off += 32
	copy(bp.Metadata.PlotHeaderHash[:], b[off:off+32])
	off += 32
	bp.Metadata.Version = b[off]

	return bp, nil
}
