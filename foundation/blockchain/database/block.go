package database

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/merkle"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// headerVersion is the first byte of every canonical header encoding.
// An unrecognized version gates the block as UnknownVersion before any
// other check runs.
const headerVersion uint8 = 1

// headerEncodedLen is the fixed size of a canonical header, signature
// excluded: 1(version) + 32(parent) + 8(height) + 8(timestamp) +
// 8(difficulty) + 8(epoch) + 32(challenge) + 32(plot root) +
// 32(proof score) + 32(tx root) + 33(miner pubkey).
const headerEncodedLen = 1 + 32 + 8 + 8 + 8 + 8 + 32 + 32 + 32 + 32 + 33

// BlockHeader carries everything needed to validate a block without
// its body. Only the header is hashed and signed; the body is bound in
// through TxRoot.
type BlockHeader struct {
	Version       uint8
	ParentHash    signature.Hash32
	Height        uint64
	Timestamp     int64 // seconds, UTC
	Difficulty    uint64
	Epoch         uint64
	Challenge     signature.Hash32
	PlotRoot      signature.Hash32
	ProofScore    signature.Hash32
	TxRoot        signature.Hash32
	MinerPubKey   [33]byte
	MinerSignature [64]byte
}

// BlockData is what a block projects to for storage and the wire: the
// header hash plus the header and body needed to reconstruct a Block.
type BlockData struct {
	Hash   signature.Hash32
	Header BlockHeader
	Proof  proof.BlockProof
	Trans  []BlockTx
}

// Block is the in-memory representation a builder assembles and a
// validator checks. MerkleTree backs both TxRoot and the ordered
// transaction list.
type Block struct {
	Header     BlockHeader
	Proof      proof.BlockProof
	MerkleTree *merkle.Tree[BlockTx]
}

// encodeHeaderUnsigned serializes every header field except the
// signature, in the fixed canonical order the hash and signature are
// computed over.
func (h BlockHeader) encodeHeaderUnsigned() []byte {
	buf := make([]byte, 0, headerEncodedLen)
	buf = append(buf, h.Version)
	buf = append(buf, h.ParentHash[:]...)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], h.Height)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], uint64(h.Timestamp))
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.Difficulty)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.Epoch)
	buf = append(buf, u64[:]...)

	buf = append(buf, h.Challenge[:]...)
	buf = append(buf, h.PlotRoot[:]...)
	buf = append(buf, h.ProofScore[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.MinerPubKey[:]...)

	return buf
}

// Hash returns H(canonical_serialization(header_without_signature)).
// The genesis block (height 0) hashes to the zero hash by convention,
// matching the teacher's treatment of a nonexistent parent.
func (h BlockHeader) Hash() signature.Hash32 {
	if h.Height == 0 {
		return signature.Hash32{}
	}
	return signature.Hash(h.encodeHeaderUnsigned())
}

// Encode serializes the full header, signature included, for storage.
func (h BlockHeader) Encode() []byte {
	buf := h.encodeHeaderUnsigned()
	return append(buf, h.MinerSignature[:]...)
}

// DecodeBlockHeader parses the wire form produced by Encode.
func DecodeBlockHeader(b []byte) (BlockHeader, error) {
	if len(b) != headerEncodedLen+64 {
		return BlockHeader{}, fmt.Errorf("block header: want %d bytes, got %d", headerEncodedLen+64, len(b))
	}

	var h BlockHeader
	off := 0
	h.Version = b[off]
	off++
	if h.Version != headerVersion {
		return BlockHeader{}, &berrors.BlockValidationError{Kind: berrors.UnknownVersion}
	}

	copy(h.ParentHash[:], b[off:off+32])
	off += 32
	h.Height = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	h.Timestamp = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	off += 8
	h.Difficulty = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	h.Epoch = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8

	copy(h.Challenge[:], b[off:off+32])
	off += 32
	copy(h.PlotRoot[:], b[off:off+32])
	off += 32
	copy(h.ProofScore[:], b[off:off+32])
	off += 32
	copy(h.TxRoot[:], b[off:off+32])
	off += 32
	copy(h.MinerPubKey[:], b[off:off+33])
	off += 33
	copy(h.MinerSignature[:], b[off:off+64])

	return h, nil
}

// EncodeBody serializes the ordered transaction list: count_u32_le
// followed by each SignedTx's fixed-width encoding.
func EncodeBody(txs []BlockTx) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(txs)))
	for _, tx := range txs {
		buf = append(buf, tx.Encode()...)
	}
	return buf
}

// DecodeBody parses the wire form produced by EncodeBody.
func DecodeBody(b []byte) ([]BlockTx, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("block body: truncated count")
	}
	count := int(binary.LittleEndian.Uint32(b[:4]))
	off := 4

	const signedTxLen = 1 + 33 + 20 + 8 + 8 + 8 + 64
	txs := make([]BlockTx, 0, count)
	for i := 0; i < count; i++ {
		if off+signedTxLen > len(b) {
			return nil, fmt.Errorf("block body: truncated tx %d", i)
		}
		stx, err := DecodeSignedTx(b[off : off+signedTxLen])
		if err != nil {
			return nil, err
		}
		txs = append(txs, NewBlockTx(stx))
		off += signedTxLen
	}
	return txs, nil
}

// NewBlockData projects an assembled Block into its storable form.
func NewBlockData(block Block) BlockData {
	return BlockData{
		Hash:   block.Header.Hash(),
		Header: block.Header,
		Proof:  block.Proof,
		Trans:  block.MerkleTree.Values(),
	}
}

// ToBlock rebuilds a Block from its stored projection, recomputing the
// Merkle tree rather than trusting the stored TxRoot.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	return Block{
		Header:     blockData.Header,
		Proof:      blockData.Proof,
		MerkleTree: tree,
	}, nil
}

// nowUnix exists so tests can stub the block timestamp; production
// code always calls it with time.Now.
func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
