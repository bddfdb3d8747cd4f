package database

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// txVersion is the first byte of every canonical transaction encoding,
// gating future wire format changes the way the block header's version
// byte does.
const txVersion uint8 = 1

// Tx is the unsigned transaction payload: everything but the
// signature, since the signature covers H(canonical_serialization(Tx)).
type Tx struct {
	SenderPubKey [33]byte
	RecipientID  AccountID
	Amount       uint64
	Fee          uint64
	Nonce        uint64
}

// SignedTx pairs a Tx with the signature over its hash. This is what
// travels on the wire and is embedded in a block body.
type SignedTx struct {
	Tx
	Signature [64]byte
}

// BlockTx is the form stored inside a block's Merkle tree. It
// implements merkle.Hashable so package merkle can build the
// transaction root without depending on package database.
type BlockTx struct {
	SignedTx
}

// NewBlockTx wraps a signed transaction for inclusion in a block.
func NewBlockTx(tx SignedTx) BlockTx {
	return BlockTx{SignedTx: tx}
}

// Sender returns the account id the transaction's public key hashes
// to -- the account debited for amount + fee.
func (tx Tx) Sender() AccountID {
	return PublicKeyToAccountID(tx.SenderPubKey)
}

// encode serializes the unsigned Tx in canonical, fixed-width form:
// version(1) || sender_pubkey(33) || recipient(20) || amount_u64_le(8)
// || fee_u64_le(8) || nonce_u64_le(8).
func (tx Tx) encode() []byte {
	buf := make([]byte, 0, 1+33+20+8+8+8)
	buf = append(buf, txVersion)
	buf = append(buf, tx.SenderPubKey[:]...)
	buf = append(buf, tx.RecipientID[:]...)

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], tx.Amount)
	buf = append(buf, n[:]...)
	binary.LittleEndian.PutUint64(n[:], tx.Fee)
	buf = append(buf, n[:]...)
	binary.LittleEndian.PutUint64(n[:], tx.Nonce)
	buf = append(buf, n[:]...)

	return buf
}

// Hash computes H(canonical_serialization(tx_without_signature)).
func (tx Tx) Hash() signature.Hash32 {
	return signature.Hash(tx.encode())
}

// Hash satisfies merkle.Hashable by hashing the unsigned payload; the
// signature never participates in the tx hash or the Merkle tree.
func (btx BlockTx) Hash() signature.Hash32 {
	return btx.Tx.Hash()
}

// Sign produces a SignedTx by asking signer for a signature over the
// tx hash.
func (tx Tx) Sign(signer signature.Signer) (SignedTx, error) {
	hash := tx.Hash()
	sig, err := signer.Sign(hash)
	if err != nil {
		return SignedTx{}, fmt.Errorf("sign tx: %w", err)
	}
	return SignedTx{Tx: tx, Signature: sig}, nil
}

// Encode serializes a SignedTx for storage/wire transfer: the unsigned
// payload followed by the 64-byte signature.
func (stx SignedTx) Encode() []byte {
	buf := stx.Tx.encode()
	return append(buf, stx.Signature[:]...)
}

// DecodeSignedTx parses the wire form produced by Encode.
func DecodeSignedTx(b []byte) (SignedTx, error) {
	const unsignedLen = 1 + 33 + 20 + 8 + 8 + 8
	if len(b) != unsignedLen+64 {
		return SignedTx{}, fmt.Errorf("signed tx must be %d bytes, got %d", unsignedLen+64, len(b))
	}
	if b[0] != txVersion {
		return SignedTx{}, fmt.Errorf("%w: unknown tx version %d", berrors.ErrInvalidConfig, b[0])
	}

	var tx Tx
	copy(tx.SenderPubKey[:], b[1:34])
	copy(tx.RecipientID[:], b[34:54])
	tx.Amount = binary.LittleEndian.Uint64(b[54:62])
	tx.Fee = binary.LittleEndian.Uint64(b[62:70])
	tx.Nonce = binary.LittleEndian.Uint64(b[70:78])

	var stx SignedTx
	stx.Tx = tx
	copy(stx.Signature[:], b[78:142])

	return stx, nil
}

// VerifySignature checks the tx's signature against its own sender
// public key and reports whether the public key hashes to the claimed
// sender address.
func (stx SignedTx) VerifySignature() error {
	ok, err := signature.Verify(stx.SenderPubKey, stx.Hash(), stx.Signature)
	if err != nil || !ok {
		return &berrors.TxValidationError{Kind: berrors.InvalidSignature}
	}
	return nil
}

// FeePerByte is the priority metric used both for mempool eviction
// (ascending, lowest evicted first) and block inclusion ordering
// (descending). Encode's output length is the size in bytes.
func (stx SignedTx) FeePerByte() float64 {
	size := len(stx.Encode())
	if size == 0 {
		return 0
	}
	return float64(stx.Fee) / float64(size)
}

// Equal reports whether two signed transactions are byte-identical.
func (stx SignedTx) Equal(other SignedTx) bool {
	return bytes.Equal(stx.Encode(), other.Encode())
}
