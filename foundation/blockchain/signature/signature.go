// Package signature provides the hash and digital-signature primitives
// shared by every other blockchain package: the H(...) hash used for
// plot leaves, challenges, scores and canonical serialization, and the
// Signer contract that block headers and transactions are signed
// against.
package signature

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// sha256Sum is the one place SHA-256 is invoked directly. There is no
// ecosystem replacement for the standard library's constant-time,
// well-audited implementation of a fixed hash primitive, so it is used
// as-is rather than through a third-party wrapper.
func sha256Sum(data []byte) Hash32 {
	return sha256.Sum256(data)
}

// ZeroHash represents a hash code of zero value, used when a block
// doesn't have a previous block (genesis). An empty tx root is not
// this value: it is H(nil) (see package merkle).
const ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Hash32 is the 32-byte hash used throughout the system: plot leaves,
// challenges, scores, targets, header/tx hashes.
type Hash32 [32]byte

// String renders the hash as a 0x-prefixed hex string.
func (h Hash32) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// Less performs a big-endian unsigned comparison, the comparison rule
// used everywhere a score is compared against a target.
func (h Hash32) Less(other Hash32) bool {
	for i := 0; i < len(h); i++ {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// Hash computes H(data) = SHA-256(data). SHA-256 is used (rather than
// Keccak256) for every plot/challenge/score/header hash because those
// values must be reproducible byte-for-byte across platforms without
// depending on go-ethereum's Keccak implementation; Keccak256 is
// reserved for the legacy wallet-signing stamp below.
func Hash(data []byte) Hash32 {
	return sha256Sum(data)
}

// HashConcat hashes the concatenation of every part, avoiding an
// intermediate allocation per part.
func HashConcat(parts ...[]byte) Hash32 {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return Hash(buf)
}

// =============================================================================
// Digital signatures.
//
// Production signers must be secp256k1 ECDSA. The signature is stored
// as a fixed 64-byte R||S pair; recovery id is not persisted on the
// wire (the signer's public key already travels with the header/tx),
// so Verify tries both recovery candidates against the known key.

// Signer is the external collaborator contract the core consumes for
// producing signatures. It never sees or logs the private key.
type Signer interface {
	Sign(hash Hash32) (sig [64]byte, err error)
	PublicKey() [33]byte
}

// ECDSASigner is the production Signer backed by a secp256k1 private
// key, matching spec.md's design note that production builds must use
// real ECDSA and never a mock signer.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner wraps an existing ECDSA private key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// GenerateECDSASigner creates a new random secp256k1 key using a CSPRNG.
func GenerateECDSASigner() (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &ECDSASigner{key: key}, nil
}

// LoadECDSASigner reads a hex-encoded private key from disk in the
// same format the teacher's scratch tooling used (crypto.LoadECDSA).
func LoadECDSASigner(path string) (*ECDSASigner, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &ECDSASigner{key: key}, nil
}

// Sign produces a 64-byte R||S signature over hash.
func (s *ECDSASigner) Sign(hash Hash32) ([64]byte, error) {
	sig, err := crypto.Sign(hash[:], s.key)
	if err != nil {
		return [64]byte{}, fmt.Errorf("sign: %w", err)
	}

	var out [64]byte
	copy(out[:], sig[:64])
	return out, nil
}

// PublicKey returns the compressed (33-byte) secp256k1 public key.
func (s *ECDSASigner) PublicKey() [33]byte {
	compressed := crypto.CompressPubkey(&s.key.PublicKey)
	var out [33]byte
	copy(out[:], compressed)
	return out
}

// MockSigner signs without a private key: its signature is the hash
// followed by zero bytes, which Verify rejects, and there is no mock
// verification path that accepts it. It exists only for tests; a production boot sequence must refuse to start with it
// unless an explicit dev flag is set (see miner.Config.AllowMockSigner).
type MockSigner struct {
	PubKey [33]byte
}

// Sign always returns a well-formed but cryptographically meaningless
// signature.
func (MockSigner) Sign(hash Hash32) ([64]byte, error) {
	var sig [64]byte
	copy(sig[:32], hash[:])
	return sig, nil
}

// PublicKey returns the configured mock public key.
func (m MockSigner) PublicKey() [33]byte { return m.PubKey }

// Verify checks that sig is a valid secp256k1 ECDSA signature over
// hash by pubKey. It brute-forces the two possible recovery ids since
// the wire format only carries R||S.
func Verify(pubKey [33]byte, hash Hash32, sig [64]byte) (bool, error) {
	want, err := crypto.DecompressPubkey(pubKey[:])
	if err != nil {
		return false, fmt.Errorf("decompress pubkey: %w", err)
	}
	wantBytes := crypto.CompressPubkey(want)

	for recID := byte(0); recID < 2; recID++ {
		full := append(append([]byte{}, sig[:]...), recID)
		recovered, err := crypto.SigToPub(hash[:], full)
		if err != nil {
			continue
		}
		if hex.EncodeToString(crypto.CompressPubkey(recovered)) == hex.EncodeToString(wantBytes) {
			return true, nil
		}
	}
	return false, errors.New("signature does not match public key")
}

// Stamp reproduces the teacher's wallet-signing convention: hash a
// length-prefixed domain stamp together with the payload using
// Keccak256, so signatures produced for this chain can never be
// replayed against an unrelated Ethereum-style signing scheme. No
// package in this repository calls it; the canonical header/tx hash
// path uses Hash above.
func Stamp(data []byte) Hash32 {
	stamp := []byte(fmt.Sprintf("\x19Signed Message:\n%d", len(data)))
	return Hash32(crypto.Keccak256Hash(stamp, data))
}
