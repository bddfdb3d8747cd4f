package database

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// AccountID is a 20-byte account address, derived from the low 20
// bytes of H(pubkey) the same way the signature package derives
// addresses for senders and recipients.
type AccountID [20]byte

// String renders the account id as a 0x-prefixed hex string.
func (a AccountID) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// ToAccountID parses a 0x-prefixed hex string into an AccountID.
func ToAccountID(hexStr string) (AccountID, error) {
	if len(hexStr) == 42 && hexStr[:2] == "0x" {
		hexStr = hexStr[2:]
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return AccountID{}, fmt.Errorf("decode account id: %w", err)
	}
	if len(b) != 20 {
		return AccountID{}, fmt.Errorf("account id must be 20 bytes, got %d", len(b))
	}
	var id AccountID
	copy(id[:], b)
	return id, nil
}

// PublicKeyToAccountID derives the address a sender's compressed
// public key hashes to: the low 20 bytes of H(pubkey).
func PublicKeyToAccountID(pubKey [33]byte) AccountID {
	h := signature.Hash(pubKey[:])
	var id AccountID
	copy(id[:], h[12:])
	return id
}

// =============================================================================

// Account represents the balance/nonce state tracked for a single
// address. Accounts are created on first credit, mutated only by
// block application, and never destroyed.
type Account struct {
	AccountID AccountID
	Balance   uint64
	Nonce     uint64
}

func newAccount(accountID AccountID, balance uint64) Account {
	return Account{
		AccountID: accountID,
		Balance:   balance,
	}
}

// AccountState is the wire-level, codec-stable projection of an
// Account: {balance_i64_le, nonce_u64_le}.
type AccountState struct {
	Balance uint64
	Nonce   uint64
}

// ToAccountState projects an Account into its serializable state.
func (a Account) ToAccountState() AccountState {
	return AccountState{Balance: a.Balance, Nonce: a.Nonce}
}

// Encode serializes an AccountState to its canonical 16-byte wire form.
func (a AccountState) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], a.Balance)
	binary.LittleEndian.PutUint64(buf[8:16], a.Nonce)
	return buf
}

// DecodeAccountState parses the wire form produced by Encode.
func DecodeAccountState(b []byte) (AccountState, error) {
	if len(b) != 16 {
		return AccountState{}, fmt.Errorf("account state must be 16 bytes, got %d", len(b))
	}
	return AccountState{
		Balance: binary.LittleEndian.Uint64(b[0:8]),
		Nonce:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
