// Package database handles the lower-level support for maintaining the
// blockchain's account-model ledger and the block/transaction wire
// codec (header, body, canonical hashing). It does not persist
// anything itself: package storage owns the on-disk key-value
// namespaces, and package state installs each new active branch's
// ledger, replayed from genesis, through Database's SetLedger.
package database

import (
	"fmt"
	"sync"

	"github.com/wtran29/spacetime/foundation/blockchain/genesis"
)

// Database manages the in-memory account ledger every block
// application mutates. It is owned exclusively by package state,
// which is the only caller ever allowed to commit a block's effects
// to it; readers elsewhere (the builder, the mempool) only see
// snapshots via Copy/Query.
type Database struct {
	mu       sync.RWMutex
	genesis  genesis.Genesis
	accounts Ledger
}

// New constructs a Database seeded with the genesis account balances.
func New(gen genesis.Genesis) (*Database, error) {
	accounts, err := SeedLedger(gen)
	if err != nil {
		return nil, err
	}

	return &Database{genesis: gen, accounts: accounts}, nil
}

// SeedLedger builds the Ledger a chain starts from: every genesis
// balance, credited once. Package state reuses this to rebuild the
// ledger from scratch during a reorg replay.
func SeedLedger(gen genesis.Genesis) (Ledger, error) {
	accounts := make(Ledger)
	for accountStr, balance := range gen.Balances {
		accountID, err := ToAccountID(accountStr)
		if err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", accountStr, err)
		}
		accounts[accountID] = newAccount(accountID, balance)
	}
	return accounts, nil
}

// SetLedger replaces the committed ledger wholesale. Used only by
// package state after a reorg recomputes the ledger for the new
// active branch from scratch.
func (db *Database) SetLedger(l Ledger) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts = l
}

// Copy returns a snapshot of every known account, safe for the caller
// to mutate (e.g. as the starting point for a block-in-progress
// ledger) without affecting the committed Database.
func (db *Database) Copy() Ledger {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.accounts.Copy()
}

// Query returns the committed account state for id.
func (db *Database) Query(id AccountID) Account {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.accounts.Get(id)
}

// ApplyBlock commits every transaction in block to the ledger
// atomically: the block is applied against a private copy first, and
// only swapped in if every transaction succeeds, so a rejected block
// can never leave the Database partially mutated.
func (db *Database) ApplyBlock(block Block) error {
	next := db.Copy()
	for _, tx := range block.MerkleTree.Values() {
		if err := next.Apply(tx.Tx); err != nil {
			return fmt.Errorf("apply block %s: %w", block.Header.Hash(), err)
		}
	}

	db.mu.Lock()
	db.accounts = next
	db.mu.Unlock()
	return nil
}

// Genesis returns the genesis configuration the Database was seeded from.
func (db *Database) Genesis() genesis.Genesis {
	return db.genesis
}
