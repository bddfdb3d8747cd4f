package database

import (
	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
)

// Ledger is an account-model working set: a plain map is enough since
// every consumer (the committed Database, a block being assembled, a
// mempool admission check) only ever needs point lookups and
// overlay-on-copy semantics, never range scans.
type Ledger map[AccountID]Account

// Copy returns a ledger the caller can mutate without affecting l.
func (l Ledger) Copy() Ledger {
	out := make(Ledger, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Get returns the account for id, or the zero-value account (balance
// and nonce both 0) if id has never been credited.
func (l Ledger) Get(id AccountID) Account {
	if acct, exists := l[id]; exists {
		return acct
	}
	return Account{AccountID: id}
}

// Apply debits the sender and credits the recipient for tx against
// l's current balances, in place. It enforces the stateful rules
// shared by the mempool admission check and the block body check:
// strict nonce equality (no gaps, no re-use) and sufficient balance
// for the aggregate spend (amount + fee).
func (l Ledger) Apply(tx Tx) error {
	sender := l.Get(tx.Sender())
	if sender.Nonce != tx.Nonce {
		return &berrors.TxValidationError{Kind: berrors.BadNonce, Expected: sender.Nonce, Got: tx.Nonce}
	}

	total := tx.Amount + tx.Fee
	if sender.Balance < total {
		return &berrors.TxValidationError{Kind: berrors.InsufficientBalance}
	}

	sender.Balance -= total
	sender.Nonce++
	l[tx.Sender()] = sender

	recipient := l.Get(tx.RecipientID)
	recipient.Balance += tx.Amount
	l[tx.RecipientID] = recipient

	return nil
}
