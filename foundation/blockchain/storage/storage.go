// Package storage defines the key-value contract the chain state
// persists through, and the logical column-family namespaces the
// spec's on-disk layout is expressed in. A concrete backend lives in
// a subpackage (storage/leveldb); callers depend only on this
// interface so the core never assumes a particular embedded database.
package storage

// Column families, emulated as key prefixes by concrete
// implementations rather than requiring the backend to support real
// column families natively.
const (
	CFBlocks       = "blocks"
	CFHeights      = "heights"
	CFTransactions = "transactions"
	CFAccounts     = "accounts"
	CFMetadata     = "metadata"
)

// Well-known metadata keys.
const (
	KeyBestBlockHash = "best_block_hash"
	KeyChainHeight   = "chain_height"
)

// CumulativeDifficultyKey builds the "cumulative_difficulty:" || hash
// metadata key for a given block hash hex string.
func CumulativeDifficultyKey(blockHashHex string) string {
	return "cumulative_difficulty:" + blockHashHex
}

// Batch accumulates puts/deletes across column families for a single
// atomic commit. A Batch is never partially applied: KVStore.Commit
// either writes every operation or none of them.
type Batch interface {
	Put(cf, key string, value []byte)
	Delete(cf, key string)
}

// KVStore is the external collaborator contract the chain state
// adapter consumes: atomic write-batch commit, point get, delete, and
// column-family lifecycle. Durability is guaranteed on a successful
// Commit.
type KVStore interface {
	NewBatch() Batch
	Commit(b Batch) error
	Get(cf, key string) ([]byte, bool, error)
	Delete(cf, key string) error
	OpenColumnFamily(name string) error
	Close() error
}
