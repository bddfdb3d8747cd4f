// Package leveldb implements storage.KVStore on top of goleveldb, the
// pack's embedded-key-value-store dependency. Column families are not
// native to goleveldb, so each is emulated as a key prefix
// "<family>\x00<key>" (SPEC_FULL.md names the prefix emulation; the
// separator byte is this package's choice).
package leveldb

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/wtran29/spacetime/foundation/blockchain/storage"
)

const sep = byte(0)

// Store is a storage.KVStore backed by a single goleveldb database
// file, with logical column families folded into the key space.
type Store struct {
	mu  sync.RWMutex
	db  *leveldb.DB
	cfs map[string]struct{}
}

// Open creates or reuses the goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &Store{db: db, cfs: make(map[string]struct{})}, nil
}

func prefixedKey(cf, key string) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, []byte(cf)...)
	out = append(out, sep)
	out = append(out, []byte(key)...)
	return out
}

// OpenColumnFamily registers name as a known prefix. goleveldb needs
// no setup per family, so this only records the name; nothing reads
// that record, and any name is usable even without a prior call.
func (s *Store) OpenColumnFamily(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfs[name] = struct{}{}
	return nil
}

// Get reads a single key from cf. The bool return is false (with a
// nil error) when the key does not exist.
func (s *Store) Get(cf, key string) ([]byte, bool, error) {
	v, err := s.db.Get(prefixedKey(cf, key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("leveldb get %s/%s: %w", cf, key, err)
	}
	return v, true, nil
}

// Delete removes a single key from cf.
func (s *Store) Delete(cf, key string) error {
	if err := s.db.Delete(prefixedKey(cf, key), nil); err != nil {
		return fmt.Errorf("leveldb delete %s/%s: %w", cf, key, err)
	}
	return nil
}

// NewBatch returns an empty Batch for accumulating writes that will
// be committed atomically.
func (s *Store) NewBatch() storage.Batch {
	return &batch{b: new(leveldb.Batch)}
}

// Commit writes every operation in b atomically and durably.
func (s *Store) Commit(b storage.Batch) error {
	lb, ok := b.(*batch)
	if !ok {
		return fmt.Errorf("leveldb: batch from a different store implementation")
	}
	if err := s.db.Write(lb.b, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb write batch: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldb close: %w", err)
	}
	return nil
}

// batch adapts goleveldb's *leveldb.Batch to storage.Batch.
type batch struct {
	b *leveldb.Batch
}

func (bt *batch) Put(cf, key string, value []byte) {
	bt.b.Put(prefixedKey(cf, key), value)
}

func (bt *batch) Delete(cf, key string) {
	bt.b.Delete(prefixedKey(cf, key))
}
