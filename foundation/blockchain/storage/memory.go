package storage

import "sync"

// Memory is an in-process KVStore, used by tests and by a node running
// without persistence. It honors the same atomic-batch contract as a
// durable backend, just without surviving a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) OpenColumnFamily(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[name] == nil {
		m.data[name] = make(map[string][]byte)
	}
	return nil
}

func (m *Memory) Get(cf, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[cf][key]
	return v, ok, nil
}

func (m *Memory) Delete(cf, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[cf], key)
	return nil
}

func (m *Memory) NewBatch() Batch {
	return &memBatch{}
}

func (m *Memory) Commit(b Batch) error {
	mb := b.(*memBatch)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range mb.ops {
		if m.data[op.cf] == nil {
			m.data[op.cf] = make(map[string][]byte)
		}
		if op.del {
			delete(m.data[op.cf], op.key)
			continue
		}
		m.data[op.cf][op.key] = op.value
	}
	return nil
}

func (m *Memory) Close() error { return nil }

type memOp struct {
	cf    string
	key   string
	value []byte
	del   bool
}

type memBatch struct {
	ops []memOp
}

func (b *memBatch) Put(cf, key string, value []byte) {
	b.ops = append(b.ops, memOp{cf: cf, key: key, value: value})
}

func (b *memBatch) Delete(cf, key string) {
	b.ops = append(b.ops, memOp{cf: cf, key: key, del: true})
}
