// Package mempool implements the bounded, prioritized store of
// validated-but-not-yet-included transactions that a block builder
// draws from. Admission is single-flight per transaction fingerprint,
// eviction is lowest fee/byte first, and entries expire on a TTL.
package mempool

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/database"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Strategy selects how Best orders candidates for block inclusion.
// "tip" is the only strategy this mempool implements today (descending
// fee/size, ascending nonce per sender); the name is kept configurable
// because the teacher's sort-strategy selection (NewWithStrategy)
// anticipates more than one.
const (
	StrategyTip = "tip"
)

// Config bounds the mempool's footprint and entry lifetime.
type Config struct {
	MaxBytes int
	MaxCount int
	TTL      time.Duration
	Strategy string
}

// DefaultConfig is a generous local-node default: 2000 transactions,
// 8 MiB, 10 minute TTL.
func DefaultConfig() Config {
	return Config{MaxBytes: 8 << 20, MaxCount: 2000, TTL: 10 * time.Minute, Strategy: StrategyTip}
}

type entry struct {
	tx        database.SignedTx
	admitted  time.Time
	expiresAt time.Time
	size      int
}

// Mempool is a single guarded map with a per-sender nonce index. Pure
// read paths (Has, Count) take the read lock; admission, eviction and
// Best (which sweeps expired entries first) take the write lock. Concurrent submissions of the same tx hash coalesce
// onto a single validation via singleflight, so only one ever runs.
type Mempool struct {
	cfg Config

	mu       sync.RWMutex
	byHash   map[signature.Hash32]*entry
	bySender map[database.AccountID]map[uint64]signature.Hash32
	totalSz  int

	group singleflight.Group
}

// New constructs a Mempool with cfg, defaulting zero-valued fields
// from DefaultConfig.
func New(cfg Config) (*Mempool, error) {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = def.MaxCount
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Strategy != StrategyTip {
		return nil, fmt.Errorf("%w: unknown mempool strategy %q", berrors.ErrInvalidConfig, cfg.Strategy)
	}

	return &Mempool{
		cfg:      cfg,
		byHash:   make(map[signature.Hash32]*entry),
		bySender: make(map[database.AccountID]map[uint64]signature.Hash32),
	}, nil
}

// NewWithStrategy constructs a Mempool using DefaultConfig except for
// the named ordering strategy, matching the teacher's
// mempool.NewWithStrategy(cfg.SelectStrategy) construction call.
func NewWithStrategy(strategy string) (*Mempool, error) {
	cfg := DefaultConfig()
	if strategy != "" {
		cfg.Strategy = strategy
	}
	return New(cfg)
}

// Submit validates and admits tx against ledger (the committed
// account state overlaid with whatever else is already pending for
// the same sender). Concurrent Submit calls for the same tx hash
// coalesce onto one validation.
func (m *Mempool) Submit(tx database.SignedTx, ledger database.Ledger) error {
	hash := tx.Hash()
	_, err, _ := m.group.Do(hash.String(), func() (any, error) {
		return nil, m.admit(tx, ledger, hash)
	})
	return err
}

func (m *Mempool) admit(tx database.SignedTx, ledger database.Ledger, hash signature.Hash32) error {
	if err := tx.VerifySignature(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHash[hash]; exists {
		return &berrors.TxValidationError{Kind: berrors.Duplicate}
	}

	sender := tx.Sender()
	pending := ledger.Copy()
	for _, otherHash := range m.sortedSenderHashesLocked(sender) {
		_ = pending.Apply(m.byHash[otherHash].tx.Tx) // already validated at its own admission
	}
	if err := pending.Apply(tx.Tx); err != nil {
		return err
	}

	size := len(tx.Encode())
	if m.cfg.MaxBytes > 0 && m.totalSz+size > m.cfg.MaxBytes {
		if !m.evictLocked(size) {
			return &berrors.TxValidationError{Kind: berrors.Full}
		}
	}
	if m.cfg.MaxCount > 0 && len(m.byHash) >= m.cfg.MaxCount {
		if !m.evictLocked(0) {
			return &berrors.TxValidationError{Kind: berrors.Full}
		}
	}

	now := time.Now()
	e := &entry{tx: tx, admitted: now, expiresAt: now.Add(m.cfg.TTL), size: size}
	m.byHash[hash] = e
	if m.bySender[sender] == nil {
		m.bySender[sender] = make(map[uint64]signature.Hash32)
	}
	m.bySender[sender][tx.Nonce] = hash
	m.totalSz += size

	return nil
}

// sortedSenderHashesLocked returns sender's pending tx hashes ordered
// ascending by nonce. Caller must hold m.mu.
func (m *Mempool) sortedSenderHashesLocked(sender database.AccountID) []signature.Hash32 {
	nonces := m.bySender[sender]
	if len(nonces) == 0 {
		return nil
	}
	ordered := make([]uint64, 0, len(nonces))
	for n := range nonces {
		ordered = append(ordered, n)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1] > ordered[j]; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	out := make([]signature.Hash32, len(ordered))
	for i, n := range ordered {
		out[i] = nonces[n]
	}
	return out
}

// evictLocked removes entries ascending by fee/size (oldest admitted
// first on ties) until room is freed for incoming bytes (or one slot,
// when incoming is 0), returning whether it succeeded. Caller must
// hold m.mu.
func (m *Mempool) evictLocked(incoming int) bool {
	pq := make(priorityQueue, 0, len(m.byHash))
	for hash, e := range m.byHash {
		pq = append(pq, pqItem{hash: hash, feePerByte: e.tx.FeePerByte(), admitted: e.admitted})
	}
	heap.Init(&pq)

	freed := 0
	evicted := false
	for pq.Len() > 0 && (incoming == 0 || freed < incoming) {
		item := heap.Pop(&pq).(pqItem)
		e := m.byHash[item.hash]
		m.removeLocked(item.hash, e)
		freed += e.size
		evicted = true
		if incoming == 0 {
			break
		}
	}
	return evicted
}

func (m *Mempool) removeLocked(hash signature.Hash32, e *entry) {
	delete(m.byHash, hash)
	m.totalSz -= e.size
	sender := e.tx.Sender()
	if nonces := m.bySender[sender]; nonces != nil {
		delete(nonces, e.tx.Nonce)
		if len(nonces) == 0 {
			delete(m.bySender, sender)
		}
	}
}

// sweepExpiredLocked removes every entry past its TTL. Caller must
// hold m.mu.
func (m *Mempool) sweepExpiredLocked(now time.Time) {
	for hash, e := range m.byHash {
		if now.After(e.expiresAt) {
			m.removeLocked(hash, e)
		}
	}
}

// Sweep proactively removes expired entries; intended to be called
// periodically by a background goroutine. Lazy removal also happens
// on every Best call.
func (m *Mempool) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked(time.Now())
}

// Best returns up to maxTxs pending transactions for block inclusion:
// descending by fee/size overall, but never placing a sender's
// higher-nonce transaction ahead of that same sender's lower-nonce
// transaction. This is a k-way merge across per-sender queues (each
// already nonce-ordered) rather than a flat sort, because a flat sort
// broken only by "ties" would let a high-fee, high-nonce transaction
// jump ahead of a lower-fee, lower-nonce transaction from the same
// sender -- which a validator would then reject as a nonce gap.
// Among sender queues whose next transactions have equal fee/size, the
// lower nonce goes first, then the earlier admission.
func (m *Mempool) Best(maxTxs int) []database.SignedTx {
	m.mu.Lock()
	m.sweepExpiredLocked(time.Now())

	frontiers := make(map[database.AccountID][]signature.Hash32, len(m.bySender))
	entries := make(map[signature.Hash32]*entry, len(m.byHash))
	for sender := range m.bySender {
		frontiers[sender] = m.sortedSenderHashesLocked(sender)
	}
	for hash, e := range m.byHash {
		entries[hash] = e
	}
	m.mu.Unlock()

	cursor := make(map[database.AccountID]int, len(frontiers))
	senders := make([]database.AccountID, 0, len(frontiers))
	for sender := range frontiers {
		senders = append(senders, sender)
	}

	var out []database.SignedTx
	for {
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}

		bestSenderIdx := -1
		var bestFee float64
		var bestEntry *entry
		for i, sender := range senders {
			idx := cursor[sender]
			queue := frontiers[sender]
			if idx >= len(queue) {
				continue
			}
			e := entries[queue[idx]]
			fee := e.tx.FeePerByte()
			better := bestSenderIdx == -1 || fee > bestFee
			if !better && fee == bestFee {
				better = e.tx.Nonce < bestEntry.tx.Nonce ||
					(e.tx.Nonce == bestEntry.tx.Nonce && e.admitted.Before(bestEntry.admitted))
			}
			if better {
				bestSenderIdx, bestFee, bestEntry = i, fee, e
			}
		}
		if bestSenderIdx == -1 {
			break
		}

		sender := senders[bestSenderIdx]
		hash := frontiers[sender][cursor[sender]]
		cursor[sender]++
		out = append(out, entries[hash].tx)
	}

	return out
}

// Remove deletes hash from the mempool, used when a block including
// it is accepted.
func (m *Mempool) Remove(hash signature.Hash32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byHash[hash]; ok {
		m.removeLocked(hash, e)
	}
}

// Has reports whether hash is currently pending.
func (m *Mempool) Has(hash signature.Hash32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHash[hash]
	return ok
}

// Count returns the number of pending transactions.
func (m *Mempool) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHash)
}
