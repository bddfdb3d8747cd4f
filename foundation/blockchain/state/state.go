// Package state is the core API for the blockchain: it owns the
// active chain's tip and cumulative difficulty, drives block
// acceptance through the validator, applies accepted blocks to the
// account ledger, and performs the cumulative-difficulty reorg rule
// when a competing branch overtakes the current tip.
package state

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/challenge"
	"github.com/wtran29/spacetime/foundation/blockchain/database"
	"github.com/wtran29/spacetime/foundation/blockchain/difficulty"
	"github.com/wtran29/spacetime/foundation/blockchain/genesis"
	"github.com/wtran29/spacetime/foundation/blockchain/mempool"
	"github.com/wtran29/spacetime/foundation/blockchain/merkle"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
	"github.com/wtran29/spacetime/foundation/blockchain/storage"
)

// EventHandler defines a function that is called when events occur in
// the processing of persisting blocks, kept as a decoupled callback
// rather than a structured logger call since it sits on the hot
// consensus path (one call per block, not per log line).
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start the
// blockchain node.
type Config struct {
	Signer            signature.Signer
	Storage           storage.KVStore
	Genesis           genesis.Genesis
	MempoolConfig     mempool.Config
	DifficultyConfig  difficulty.Config
	ClockDriftSeconds int64
	MaxTxsPerBlock    int
	EvHandler         EventHandler
}

// State manages the blockchain's chain-state (tip, height, cumulative
// difficulty) and account ledger. It is the single writer; readers
// elsewhere (the miner's ChainView, the builder, RPC handlers were
// there any) only ever see consistent snapshots.
type State struct {
	mu sync.RWMutex

	evHandler EventHandler
	storage   storage.KVStore
	genesis   genesis.Genesis
	mempool   *mempool.Mempool
	db        *database.Database
	validator *database.Validator
	builder   *database.Builder
	diffCfg   difficulty.Config
	maxTxs    int

	tipHash    signature.Hash32
	tipHeight  int64 // -1 when the chain is empty
	cumDiff    *big.Int
	blocks     map[signature.Hash32]database.BlockData
	blockCum   map[signature.Hash32]*big.Int
	orphaned   map[signature.Hash32]bool
	heightIdx  map[uint64]signature.Hash32
}

// New constructs a State, opening the KV store's column families and
// accepting the genesis block. It does not load blocks persisted by an
// earlier run: the in-memory chain always starts at genesis.
func New(cfg Config) (*State, error) {
	if cfg.MaxTxsPerBlock <= 0 {
		cfg.MaxTxsPerBlock = 500
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	for _, cf := range []string{storage.CFBlocks, storage.CFHeights, storage.CFTransactions, storage.CFAccounts, storage.CFMetadata} {
		if err := cfg.Storage.OpenColumnFamily(cf); err != nil {
			return nil, fmt.Errorf("open column family %s: %w", cf, err)
		}
	}

	db, err := database.New(cfg.Genesis)
	if err != nil {
		return nil, fmt.Errorf("new database: %w", err)
	}

	mp, err := mempool.New(cfg.MempoolConfig)
	if err != nil {
		return nil, fmt.Errorf("new mempool: %w", err)
	}

	validator := database.NewValidator(database.ValidatorConfig{
		ClockDriftSeconds: cfg.ClockDriftSeconds,
		Difficulty:        cfg.DifficultyConfig,
	})

	diffCfg := cfg.DifficultyConfig
	if diffCfg.MaxDifficulty == 0 {
		diffCfg = difficulty.DefaultConfig()
	}

	s := &State{
		evHandler: ev,
		storage:   cfg.Storage,
		genesis:   cfg.Genesis,
		mempool:   mp,
		db:        db,
		validator: validator,
		builder:   &database.Builder{Signer: cfg.Signer, Validator: validator},
		diffCfg:   diffCfg,
		maxTxs:    cfg.MaxTxsPerBlock,
		tipHeight: -1,
		cumDiff:   big.NewInt(0),
		blocks:    make(map[signature.Hash32]database.BlockData),
		blockCum:  make(map[signature.Hash32]*big.Int),
		orphaned:  make(map[signature.Hash32]bool),
		heightIdx: make(map[uint64]signature.Hash32),
	}

	genesisBlock := s.genesisBlock()
	if err := s.AcceptBlock(genesisBlock); err != nil {
		return nil, fmt.Errorf("accept genesis block: %w", err)
	}

	return s, nil
}

// genesisBlock constructs the deterministic, unsigned height-0 block
// every node on the network agrees on without any proof of space.
func (s *State) genesisBlock() database.Block {
	tree, _ := merkle.NewTree[database.BlockTx](nil)
	header := database.BlockHeader{
		Version:    1,
		Height:     0,
		Timestamp:  s.genesis.Date.Unix(),
		Difficulty: s.genesis.InitDifficulty,
		Epoch:      0,
		Challenge:  challenge.Genesis(s.genesis.NetworkID),
		TxRoot:     tree.Root(),
	}
	return database.Block{Header: header, MerkleTree: tree}
}

// Tip returns the current chain tip's hash and height.
func (s *State) Tip() (signature.Hash32, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipHash, s.tipHeight
}

// TipHeader returns the full header of the current tip.
func (s *State) TipHeader() (database.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.blocks[s.tipHash]
	if !ok {
		return database.BlockHeader{}, fmt.Errorf("state: no tip yet")
	}
	return bd.Header, nil
}

// BestDifficulty returns the tip's difficulty -- the difficulty a
// miner must beat to win the next block, absent a retarget at the
// next height boundary.
func (s *State) BestDifficulty() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.blocks[s.tipHash]
	if !ok {
		return s.genesis.InitDifficulty
	}
	return bd.Header.Difficulty
}

// CumulativeDifficulty returns a copy of the active chain's summed
// difficulty.
func (s *State) CumulativeDifficulty() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.cumDiff)
}

// NextEpochChallenge returns the epoch number and challenge a block
// extending the current tip must declare.
func (s *State) NextEpochChallenge() (epoch uint64, ch signature.Hash32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip, ok := s.blocks[s.tipHash]
	if !ok {
		return 0, signature.Hash32{}, fmt.Errorf("state: no tip yet")
	}
	epoch = tip.Header.Epoch + 1
	return epoch, challenge.Derive(s.tipHash, epoch), nil
}

// Ledger returns a snapshot of the account ledger as of the current tip.
func (s *State) Ledger() database.Ledger {
	return s.db.Copy()
}

// MempoolTxSource satisfies database.TxSource for the builder.
func (s *State) MempoolTxSource() database.TxSource { return s.mempool }

// Builder returns the block builder wired to this state's signer and
// validator.
func (s *State) Builder() *database.Builder { return s.builder }

// MaxTxsPerBlock returns the configured per-block transaction cap.
func (s *State) MaxTxsPerBlock() int { return s.maxTxs }

// SubmitTx validates and admits tx into the mempool against the
// current tip's ledger.
func (s *State) SubmitTx(tx database.SignedTx) error {
	return s.mempool.Submit(tx, s.Ledger())
}

// ExpectedDifficulty computes the difficulty a block extending parent
// must declare: unchanged between retarget boundaries, recomputed via
// the dampened formula at height%N==0.
func (s *State) ExpectedDifficulty(parent database.BlockHeader) (uint64, error) {
	height := parent.Height + 1
	if !difficulty.IsRetargetHeight(s.diffCfg, height) {
		return parent.Difficulty, nil
	}

	steps := s.diffCfg.AdjustmentIntervalBlocks
	if steps > 0 {
		steps--
	}
	intervalStart, err := s.headerNBack(parent, steps)
	if err != nil {
		return 0, err
	}
	return difficulty.Retarget(s.diffCfg, parent.Difficulty, intervalStart.Timestamp, parent.Timestamp), nil
}

// headerNBack walks n parent links back from from, stopping early at
// genesis. Caller must hold at least a read lock (or call only during
// AcceptBlock, which holds the write lock).
func (s *State) headerNBack(from database.BlockHeader, n uint64) (database.BlockHeader, error) {
	cur := from
	for i := uint64(0); i < n && cur.Height > 0; i++ {
		bd, ok := s.blocks[cur.ParentHash]
		if !ok {
			return database.BlockHeader{}, fmt.Errorf("state: missing ancestor %s", cur.ParentHash)
		}
		cur = bd.Header
	}
	return cur, nil
}

// AcceptBlock validates block, records it, and -- if its branch's
// cumulative difficulty now strictly exceeds the active chain's --
// performs a reorg to make it (or its branch) the new tip. Ties keep
// the current tip. A block already known is accepted idempotently.
func (s *State) AcceptBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bd := database.NewBlockData(block)
	hash := bd.Hash

	if _, exists := s.blocks[hash]; exists {
		return nil
	}

	isGenesis := block.Header.Height == 0
	var parent database.BlockData
	if !isGenesis {
		var ok bool
		parent, ok = s.blocks[block.Header.ParentHash]
		if !ok {
			return &berrors.ReorgError{Kind: berrors.CommonAncestorNotFound, Err: fmt.Errorf("unknown parent %s", block.Header.ParentHash)}
		}
	}

	exp := database.Expectation{IsGenesis: isGenesis}
	var ledgerAtParent database.Ledger
	if isGenesis {
		exp.Difficulty = s.genesis.InitDifficulty
		ledgerAtParent = make(database.Ledger)
	} else {
		d, err := s.ExpectedDifficulty(parent.Header)
		if err != nil {
			return err
		}
		exp.Difficulty = d
		exp.Epoch = parent.Header.Epoch + 1
		exp.Challenge = challenge.Derive(block.Header.ParentHash, exp.Epoch)

		ledgerAtParent, err = s.replayLedger(parent.Header)
		if err != nil {
			return err
		}
	}

	if err := s.validator.Validate(block, parent.Header, ledgerAtParent, exp); err != nil {
		return err
	}

	parentCum := big.NewInt(0)
	if !isGenesis {
		parentCum = s.blockCum[block.Header.ParentHash]
	}
	cum := new(big.Int).Add(parentCum, new(big.Int).SetUint64(block.Header.Difficulty))

	s.blocks[hash] = bd
	s.blockCum[hash] = cum
	if err := s.persistBlock(bd); err != nil {
		return err
	}

	switch {
	case isGenesis:
		if err := s.setActiveTip(hash, bd, cum, signature.Hash32{}); err != nil {
			return err
		}
		s.evHandler("genesis block accepted: height[0]")

	case cum.Cmp(s.cumDiff) > 0:
		if err := s.reorgTo(hash); err != nil {
			return err
		}
		s.evHandler("block accepted: height[%d] hash[%s] cumulative_difficulty[%s]", block.Header.Height, hash, cum)

	default:
		s.evHandler("block recorded on non-active branch: height[%d] hash[%s]", block.Header.Height, hash)
	}

	for _, tx := range block.MerkleTree.Values() {
		s.mempool.Remove(tx.Hash())
	}

	return nil
}

// replayLedger recomputes the account ledger as of upTo by walking
// upTo's branch back to genesis and re-applying every block's
// transactions in order. This trades recompute cost for never needing
// per-block undo records, matching the spec's documented alternative
// ("reversing each block's account deltas ... or recomputed from the
// block").
func (s *State) replayLedger(upTo database.BlockHeader) (database.Ledger, error) {
	var chain []database.BlockData
	cur := upTo
	for {
		bd, ok := s.blocks[cur.Hash()]
		if !ok {
			return nil, fmt.Errorf("state: missing block %s during replay", cur.Hash())
		}
		chain = append(chain, bd)
		if cur.Height == 0 {
			break
		}
		parent, ok := s.blocks[cur.ParentHash]
		if !ok {
			return nil, fmt.Errorf("state: missing ancestor %s during replay", cur.ParentHash)
		}
		cur = parent.Header
	}

	ledger, err := database.SeedLedger(s.genesis)
	if err != nil {
		return nil, fmt.Errorf("state: seed ledger for replay: %w", err)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, tx := range chain[i].Trans {
			if err := ledger.Apply(tx.Tx); err != nil {
				return nil, fmt.Errorf("state: replay inconsistency at block %s: %w", chain[i].Hash, err)
			}
		}
	}
	return ledger, nil
}

// reorgTo switches the active chain to end at newTipHash, which must
// already be recorded in s.blocks with a strictly greater cumulative
// difficulty than the current tip.
func (s *State) reorgTo(newTipHash signature.Hash32) error {
	newTip := s.blocks[newTipHash]
	ancestor, removed, added, err := s.findReorgPath(s.tipHash, newTipHash)
	if err != nil {
		return &berrors.ReorgError{Kind: berrors.CommonAncestorNotFound, Err: err}
	}

	ledger, err := s.replayLedger(newTip.Header)
	if err != nil {
		return &berrors.ReorgError{Kind: berrors.InconsistentState, Err: err}
	}

	for _, h := range removed {
		s.orphaned[h] = true
	}
	for _, h := range added {
		s.orphaned[h] = false
		s.heightIdx[s.blocks[h].Header.Height] = h
	}
	// The old branch may have reached a greater height than the new
	// tip even while losing on cumulative difficulty; any such
	// dangling heightIdx entries no longer have a non-orphaned block.
	for h := newTip.Header.Height + 1; ; h++ {
		if _, ok := s.heightIdx[h]; !ok {
			break
		}
		delete(s.heightIdx, h)
	}

	s.setLedger(ledger)
	return s.setActiveTip(newTipHash, newTip, s.blockCum[newTipHash], ancestor)
}

// findReorgPath walks both branches back to their common ancestor,
// returning it along with the old-tip-side blocks to orphan and the
// new-tip-side blocks to activate, both ordered root-ward-to-tip.
func (s *State) findReorgPath(oldTip, newTip signature.Hash32) (ancestor signature.Hash32, removed, added []signature.Hash32, err error) {
	if oldTip == (signature.Hash32{}) && s.tipHeight < 0 {
		return newTip, nil, nil, nil
	}

	oldChain, err := s.chainToGenesis(oldTip)
	if err != nil {
		return signature.Hash32{}, nil, nil, err
	}
	newChain, err := s.chainToGenesis(newTip)
	if err != nil {
		return signature.Hash32{}, nil, nil, err
	}

	oldSet := make(map[signature.Hash32]int, len(oldChain))
	for i, h := range oldChain {
		oldSet[h] = i
	}

	for _, h := range newChain {
		if idx, ok := oldSet[h]; ok {
			ancestor = h
			removed = reverse(oldChain[:idx])
			added = reverse(newChainUpTo(newChain, h))
			return ancestor, removed, added, nil
		}
	}

	return signature.Hash32{}, nil, nil, fmt.Errorf("no common ancestor between %s and %s", oldTip, newTip)
}

// chainToGenesis returns tip's ancestry as [tip, parent, ..., genesis].
func (s *State) chainToGenesis(tip signature.Hash32) ([]signature.Hash32, error) {
	var out []signature.Hash32
	cur := tip
	for {
		bd, ok := s.blocks[cur]
		if !ok {
			return nil, fmt.Errorf("missing block %s", cur)
		}
		out = append(out, cur)
		if bd.Header.Height == 0 {
			return out, nil
		}
		cur = bd.Header.ParentHash
	}
}

func newChainUpTo(chain []signature.Hash32, ancestor signature.Hash32) []signature.Hash32 {
	for i, h := range chain {
		if h == ancestor {
			return chain[:i]
		}
	}
	return chain
}

func reverse(hashes []signature.Hash32) []signature.Hash32 {
	out := make([]signature.Hash32, len(hashes))
	for i, h := range hashes {
		out[len(hashes)-1-i] = h
	}
	return out
}

// setLedger swaps the committed database's ledger wholesale, used
// after a reorg recomputes it from scratch.
func (s *State) setLedger(l database.Ledger) {
	s.db.SetLedger(l)
}

// setActiveTip updates in-memory and persisted chain-state pointers.
func (s *State) setActiveTip(hash signature.Hash32, bd database.BlockData, cum *big.Int, _ signature.Hash32) error {
	s.tipHash = hash
	s.tipHeight = int64(bd.Header.Height)
	s.cumDiff = cum
	s.blockCum[hash] = cum
	s.heightIdx[bd.Header.Height] = hash
	s.orphaned[hash] = false
	return s.persistTipMetadata()
}

func (s *State) persistBlock(bd database.BlockData) error {
	b := s.storage.NewBatch()
	b.Put(storage.CFBlocks, "h:"+bd.Hash.String(), bd.Header.Encode())
	b.Put(storage.CFBlocks, "b:"+bd.Hash.String(), database.EncodeBody(bd.Trans))
	if err := s.storage.Commit(b); err != nil {
		return fmt.Errorf("state: persist block %s: %w", bd.Hash, err)
	}
	return nil
}

func (s *State) persistTipMetadata() error {
	b := s.storage.NewBatch()
	b.Put(storage.CFMetadata, storage.KeyBestBlockHash, s.tipHash[:])
	var heightBuf [8]byte
	be := uint64(s.tipHeight)
	for i := 0; i < 8; i++ {
		heightBuf[i] = byte(be >> (8 * i))
	}
	b.Put(storage.CFMetadata, storage.KeyChainHeight, heightBuf[:])
	b.Put(storage.CFMetadata, storage.CumulativeDifficultyKey(s.tipHash.String()), s.cumDiff.Bytes())
	if err := s.storage.Commit(b); err != nil {
		return fmt.Errorf("state: persist tip metadata at height %d: %w", s.tipHeight, err)
	}
	return nil
}
