// Package miner drives the control loop a mining process runs: boot
// with retry, subscribe to accepted-block notifications, scan the
// plot fleet for each epoch's challenge with bounded concurrency and
// cooperative cancellation, and submit/broadcast a winning block.
//
// The loop is decoupled from package state's concrete type through
// ChainView, resolving the miner/chain-state dependency the design
// notes call out: the miner only ever needs a read/accept view of the
// chain, never state's internal reorg machinery.
package miner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/database"
	"github.com/wtran29/spacetime/foundation/blockchain/difficulty"
	"github.com/wtran29/spacetime/foundation/blockchain/genesis"
	"github.com/wtran29/spacetime/foundation/blockchain/peer"
	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/plotmgr"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// Phase is the miner's current control-loop state.
type Phase string

// Recognized phases, matching the documented state machine:
// Idle -> Booting -> Connected -> Mining <-> ProofTimeout <-> Reconnecting -> Stopped.
const (
	PhaseIdle          Phase = "idle"
	PhaseBooting       Phase = "booting"
	PhaseConnected     Phase = "connected"
	PhaseMining        Phase = "mining"
	PhaseProofTimeout  Phase = "proof_timeout"
	PhaseReconnecting  Phase = "reconnecting"
	PhaseStopped       Phase = "stopped"
)

// ChainView is the read/accept surface the miner needs from the
// node's chain state, kept narrow so the miner never reaches into
// state's reorg internals. *state.State satisfies this interface.
type ChainView interface {
	TipHeader() (database.BlockHeader, error)
	NextEpochChallenge() (epoch uint64, ch signature.Hash32, err error)
	ExpectedDifficulty(parent database.BlockHeader) (uint64, error)
	Ledger() database.Ledger
	MempoolTxSource() database.TxSource
	Builder() *database.Builder
	MaxTxsPerBlock() int
	AcceptBlock(block database.Block) error
}

// EventHandler receives human-readable progress notifications,
// matching the teacher's EventHandler callback convention used
// elsewhere in this codebase.
type EventHandler func(v string, args ...any)

// Config bundles everything a Miner needs to run.
type Config struct {
	Signer          signature.Signer
	AllowMockSigner bool

	// Dial establishes a fresh Session, retried with backoff during the
	// boot sequence and after a connection loss. If nil, Session is
	// used as-is and Reconnecting is never entered.
	Dial    func(ctx context.Context) (peer.Session, error)
	Session peer.Session

	PlotManager    *plotmgr.Manager
	State          ChainView
	Genesis        genesis.Genesis
	ScanningConfig proof.ScanningConfig

	MaxConcurrentProofs int
	EvHandler           EventHandler
}

// Counters are the observability metrics the control loop maintains.
type Counters struct {
	ChallengesReceived atomic.Uint64
	ProofsGenerated    atomic.Uint64
	ProofsSubmitted    atomic.Uint64
	BlocksWon          atomic.Uint64
}

// Snapshot is a point-in-time read of Counters.
type Snapshot struct {
	ChallengesReceived uint64
	ProofsGenerated    uint64
	ProofsSubmitted    uint64
	BlocksWon          uint64
}

// Miner runs the boot/mine/submit control loop described in the
// package doc. One Miner drives one plot fleet against one chain.
type Miner struct {
	cfg Config

	mu      sync.Mutex
	phase   Phase
	session peer.Session
	cancel  context.CancelFunc

	counters Counters
	stopped  chan struct{}
}

// New validates cfg and constructs a Miner. Production configs must
// not carry a MockSigner unless AllowMockSigner is explicitly set.
func New(cfg Config) (*Miner, error) {
	if _, ok := cfg.Signer.(signature.MockSigner); ok && !cfg.AllowMockSigner {
		return nil, fmt.Errorf("%w: refusing to mine with a MockSigner (set AllowMockSigner for tests)", berrors.ErrInvalidConfig)
	}
	if cfg.MaxConcurrentProofs < 1 {
		cfg.MaxConcurrentProofs = 1
	}
	return &Miner{cfg: cfg, phase: PhaseIdle, session: cfg.Session, stopped: make(chan struct{})}, nil
}

// Phase returns the miner's current control-loop phase.
func (m *Miner) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Counters returns a snapshot of the observability counters.
func (m *Miner) Counters() Snapshot {
	return Snapshot{
		ChallengesReceived: m.counters.ChallengesReceived.Load(),
		ProofsGenerated:    m.counters.ProofsGenerated.Load(),
		ProofsSubmitted:    m.counters.ProofsSubmitted.Load(),
		BlocksWon:          m.counters.BlocksWon.Load(),
	}
}

func (m *Miner) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.event("phase: %s", p)
}

func (m *Miner) event(v string, args ...any) {
	if m.cfg.EvHandler != nil {
		m.cfg.EvHandler(v, args...)
	}
}

// Run executes the control loop until ctx is cancelled or Stop is
// called. A panic raised in Run's own goroutine (boot, the epoch loop,
// block assembly) is recovered and returned as an error with the phase
// set to Stopped rather than crashing the process, mirroring the
// teacher's defensive top-level recover around its mining goroutine.
func (m *Miner) Run(ctx context.Context) (err error) {
	defer close(m.stopped)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("miner: recovered from panic: %v", r)
			m.setPhase(PhaseStopped)
		}
	}()

	if err := m.boot(ctx); err != nil {
		m.setPhase(PhaseStopped)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.setPhase(PhaseStopped)
			return ctx.Err()
		default:
		}

		if err := m.mineOneEpoch(ctx); err != nil {
			if ctx.Err() != nil {
				m.setPhase(PhaseStopped)
				return ctx.Err()
			}
			m.event("epoch mining error: %s", err)
			if m.cfg.Dial != nil {
				m.setPhase(PhaseReconnecting)
				if err := m.reconnect(ctx); err != nil {
					m.setPhase(PhaseStopped)
					return err
				}
				continue
			}
		}
	}
}

// Stop requests a graceful shutdown and blocks until Run returns.
func (m *Miner) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-m.stopped
}

// boot establishes a Session when Dial is configured. A nil Dial with
// no pre-supplied Session is a valid standalone configuration: the
// miner mines and accepts its own blocks but never submits or
// broadcasts anything (every Session use elsewhere checks for nil).
func (m *Miner) boot(ctx context.Context) error {
	m.setPhase(PhaseBooting)

	if m.cfg.Dial != nil {
		if err := m.reconnect(ctx); err != nil {
			return err
		}
	}

	m.setPhase(PhaseConnected)
	return nil
}

// reconnect (re)establishes a Session with exponential backoff,
// bounded by ctx's deadline/cancellation if any.
func (m *Miner) reconnect(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var session peer.Session
	op := func() error {
		s, err := m.cfg.Dial(ctx)
		if err != nil {
			return fmt.Errorf("%w: dial: %s", berrors.ErrNetwork, err)
		}
		session = s
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("miner: reconnect: %w", err)
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	m.setPhase(PhaseConnected)
	return nil
}

// mineOneEpoch waits for (or already knows) the current epoch's
// challenge, scans the plot fleet for it with cancellation as soon as
// a newer epoch or timeout supersedes it, and submits/broadcasts a
// winning block.
func (m *Miner) mineOneEpoch(ctx context.Context) error {
	epoch, ch, err := m.cfg.State.NextEpochChallenge()
	if err != nil {
		return fmt.Errorf("miner: next epoch challenge: %w", err)
	}
	m.counters.ChallengesReceived.Add(1)
	m.setPhase(PhaseMining)

	scanCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	deadline := m.epochDeadline()
	if deadline > 0 {
		var timeoutCancel context.CancelFunc
		scanCtx, timeoutCancel = context.WithTimeout(scanCtx, deadline)
		defer timeoutCancel()
	}

	go m.watchForNewerEpoch(scanCtx, cancel, epoch)

	strategyFor := func(leafCount uint64) proof.Strategy {
		return proof.NewFullScan(leafCount)
	}

	best, err := m.cfg.PlotManager.GenerateProof(scanCtx, ch, strategyFor, m.cfg.ScanningConfig, m.cfg.MaxConcurrentProofs)
	if err != nil && scanCtx.Err() == nil {
		return fmt.Errorf("miner: generate proof: %w", err)
	}
	if best == nil {
		m.setPhase(PhaseProofTimeout)
		m.event("epoch %d: no proof found before cancellation", epoch)
		return nil
	}

	m.counters.ProofsGenerated.Add(1)
	return m.submitAndAssemble(ctx, epoch, ch, *best)
}

// epochDeadline derives the per-epoch scan budget from genesis
// configuration, falling back to the package default when unset.
func (m *Miner) epochDeadline() time.Duration {
	if m.cfg.Genesis.EpochDuration > 0 {
		return m.cfg.Genesis.EpochDuration
	}
	return 10 * time.Second
}

// watchForNewerEpoch polls for a tip change and cancels the scan as
// soon as the expected epoch moves past the one being mined, so a
// block accepted from elsewhere during our own scan doesn't waste the
// remainder of the epoch window.
func (m *Miner) watchForNewerEpoch(ctx context.Context, cancel context.CancelFunc, miningEpoch uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch, _, err := m.cfg.State.NextEpochChallenge()
			if err == nil && epoch != miningEpoch {
				cancel()
				return
			}
		}
	}
}

func (m *Miner) submitAndAssemble(ctx context.Context, epoch uint64, ch signature.Hash32, p proof.Proof) error {
	handle, ok := m.cfg.PlotManager.HandleFor(p.PlotID)
	if !ok {
		return fmt.Errorf("miner: winning plot %s no longer registered", p.PlotID)
	}

	blockProof := proof.BlockProof{
		Proof: p,
		Metadata: proof.BlockPlotMetadata{
			LeafCount:      handle.LeafCount(),
			PlotID:         signature.Hash([]byte(p.PlotID)),
			PlotHeaderHash: plotHeaderHash(handle),
			Version:        1,
		},
	}

	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session != nil {
		if err := session.SubmitProof(ctx, peer.ProofSubmission{Epoch: epoch, Challenge: ch, BlockProof: blockProof}); err != nil {
			return fmt.Errorf("miner: submit proof: %w", err)
		}
		m.counters.ProofsSubmitted.Add(1)
	}

	tip, err := m.cfg.State.TipHeader()
	if err != nil {
		return fmt.Errorf("miner: tip header: %w", err)
	}
	expectedDifficulty, err := m.cfg.State.ExpectedDifficulty(tip)
	if err != nil {
		return fmt.Errorf("miner: expected difficulty: %w", err)
	}

	// A proof that doesn't beat the current target is not a win: keep
	// the ProofsGenerated/ProofsSubmitted counters as the only record
	// of the attempt and return without building or submitting a block.
	target := difficulty.TargetFor(expectedDifficulty)
	if !p.Score.Less(target) {
		m.event("epoch %d: proof score %x does not beat target %x", epoch, p.Score, target)
		return nil
	}

	req := database.BuildRequest{
		ParentHash: tip.Hash(),
		Height:     tip.Height + 1,
		Difficulty: expectedDifficulty,
		Epoch:      epoch,
		Challenge:  ch,
		PlotRoot:   p.PlotMerkleRoot,
		ProofScore: p.Score,
		BlockProof: blockProof,
		MaxTxs:     m.cfg.State.MaxTxsPerBlock(),
	}

	block, err := m.cfg.State.Builder().Build(req, m.cfg.State.MempoolTxSource(), tip, m.cfg.State.Ledger())
	if err != nil {
		return fmt.Errorf("miner: build block: %w", err)
	}

	if err := m.cfg.State.AcceptBlock(block); err != nil {
		return fmt.Errorf("miner: accept own block: %w", err)
	}
	m.counters.BlocksWon.Add(1)

	if session != nil {
		encoded := append(block.Header.Encode(), database.EncodeBody(block.MerkleTree.Values())...)
		if err := session.BroadcastBlock(ctx, peer.BlockBytes(encoded)); err != nil {
			m.event("broadcast failed: %s", err)
		}
	}

	return nil
}

// plotHeaderHash returns the winning plot's header checksum, the
// fixed reference a validator can use to confirm the proof came from
// the plot it claims without holding the plot file itself.
func plotHeaderHash(h *plot.Handle) signature.Hash32 {
	if c := h.Header().Checksum; c != nil {
		return *c
	}
	return signature.Hash32{}
}
