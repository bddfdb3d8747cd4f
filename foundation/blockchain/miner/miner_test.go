package miner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/difficulty"
	"github.com/wtran29/spacetime/foundation/blockchain/genesis"
	"github.com/wtran29/spacetime/foundation/blockchain/mempool"
	"github.com/wtran29/spacetime/foundation/blockchain/peer"
	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/plotmgr"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
	"github.com/wtran29/spacetime/foundation/blockchain/state"
	"github.com/wtran29/spacetime/foundation/blockchain/storage"
)

// testGenesis mirrors package state's test fixture: difficulty low
// enough that a full-plot scan always finds a qualifying leaf, and an
// epoch window generous enough that these tests never race it.
func testGenesis() genesis.Genesis {
	return genesis.Genesis{
		NetworkID:      "testnet",
		Date:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		InitDifficulty: 1,
		EpochDuration:  10 * time.Second,
	}
}

func newTestChainState(t *testing.T) *state.State {
	t.Helper()
	signer, err := signature.GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %s", err)
	}
	st, err := state.New(state.Config{
		Signer:           signer,
		Storage:          storage.NewMemory(),
		Genesis:          testGenesis(),
		MempoolConfig:    mempool.DefaultConfig(),
		DifficultyConfig: difficulty.Config{TargetBlockTimeSeconds: 10, AdjustmentIntervalBlocks: 1_000_000, DampeningFactor: 4, MinDifficulty: 1, MaxDifficulty: 1 << 40},
		MaxTxsPerBlock:   500,
	})
	if err != nil {
		t.Fatalf("state.New: %s", err)
	}
	return st
}

func newTestPlotManager(t *testing.T, seedByte byte) *plotmgr.Manager {
	t.Helper()
	dir := t.TempDir()
	var seed, pubKey [32]byte
	seed[0] = seedByte

	path := filepath.Join(dir, "fleet.plot")
	if _, err := plot.Create(plot.Config{
		SizeBytes:   plot.MinPlotSizeBytes,
		MinerPubKey: pubKey,
		PlotSeed:    seed,
		OutputPath:  path,
	}, nil); err != nil {
		t.Fatalf("plot.Create: %s", err)
	}

	mgr, warnings, err := plotmgr.Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("plotmgr.Open: %s", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("plotmgr.Open warnings: %v", warnings)
	}
	if _, err := mgr.AddPlot(path); err != nil {
		t.Fatalf("AddPlot: %s", err)
	}
	return mgr
}

func newStandaloneMiner(t *testing.T, st *state.State, mgr *plotmgr.Manager) *Miner {
	t.Helper()
	signer, err := signature.GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %s", err)
	}
	m, err := New(Config{
		Signer:              signer,
		PlotManager:         mgr,
		State:               st,
		Genesis:             testGenesis(),
		ScanningConfig:      proof.ScanningConfig{},
		MaxConcurrentProofs: 1,
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return m
}

func TestNewRejectsMockSignerUnlessAllowed(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x01)

	if _, err := New(Config{Signer: signature.MockSigner{}, PlotManager: mgr, State: st}); err == nil {
		t.Errorf("New() with a MockSigner and AllowMockSigner=false should be rejected")
	}
	if _, err := New(Config{Signer: signature.MockSigner{}, AllowMockSigner: true, PlotManager: mgr, State: st}); err != nil {
		t.Errorf("New() with a MockSigner and AllowMockSigner=true should succeed, got %s", err)
	}
}

// TestStandaloneModeBootsWithoutASession is the documented standalone
// configuration: no Dial and no pre-supplied Session. boot must not
// reject this, and the miner must end up Connected.
func TestStandaloneModeBootsWithoutASession(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x02)
	m := newStandaloneMiner(t, st, mgr)

	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot() in standalone mode: %s", err)
	}
	if got := m.Phase(); got != PhaseConnected {
		t.Errorf("Phase() after standalone boot = %s, want %s", got, PhaseConnected)
	}
}

// TestMineOneEpochStandaloneMinesAndAcceptsABlock drives a single
// epoch end to end with no network session: the miner must scan its
// fleet, build a block, and accept it onto its own chain view.
func TestMineOneEpochStandaloneMinesAndAcceptsABlock(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x03)
	m := newStandaloneMiner(t, st, mgr)

	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot: %s", err)
	}
	if err := m.mineOneEpoch(context.Background()); err != nil {
		t.Fatalf("mineOneEpoch: %s", err)
	}

	_, height := st.Tip()
	if height != 1 {
		t.Errorf("tip height after mining one epoch = %d, want 1", height)
	}

	counters := m.Counters()
	if counters.ProofsGenerated != 1 {
		t.Errorf("ProofsGenerated = %d, want 1", counters.ProofsGenerated)
	}
	if counters.BlocksWon != 1 {
		t.Errorf("BlocksWon = %d, want 1", counters.BlocksWon)
	}
	if counters.ProofsSubmitted != 0 {
		t.Errorf("ProofsSubmitted = %d, want 0 (no session in standalone mode)", counters.ProofsSubmitted)
	}
	if got := m.Phase(); got != PhaseMining {
		t.Errorf("Phase() after a successful epoch = %s, want %s", got, PhaseMining)
	}
}

// TestMineOneEpochSubmitsAndBroadcastsOverASession asserts that, when
// a Session is present, a winning block is both submitted as a proof
// and broadcast once accepted.
func TestMineOneEpochSubmitsAndBroadcastsOverASession(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x04)
	session := peer.NewChannelSession(1)
	defer session.Close()

	signer, err := signature.GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %s", err)
	}
	m, err := New(Config{
		Signer:              signer,
		Session:             session,
		PlotManager:         mgr,
		State:               st,
		Genesis:             testGenesis(),
		ScanningConfig:      proof.ScanningConfig{},
		MaxConcurrentProofs: 1,
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot: %s", err)
	}
	if err := m.mineOneEpoch(context.Background()); err != nil {
		t.Fatalf("mineOneEpoch: %s", err)
	}

	select {
	case <-session.Submitted():
	default:
		t.Errorf("expected a proof submission over the session")
	}
	select {
	case <-session.Broadcast():
	default:
		t.Errorf("expected a block broadcast over the session")
	}
}

// TestMineOneEpochSkipsBuildWhenScoreDoesNotBeatTarget is spec §4.11
// step 4: a best proof that does not beat target_for(current
// difficulty) must not be assembled into a block, broadcast, or
// accepted — only the metrics tracker records the attempt. Genesis
// difficulty is set high enough (2^40, over a 2^20-leaf plot) that no
// leaf can plausibly qualify, so this never races a real win.
func TestMineOneEpochSkipsBuildWhenScoreDoesNotBeatTarget(t *testing.T) {
	gen := testGenesis()
	gen.InitDifficulty = 1 << 40

	signer, err := signature.GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %s", err)
	}
	st, err := state.New(state.Config{
		Signer:           signer,
		Storage:          storage.NewMemory(),
		Genesis:          gen,
		MempoolConfig:    mempool.DefaultConfig(),
		DifficultyConfig: difficulty.Config{TargetBlockTimeSeconds: 10, AdjustmentIntervalBlocks: 1_000_000, DampeningFactor: 4, MinDifficulty: 1, MaxDifficulty: 1 << 40},
		MaxTxsPerBlock:   500,
	})
	if err != nil {
		t.Fatalf("state.New: %s", err)
	}

	mgr := newTestPlotManager(t, 0x07)
	m := newStandaloneMiner(t, st, mgr)
	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot: %s", err)
	}
	if err := m.mineOneEpoch(context.Background()); err != nil {
		t.Fatalf("mineOneEpoch: %s", err)
	}

	if _, height := st.Tip(); height != 0 {
		t.Errorf("tip height = %d, want 0 (no block should have been assembled)", height)
	}

	counters := m.Counters()
	if counters.ProofsGenerated != 1 {
		t.Errorf("ProofsGenerated = %d, want 1", counters.ProofsGenerated)
	}
	if counters.BlocksWon != 0 {
		t.Errorf("BlocksWon = %d, want 0 (losing proof must not be assembled)", counters.BlocksWon)
	}
	if counters.ProofsSubmitted != 0 {
		t.Errorf("ProofsSubmitted = %d, want 0 (no session in standalone mode)", counters.ProofsSubmitted)
	}
}

// TestWatchForNewerEpochCancelsOnTipChange is spec scenario 6 at the
// miner level: a block accepted elsewhere mid-scan must cancel the
// in-flight scan promptly rather than let it run out the full epoch
// window.
func TestWatchForNewerEpochCancelsOnTipChange(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x05)
	m := newStandaloneMiner(t, st, mgr)
	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot: %s", err)
	}

	miningEpoch, _, err := st.NextEpochChallenge()
	if err != nil {
		t.Fatalf("NextEpochChallenge: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.watchForNewerEpoch(ctx, cancel, miningEpoch)
		close(done)
	}()

	// Mine and accept one real block directly, advancing the tip (and
	// therefore the next epoch) out from under the watcher.
	if err := m.mineOneEpoch(context.Background()); err != nil {
		t.Fatalf("mineOneEpoch: %s", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchForNewerEpoch did not cancel within 2s of the tip advancing")
	}

	if ctx.Err() == nil {
		t.Errorf("ctx should have been cancelled once the epoch advanced")
	}
}

// TestReconnectSucceedsImmediatelyWhenDialSucceeds exercises the
// backoff-wrapped reconnect path without ever actually retrying.
func TestReconnectSucceedsImmediatelyWhenDialSucceeds(t *testing.T) {
	st := newTestChainState(t)
	mgr := newTestPlotManager(t, 0x06)
	signer, err := signature.GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %s", err)
	}

	session := peer.NewChannelSession(1)
	defer session.Close()
	dialCalls := 0
	m, err := New(Config{
		Signer: signer,
		Dial: func(ctx context.Context) (peer.Session, error) {
			dialCalls++
			return session, nil
		},
		PlotManager:         mgr,
		State:               st,
		Genesis:             testGenesis(),
		ScanningConfig:      proof.ScanningConfig{},
		MaxConcurrentProofs: 1,
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	if err := m.boot(context.Background()); err != nil {
		t.Fatalf("boot: %s", err)
	}
	if got := m.Phase(); got != PhaseConnected {
		t.Errorf("Phase() after boot = %s, want %s", got, PhaseConnected)
	}
	if dialCalls != 1 {
		t.Errorf("Dial was called %d times, want 1", dialCalls)
	}
}
