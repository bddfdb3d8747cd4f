// Package challenge implements the per-epoch challenge derivation and
// lifecycle: deriving a challenge from the parent block and epoch
// number, tracking epoch expiry, and validating a challenge against
// the epoch it claims to belong to.
package challenge

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// DefaultEpochDuration is the default window miners race within for a
// single challenge.
const DefaultEpochDuration = 10 * time.Second

// genesisDomain is mixed into the genesis challenge so distinct
// networks never share a genesis challenge by coincidence.
const genesisDomain = "spacetime-genesis"

// Genesis derives the genesis challenge for a network id.
func Genesis(networkID string) signature.Hash32 {
	return signature.HashConcat([]byte(genesisDomain), []byte(networkID))
}

// Derive computes challenge_e = H(parent_block_hash || e_u64_le).
func Derive(parentHash signature.Hash32, epoch uint64) signature.Hash32 {
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], epoch)
	return signature.HashConcat(parentHash[:], e[:])
}

// Machine owns the single current-epoch state for a node. There is no
// process-wide "current epoch" global; every consumer (miner,
// builder, validator) holds a reference to one Machine instance.
type Machine struct {
	mu sync.Mutex

	epochDuration time.Duration

	currentEpoch     uint64
	currentChallenge signature.Hash32
	epochStart       time.Time
	parentHash       signature.Hash32
}

// Config configures a new Machine.
type Config struct {
	NetworkID     string
	EpochDuration time.Duration
}

// New constructs a Machine seeded with the genesis challenge at epoch 0.
func New(cfg Config) *Machine {
	duration := cfg.EpochDuration
	if duration <= 0 {
		duration = DefaultEpochDuration
	}
	return &Machine{
		epochDuration:    duration,
		currentEpoch:     0,
		currentChallenge: Genesis(cfg.NetworkID),
		epochStart:       time.Now(),
	}
}

// AdvanceEpoch increments the epoch, recomputes the challenge from
// parentHash, and resets the epoch clock. Called once per accepted
// block; Machine serializes concurrent callers so an observer always
// sees epochs increase strictly monotonically (except across Reset).
func (m *Machine) AdvanceEpoch(parentHash signature.Hash32) (epoch uint64, ch signature.Hash32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentEpoch++
	m.parentHash = parentHash
	m.currentChallenge = Derive(parentHash, m.currentEpoch)
	m.epochStart = time.Now()

	return m.currentEpoch, m.currentChallenge
}

// Reset rewinds the machine to an explicit epoch/challenge/start,
// used only to roll back the challenge state during a reorg.
func (m *Machine) Reset(epoch uint64, ch signature.Hash32, start time.Time, parentHash signature.Hash32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentEpoch = epoch
	m.currentChallenge = ch
	m.epochStart = start
	m.parentHash = parentHash
}

// Snapshot is a point-in-time read of the Machine's state.
type Snapshot struct {
	Epoch      uint64
	Challenge  signature.Hash32
	EpochStart time.Time
	ParentHash signature.Hash32
}

// Current returns a consistent snapshot of the machine's state.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Epoch:      m.currentEpoch,
		Challenge:  m.currentChallenge,
		EpochStart: m.epochStart,
		ParentHash: m.parentHash,
	}
}

// TimeRemainingInEpoch returns how long remains before the current
// epoch expires. A negative duration means the epoch already expired.
func (m *Machine) TimeRemainingInEpoch() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.epochStart)
	return m.epochDuration - elapsed
}

// IsExpired reports whether the current epoch's duration has elapsed.
func (m *Machine) IsExpired() bool {
	return m.TimeRemainingInEpoch() <= 0
}

// ValidateChallengeForEpoch reports whether ch is the correct
// challenge for epoch given parentHash, independent of the Machine's
// own current state -- used by the block validator to check a block
// proposed by someone else.
func ValidateChallengeForEpoch(ch signature.Hash32, epoch uint64, parentHash signature.Hash32) bool {
	if epoch == 0 {
		return false // genesis challenges are validated via Genesis, not this path
	}
	return ch == Derive(parentHash, epoch)
}
