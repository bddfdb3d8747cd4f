// Package difficulty converts between the human-readable difficulty
// integer carried in a block header and the 256-bit target that
// proof scores are compared against, and implements the dampened
// retarget rule applied at adjustment-interval boundaries. This is
// the single place that formula is expressed; every other package
// compares scores against a target produced by TargetFor.
package difficulty

import (
	"math/big"

	"github.com/wtran29/spacetime/foundation/blockchain/berrors"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// maxTarget256 is 2^256 - 1.
var maxTarget256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config holds the retarget parameters for a chain.
type Config struct {
	TargetBlockTimeSeconds  int64
	AdjustmentIntervalBlocks uint64
	DampeningFactor         uint64 // F >= 1
	MinDifficulty           uint64
	MaxDifficulty           uint64
}

// DefaultConfig mirrors the spec's typical values: 10s blocks, a
// 100-block retarget window, and a dampening factor of 4.
func DefaultConfig() Config {
	return Config{
		TargetBlockTimeSeconds:   10,
		AdjustmentIntervalBlocks: 100,
		DampeningFactor:          4,
		MinDifficulty:            1,
		MaxDifficulty:            1 << 40,
	}
}

// TargetFor computes T = (2^256 - 1) / D as a 32-byte big-endian
// value. Higher D means lower T means a harder target to beat.
func TargetFor(d uint64) signature.Hash32 {
	if d == 0 {
		d = 1
	}
	t := new(big.Int).Div(maxTarget256, new(big.Int).SetUint64(d))
	return bigToHash(t)
}

// DifficultyFor recovers D ~= (2^256 - 1) / T from a target, exact up
// to the same truncating-integer-division the forward direction uses.
// T == 0 is clamped to the maximum representable difficulty.
func DifficultyFor(target signature.Hash32) uint64 {
	t := hashToBig(target)
	if t.Sign() == 0 {
		return ^uint64(0)
	}
	d := new(big.Int).Div(maxTarget256, t)
	if !d.IsUint64() {
		return ^uint64(0)
	}
	return d.Uint64()
}

func bigToHash(v *big.Int) signature.Hash32 {
	var out signature.Hash32
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func hashToBig(h signature.Hash32) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// Retarget applies the dampened retarget rule. It must only be called
// at a height where height % cfg.AdjustmentIntervalBlocks == 0; the
// caller is responsible for boundary detection. All arithmetic is
// integer-only with truncate-toward-zero division, matching the
// documented rounding rule.
//
//	expected = N * target_block_time_s
//	observed = max(1, tip_timestamp - interval_start_timestamp)
//	raw      = D_prev * expected / observed
//	adjusted = D_prev + (raw - D_prev) / F
//	D_new    = clamp(adjusted, min, max)
func Retarget(cfg Config, prevDifficulty uint64, intervalStartTimestamp, tipTimestamp int64) uint64 {
	expected := int64(cfg.AdjustmentIntervalBlocks) * cfg.TargetBlockTimeSeconds
	observed := tipTimestamp - intervalStartTimestamp
	if observed < 1 {
		observed = 1
	}

	raw := new(big.Int).Mul(new(big.Int).SetUint64(prevDifficulty), big.NewInt(expected))
	raw.Quo(raw, big.NewInt(observed))

	delta := new(big.Int).Sub(raw, new(big.Int).SetUint64(prevDifficulty))
	factor := cfg.DampeningFactor
	if factor == 0 {
		factor = 1
	}
	delta.Quo(delta, new(big.Int).SetUint64(factor))

	adjusted := new(big.Int).Add(new(big.Int).SetUint64(prevDifficulty), delta)

	return clamp(adjusted, cfg.MinDifficulty, cfg.MaxDifficulty)
}

func clamp(v *big.Int, min, max uint64) uint64 {
	minB := new(big.Int).SetUint64(min)
	maxB := new(big.Int).SetUint64(max)
	if v.Cmp(minB) < 0 {
		return min
	}
	if v.Cmp(maxB) > 0 {
		return max
	}
	if !v.IsUint64() {
		return max
	}
	return v.Uint64()
}

// ValidateConfig checks the retarget configuration for sanity.
func ValidateConfig(cfg Config) error {
	if cfg.TargetBlockTimeSeconds <= 0 {
		return berrors.ErrInvalidConfig
	}
	if cfg.AdjustmentIntervalBlocks == 0 {
		return berrors.ErrInvalidConfig
	}
	if cfg.DampeningFactor == 0 {
		return berrors.ErrInvalidConfig
	}
	if cfg.MinDifficulty == 0 || cfg.MinDifficulty > cfg.MaxDifficulty {
		return berrors.ErrInvalidConfig
	}
	return nil
}

// IsRetargetHeight reports whether height is an adjustment boundary.
func IsRetargetHeight(cfg Config, height uint64) bool {
	return cfg.AdjustmentIntervalBlocks > 0 && height%cfg.AdjustmentIntervalBlocks == 0
}
