package chain

import (
	"encoding/hex"
	"math/big"
)

// Difficulty/retarget constants, spec §4.5 step 6.
const (
	DifficultyAdjustmentInterval = 10
	TargetBlockTimeMs            = 30 * 60 * 1000 // 30 minutes
)

// StartingDifficulty is the easiest allowed target (all-0x0f bytes, per
// the reduced target used for the scenarios in spec §8). Retargeting can
// only make the target harder than this, never easier.
var StartingDifficulty = mustHexTarget("0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f")

func mustHexTarget(h string) [32]byte {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 32 {
		panic("invalid starting difficulty constant")
	}
	var out [32]byte
	copy(out[:], b)
	return out
}

// clampRatio bounds actual/expected to [0.25, 4.0], spec §4.5.
func clampRatio(actualMs, expectedMs int64) *big.Rat {
	if expectedMs <= 0 {
		expectedMs = 1
	}
	ratio := big.NewRat(actualMs, expectedMs)
	min := big.NewRat(1, 4)
	max := big.NewRat(4, 1)
	if ratio.Cmp(min) < 0 {
		return min
	}
	if ratio.Cmp(max) > 0 {
		return max
	}
	return ratio
}

// retarget computes the new difficulty target after a completed interval.
//
// OPEN QUESTION PINNED (spec §9): this uses INTERVAL-1 block spacings for
// `expected`, i.e. the midpoint-of-interval convention, matching the
// comment in spec §4.5 step 6 ("uses midpoint of interval rather than full
// span to avoid off-by-one"). Test S4 exercises exactness under this
// choice.
func retarget(currentTarget [32]byte, intervalStartTimestamp, tipTimestamp uint64) [32]byte {
	actual := int64(tipTimestamp) - int64(intervalStartTimestamp)
	expected := int64(DifficultyAdjustmentInterval-1) * TargetBlockTimeMs

	ratio := clampRatio(actual, expected)

	cur := new(big.Int).SetBytes(currentTarget[:])
	newTargetRat := new(big.Rat).Mul(new(big.Rat).SetInt(cur), ratio)
	newTarget := new(big.Int).Div(newTargetRat.Num(), newTargetRat.Denom())

	startingInt := new(big.Int).SetBytes(StartingDifficulty[:])
	if newTarget.Cmp(startingInt) > 0 {
		newTarget = startingInt
	}
	one := big.NewInt(1)
	if newTarget.Cmp(one) < 0 {
		newTarget = one
	}

	var out [32]byte
	b := newTarget.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// maxWorkCeiling is 2^256, used by workForTarget.
var maxWorkCeiling = new(big.Int).Lsh(big.NewInt(1), 256)

// workForTarget computes a single block's contribution to cumulative
// work: floor(2^256 / (target+1)), or 0 when target == 0 to avoid
// division by zero (spec §9).
func workForTarget(target [32]byte) *big.Int {
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return big.NewInt(0)
	}
	denom := new(big.Int).Add(t, big.NewInt(1))
	return new(big.Int).Div(maxWorkCeiling, denom)
}
