package engine

import (
	"math"
	"time"
)

// DecayConfig controls confidence decay for patterns that stop recurring.
type DecayConfig struct {
	// Factor is multiplied into confidence once per elapsed cycle.
	Factor float64
	// Cycle is the interval after which one decay step applies.
	Cycle time.Duration
	// Floor is the confidence below which a pattern is considered stale.
	Floor float64
}

// DefaultDecayFloor is the confidence below which decayed patterns drop out
// of context injection entirely.
const DefaultDecayFloor = 0.10

// DecayedConfidence returns the confidence a pattern should hold at now given
// it was last reinforced at lastUpdated. Whole elapsed cycles each apply one
// multiplicative step; partial cycles apply none, so a pattern reinforced
// within the cycle keeps its confidence exactly.
func DecayedConfidence(confidence float64, lastUpdated, now time.Time, cfg DecayConfig) float64 {
	if cfg.Cycle <= 0 || cfg.Factor <= 0 || cfg.Factor >= 1 {
		return confidence
	}
	elapsed := now.Sub(lastUpdated)
	if elapsed < cfg.Cycle {
		return confidence
	}
	cycles := math.Floor(float64(elapsed) / float64(cfg.Cycle))
	decayed := confidence * math.Pow(cfg.Factor, cycles)
	if decayed < 0 {
		return 0
	}
	return decayed
}

// Stale reports whether a decayed confidence has fallen below the floor.
func (c DecayConfig) Stale(confidence float64) bool {
	floor := c.Floor
	if floor <= 0 {
		floor = DefaultDecayFloor
	}
	return confidence < floor
}
