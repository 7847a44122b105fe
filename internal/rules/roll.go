package rules

import (
	"math/rand/v2"
)

// Tier is the resolved outcome of a roll.
type Tier string

const (
	TierFail         Tier = "fail"
	TierComplication Tier = "complication"
	TierSuccess      Tier = "success"
	TierCritical     Tier = "critical"
)

// FloatSource yields uniform floats in [0,1).
type FloatSource interface {
	Float() float64
}

// RollResult is a classic resolution: the band, the roll, and where it landed.
type RollResult struct {
	Roll   float64 `json:"roll"`
	Tier   Tier    `json:"tier"`
	Chance Chance  `json:"chance"`
	Seeded bool    `json:"seeded"`
}

// Resolve walks the cumulative bands from worst to best.
func Resolve(c Chance, roll float64) Tier {
	edge := c.Fail
	if roll < edge {
		return TierFail
	}
	edge += c.Complication
	if roll < edge {
		return TierComplication
	}
	edge += c.Success
	if roll < edge {
		return TierSuccess
	}
	return TierCritical
}

// Roll previews the outcome and resolves it with one draw from src.
func Roll(in OutcomeInput, src FloatSource) RollResult {
	preview := PreviewOutcome(in)
	roll := clamp(src.Float(), 0, 1)
	_, seeded := src.(*SeededSource)
	return RollResult{
		Roll:   round3(roll),
		Tier:   Resolve(preview.Chance, roll),
		Chance: preview.Chance,
		Seeded: seeded,
	}
}

// SeededSource is a reproducible FloatSource for seeded classic rolls.
type SeededSource struct {
	rng *rand.Rand
}

// NewSeededSource creates a source that always yields the same sequence for seed.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))}
}

// Float returns the next value in [0,1).
func (s *SeededSource) Float() float64 {
	return s.rng.Float64()
}
