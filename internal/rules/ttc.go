package rules

import (
	"errors"
	"math"
)

// ErrBaseTime is returned when a TTC preview has no positive base duration.
var ErrBaseTime = errors.New("baseSec must be positive")

// MaxAssistants caps how many helpers count toward the speed factor.
const MaxAssistants = 16

// TTCInput describes an action whose duration is being estimated.
type TTCInput struct {
	BaseSec       float64 `json:"baseSec"`
	Difficulty    float64 `json:"difficulty"`
	SkillRank     float64 `json:"skillRank"`
	ExpertiseRank float64 `json:"expertiseRank"`
	ToolQuality   float64 `json:"toolQuality"`
	Assistants    int     `json:"assistants"`
}

// TTCPreview is the estimated time to complete, in whole seconds.
type TTCPreview struct {
	TTCSec         int     `json:"ttcSec"`
	OptimisticSec  int     `json:"optimisticSec"`
	PessimisticSec int     `json:"pessimisticSec"`
	SpeedFactor    float64 `json:"speedFactor"`
}

// PreviewTTC estimates how long an action takes. The estimate never grows
// when skill, expertise, a non-negative tool quality, or assistants increase.
func PreviewTTC(in TTCInput) (TTCPreview, error) {
	if !(in.BaseSec > 0) || math.IsInf(in.BaseSec, 1) {
		return TTCPreview{}, ErrBaseTime
	}

	difficulty := clamp(in.Difficulty, 0, MaxDifficulty)
	skill := clamp(in.SkillRank, 0, MaxSkillRank)
	expertise := clamp(in.ExpertiseRank, 0, MaxExpertiseRank)
	tool := clamp(in.ToolQuality, MinToolQuality, MaxToolQuality)
	assistants := in.Assistants
	if assistants < 0 {
		assistants = 0
	}
	if assistants > MaxAssistants {
		assistants = MaxAssistants
	}

	speed := 1 +
		0.08*skill +
		0.05*expertise +
		0.06*math.Max(tool, 0) +
		0.15*math.Sqrt(float64(assistants))
	penalty := 1 + 0.12*math.Max(-tool, 0)
	difficultyFactor := 1 + 0.1*difficulty

	ttc := ceilSec(in.BaseSec * difficultyFactor * penalty / speed)

	return TTCPreview{
		TTCSec:         ttc,
		OptimisticSec:  ceilSec(0.8 * float64(ttc)),
		PessimisticSec: ceilSec(1.35 * float64(ttc)),
		SpeedFactor:    round3(speed / penalty),
	}, nil
}

func ceilSec(v float64) int {
	// Guard against float noise pushing an exact integer up a second.
	s := int(math.Ceil(v - 1e-9))
	if s < 1 {
		return 1
	}
	return s
}
