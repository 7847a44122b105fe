// Package rules holds the deterministic dice math behind action previews:
// outcome probability bands, time-to-complete estimates, and classic rolls.
package rules

import "math"

// Input ranges. Values outside are clamped rather than rejected so the UI can
// send raw slider positions.
const (
	MaxDifficulty    = 10.0
	MaxSkillRank     = 10.0
	MaxExpertiseRank = 5.0
	MaxToolQuality   = 3.0
	MinToolQuality   = -3.0
	MaxModifier      = 50.0 // percentage points
)

// OutcomeInput is everything that shifts the odds of an action.
type OutcomeInput struct {
	Difficulty    float64 `json:"difficulty"`
	SkillRank     float64 `json:"skillRank"`
	ExpertiseRank float64 `json:"expertiseRank"`
	ToolQuality   float64 `json:"toolQuality"`
	Modifier      float64 `json:"modifier"`
}

// Chance is a probability band. The four fields sum to 1 after rounding.
type Chance struct {
	Fail         float64 `json:"fail"`
	Complication float64 `json:"complication"`
	Success      float64 `json:"success"`
	Critical     float64 `json:"critical"`
}

// Sum returns the total of all bands.
func (c Chance) Sum() float64 {
	return c.Fail + c.Complication + c.Success + c.Critical
}

// OutcomePreview is the response of PreviewOutcome.
type OutcomePreview struct {
	Score  float64 `json:"score"`
	Chance Chance  `json:"chance"`
}

// Normalized returns the input with every field clamped to its range.
func (in OutcomeInput) Normalized() OutcomeInput {
	return OutcomeInput{
		Difficulty:    clamp(in.Difficulty, 0, MaxDifficulty),
		SkillRank:     clamp(in.SkillRank, 0, MaxSkillRank),
		ExpertiseRank: clamp(in.ExpertiseRank, 0, MaxExpertiseRank),
		ToolQuality:   clamp(in.ToolQuality, MinToolQuality, MaxToolQuality),
		Modifier:      clamp(in.Modifier, -MaxModifier, MaxModifier),
	}
}

// Score is the competence index in [0,1] the bands are derived from.
func Score(in OutcomeInput) float64 {
	n := in.Normalized()
	s := 0.5 +
		0.05*n.SkillRank +
		0.04*n.ExpertiseRank +
		0.04*n.ToolQuality +
		n.Modifier/100 -
		0.06*n.Difficulty
	return clamp(s, 0, 1)
}

// PreviewOutcome maps the inputs to a fail/complication/success/critical band.
func PreviewOutcome(in OutcomeInput) OutcomePreview {
	score := Score(in)

	c := Chance{
		Critical:     clamp(0.25*score-0.05, 0.01, 0.25),
		Fail:         clamp(0.6*(1-score)-0.05, 0.02, 0.9),
		Complication: clamp(0.25*(1-score), 0.03, 0.3),
	}
	c.Success = 1 - c.Fail - c.Complication - c.Critical
	if c.Success < 0 {
		total := c.Fail + c.Complication + c.Critical
		c.Fail /= total
		c.Complication /= total
		c.Critical /= total
		c.Success = 0
	}

	return OutcomePreview{
		Score:  round3(score),
		Chance: roundChance(c),
	}
}

// roundChance rounds every band to 3 dp and pushes the drift into the
// success band (or the largest band when success is empty) so the total
// stays exactly 1.
func roundChance(c Chance) Chance {
	r := Chance{
		Fail:         round3(c.Fail),
		Complication: round3(c.Complication),
		Success:      round3(c.Success),
		Critical:     round3(c.Critical),
	}
	drift := round3(1 - r.Sum())
	if drift == 0 {
		return r
	}
	if r.Success > 0 {
		r.Success = round3(r.Success + drift)
		return r
	}
	switch {
	case r.Fail >= r.Complication && r.Fail >= r.Critical:
		r.Fail = round3(r.Fail + drift)
	case r.Complication >= r.Critical:
		r.Complication = round3(r.Complication + drift)
	default:
		r.Critical = round3(r.Critical + drift)
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
