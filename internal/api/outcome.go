package api

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/talgya/galactic-sim/internal/rules"
)

// numberFields decodes a flat JSON object, requiring each field in required
// and accepting each in optional. Absent optional fields are left out.
func numberFields(w http.ResponseWriter, r *http.Request, required, optional []string) (map[string]float64, map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		return nil, nil, err
	}
	if raw == nil {
		raw = map[string]json.RawMessage{}
	}

	out := make(map[string]float64, len(required)+len(optional))
	read := func(name string, must bool) error {
		v, ok := raw[name]
		if !ok || string(v) == "null" {
			if must {
				return badRequest(name + " must be a number")
			}
			return nil
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return badRequest(name + " must be a number")
		}
		out[name] = f
		return nil
	}
	for _, name := range required {
		if err := read(name, true); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range optional {
		if err := read(name, false); err != nil {
			return nil, nil, err
		}
	}
	return out, raw, nil
}

var outcomeOptional = []string{"skillRank", "expertiseRank", "toolQuality", "modifier"}

func outcomeInput(v map[string]float64) rules.OutcomeInput {
	return rules.OutcomeInput{
		Difficulty:    v["difficulty"],
		SkillRank:     v["skillRank"],
		ExpertiseRank: v["expertiseRank"],
		ToolQuality:   v["toolQuality"],
		Modifier:      v["modifier"],
	}
}

func (s *Server) handleOutcomePreview(w http.ResponseWriter, r *http.Request) {
	v, _, err := numberFields(w, r, []string{"difficulty"}, outcomeOptional)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rules.PreviewOutcome(outcomeInput(v)))
}

func (s *Server) handleTTCPreview(w http.ResponseWriter, r *http.Request) {
	v, _, err := numberFields(w, r, []string{"baseSec"},
		[]string{"difficulty", "skillRank", "expertiseRank", "toolQuality", "assistants"})
	if err != nil {
		writeError(w, r, err)
		return
	}
	preview, err := rules.PreviewTTC(rules.TTCInput{
		BaseSec:       v["baseSec"],
		Difficulty:    v["difficulty"],
		SkillRank:     v["skillRank"],
		ExpertiseRank: v["expertiseRank"],
		ToolQuality:   v["toolQuality"],
		Assistants:    assistantCount(v["assistants"]),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, preview)
}

// assistantCount clamps before converting so huge values cannot wrap.
func assistantCount(f float64) int {
	if !(f > 0) {
		return 0
	}
	return int(math.Min(math.Floor(f), rules.MaxAssistants))
}

func (s *Server) handleClassicRoll(w http.ResponseWriter, r *http.Request) {
	v, raw, err := numberFields(w, r, []string{"difficulty"}, outcomeOptional)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var src rules.FloatSource = s.Entropy
	if seedRaw, ok := raw["seed"]; ok && string(seedRaw) != "null" {
		var seed int64
		if err := json.Unmarshal(seedRaw, &seed); err != nil {
			writeError(w, r, badRequest("seed must be an integer"))
			return
		}
		src = rules.NewSeededSource(seed)
	}

	writeJSON(w, rules.Roll(outcomeInput(v), src))
}
