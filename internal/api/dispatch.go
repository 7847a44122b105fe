package api

import (
	"net/http"

	"github.com/talgya/galactic-sim/internal/llm"
)

// dispatchEvery is how many ticks a cached dispatch stays current.
const dispatchEvery = 100

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.Manager.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.dispatchMu.Lock()
	cached, ok := s.dispatches[id]
	s.dispatchMu.Unlock()
	if ok && cached.Tick/dispatchEvery == info.Tick/dispatchEvery {
		writeJSON(w, cached)
		return
	}

	events, err := s.recentEvents(id, 50)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d := llm.GenerateDispatch(r.Context(), s.LLM, llm.DispatchData{
		RunID:    id,
		Provider: info.Provider,
		Tick:     info.Tick,
		Stardate: info.Stardate,
		Events:   events,
	})

	// Generation runs unlocked; keep whichever dispatch is newest.
	s.dispatchMu.Lock()
	if s.dispatches == nil {
		s.dispatches = make(map[string]llm.Dispatch)
	}
	if prev, ok := s.dispatches[id]; !ok || prev.Tick <= d.Tick {
		s.dispatches[id] = d
	}
	s.dispatchMu.Unlock()
	writeJSON(w, d)
}
