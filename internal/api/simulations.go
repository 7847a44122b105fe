package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/simulation"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"simulations": s.Manager.List()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.Manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string            `json:"provider"`
		Config   simulation.Config `json:"config"`
		Start    bool              `json:"start"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Provider == "" {
		req.Provider = simulation.SandboxName
	}

	info, err := s.Manager.Create(r.Context(), req.Provider, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Start {
		if info, err = s.Manager.Start(info.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSONStatus(w, http.StatusCreated, info)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.Manager.Start(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.Manager.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.Manager.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleStepRun(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Steps int `json:"steps"`
	}{Steps: 1}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	id := r.PathValue("id")
	events, err := s.Manager.Step(r.Context(), id, req.Steps)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.Manager.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []simulation.Event{}
	}
	writeJSON(w, map[string]any{"simulation": info, "events": events})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Manager.Get(id); err != nil {
		writeError(w, r, err)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.recentEvents(id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

// recentEvents prefers the database, which outlives restarts, over the
// in-memory buffer.
func (s *Server) recentEvents(id string, limit int) ([]simulation.Event, error) {
	var (
		events []simulation.Event
		err    error
	)
	if s.DB != nil {
		events, err = s.DB.RecentEvents(id, limit)
	} else {
		events, err = s.Manager.Events(id, limit)
	}
	if events == nil {
		events = []simulation.Event{}
	}
	return events, err
}

func (s *Server) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Manager.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16*maxBodyBytes))
	if err != nil {
		writeError(w, r, badRequest("snapshot too large"))
		return
	}
	snap, err := simulation.ParseSnapshot(raw)
	if err != nil {
		writeError(w, r, badRequest(err.Error()))
		return
	}

	info, err := s.Manager.Restore(r.Context(), r.PathValue("id"), snap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("snapshot imported", "run", info.ID, "tick", info.Tick)
	writeJSON(w, info)
}

// handleSpeed sets the speed of one run, or of every run when run_id is empty.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string   `json:"run_id"`
		Speed *float64 `json:"speed"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Speed == nil {
		writeError(w, r, badRequest("speed must be a number"))
		return
	}

	ids := []string{req.RunID}
	if req.RunID == "" {
		ids = ids[:0]
		for _, info := range s.Manager.List() {
			ids = append(ids, info.ID)
		}
	}

	updated := make([]engine.RunInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Manager.SetSpeed(id, *req.Speed)
		if err != nil {
			writeError(w, r, err)
			return
		}
		updated = append(updated, info)
	}
	slog.Info("speed changed", "speed", *req.Speed, "runs", len(updated))
	writeJSON(w, map[string]any{"speed": *req.Speed, "simulations": updated})
}
