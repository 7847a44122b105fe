package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/realtime"
)

const sseCatchUp = 50

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeJSON(w, realtime.ChannelStats{Members: map[string]int{}})
		return
	}
	writeJSON(w, s.Hub.Channels.Stats())
}

// handleWS upgrades to a websocket. ?user= labels the connection's presence.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime disabled"})
		return
	}
	realtime.ServeWS(s.Hub, w, r, r.URL.Query().Get("user"))
}

// handleStream relays one channel as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Relay key, not the admin key.
	if s.RelayKey == "" {
		writeJSONStatus(w, http.StatusForbidden, map[string]string{"error": "streaming disabled (no relay key)"})
		return
	}
	if !checkBearerToken(r, s.RelayKey) {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if s.Hub == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime disabled"})
		return
	}

	channel := r.URL.Query().Get("channel")
	if !realtime.ValidChannel(channel) {
		writeError(w, r, badRequest("channel is required"))
		return
	}

	// Connection limit.
	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "too many SSE connections"})
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	conn := realtime.NewStreamConn(0)
	s.Hub.Register(conn)
	defer func() {
		s.Hub.Unregister(conn.ID())
		conn.Close()
	}()
	if err := s.Hub.Join(channel, realtime.Member{ConnectionID: conn.ID(), UserID: "sse"}); err != nil {
		writeError(w, r, badRequest(err.Error()))
		return
	}

	// SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Simulation channels start with recent events as catch-up.
	if runID, ok := strings.CutPrefix(channel, realtime.SystemPrefix); ok {
		if events, err := s.recentEvents(runID, sseCatchUp); err == nil && len(events) > 0 {
			writeSSE(w, realtime.TypeEvent, engine.EventBatch{RunID: runID, Tick: events[len(events)-1].Tick, Events: events})
		}
	}
	flusher.Flush()

	slog.Info("SSE client connected", "conn", conn.ID(), "channel", channel)

	// Stream loop with heartbeat.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case m := <-conn.Messages():
			writeSSE(w, m.Type, m)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-conn.Done():
			slog.Info("SSE client dropped", "conn", conn.ID())
			return
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "conn", conn.ID())
			return
		}
	}
}

// writeSSE writes a single event in SSE format.
func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
