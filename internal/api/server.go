// Package api provides the HTTP API for outcome previews, simulation runs,
// and realtime channels.
// GET endpoints are public (read-only observation).
// Run control requires a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/entropy"
	"github.com/talgya/galactic-sim/internal/llm"
	"github.com/talgya/galactic-sim/internal/persistence"
	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/rules"
	"github.com/talgya/galactic-sim/internal/simulation"
)

const (
	maxSSEConns  = 2
	maxBodyBytes = 1 << 20
)

// Server serves the API over HTTP.
type Server struct {
	Manager     *engine.Manager
	Hub         *realtime.Hub
	LLM         *llm.Client
	Entropy     *entropy.Client
	DB          *persistence.DB
	Addr        string
	AdminKey    string   // Bearer token for run control. Empty = control disabled.
	RelayKey    string   // Bearer token for the SSE stream. Empty = streaming disabled.
	CORSOrigins []string // Extra allowed origins besides localhost dev servers.

	// Active SSE connection count (atomic).
	sseConns int32
	started  time.Time

	// Cached dispatches (run ID → latest), regenerated at most once per dispatchEvery ticks.
	dispatchMu sync.Mutex
	dispatches map[string]llm.Dispatch
}

// Handler builds the routed, wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}

	// Rate limiters for endpoints that spend external quota.
	rollLimiter := NewRateLimiter(60, time.Minute)
	dispatchLimiter := NewRateLimiter(30, time.Hour)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/providers", s.handleProviders)
	mux.HandleFunc("GET /api/v1/simulations", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/simulations/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/simulations/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/simulations/{id}/dispatch", RateLimitMiddleware(dispatchLimiter, s.handleDispatch))
	mux.HandleFunc("GET /api/v1/channels", s.handleChannels)

	// Outcome previews.
	mux.HandleFunc("POST /api/outcome/preview", s.handleOutcomePreview)
	mux.HandleFunc("POST /api/outcome/ttc", s.handleTTCPreview)
	mux.HandleFunc("POST /api/outcome/classic", RateLimitMiddleware(rollLimiter, s.handleClassicRoll))

	// Realtime transports.
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	// Admin endpoints (require bearer token).
	mux.HandleFunc("POST /api/v1/simulations", s.adminOnly(s.handleCreateRun))
	mux.HandleFunc("POST /api/v1/simulations/{id}/start", s.adminOnly(s.handleStartRun))
	mux.HandleFunc("POST /api/v1/simulations/{id}/pause", s.adminOnly(s.handlePauseRun))
	mux.HandleFunc("POST /api/v1/simulations/{id}/stop", s.adminOnly(s.handleStopRun))
	mux.HandleFunc("POST /api/v1/simulations/{id}/step", s.adminOnly(s.handleStepRun))
	mux.HandleFunc("GET /api/v1/simulations/{id}/snapshot", s.adminOnly(s.handleExportSnapshot))
	mux.HandleFunc("POST /api/v1/simulations/{id}/snapshot", s.adminOnly(s.handleImportSnapshot))
	mux.HandleFunc("POST /api/v1/speed", s.adminOnly(s.handleSpeed))

	return recoverMiddleware(corsMiddleware(s.CORSOrigins, mux))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "", "relay_auth", s.RelayKey != "")

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("HTTP API stopped")
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(extra []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range extra {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns handler panics into 500 responses.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprint(rec)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request carries the given bearer token.
func checkBearerToken(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key
}

// adminOnly wraps a handler to require the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeJSONStatus(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled (no GALACTIC_ADMIN_KEY set)"})
			return
		}
		if !checkBearerToken(r, s.AdminKey) {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs := s.Manager.List()
	byStatus := make(map[engine.Status]int)
	for _, run := range runs {
		byStatus[run.Status]++
	}

	status := map[string]any{
		"name":        "galactic-sim",
		"uptime_sec":  int(time.Since(s.started).Seconds()),
		"runs":        len(runs),
		"runs_by":     byStatus,
		"providers":   s.Manager.Registry.Names(),
		"connections": 0,
		"llm":         s.LLM.Enabled(),
		"llm_usage":   s.LLM.Usage(),
		"entropy":     s.Entropy.Enabled(),
		"persistence": s.DB != nil,
	}
	if s.Hub != nil {
		status["connections"] = s.Hub.Connections()
	}
	writeJSON(w, status)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"providers": s.Manager.Registry.Names()})
}

// requestError is a client mistake reported verbatim with a 400.
type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func badRequest(msg string) error { return requestError{msg: msg} }

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, simulation.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrRunStopped),
		errors.Is(err, simulation.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStepBudget), errors.Is(err, simulation.ErrInvalidConfig),
		errors.Is(err, simulation.ErrSnapshotMismatch), errors.Is(err, simulation.ErrSnapshotCorrupt),
		errors.Is(err, rules.ErrBaseTime):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": ...} with the mapped status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONStatus(w, code, map[string]string{"error": err.Error()})
}

// decodeBody reads a JSON body into v, capped at maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid json")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
