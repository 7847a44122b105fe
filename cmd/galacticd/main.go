// Command galacticd serves outcome previews, realtime channels, and
// scheduled galaxy simulations over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/galactic-sim/internal/api"
	"github.com/talgya/galactic-sim/internal/config"
	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/entropy"
	"github.com/talgya/galactic-sim/internal/llm"
	"github.com/talgya/galactic-sim/internal/persistence"
	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/simulation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("galactic-sim daemon starting",
		"addr", cfg.Addr,
		"tick_interval", cfg.TickInterval,
		"snapshot_every", cfg.SnapshotEvery,
	)

	presets, err := config.LoadPresets(cfg.PresetsFile)
	if err != nil {
		slog.Error("failed to load presets", "error", err)
		os.Exit(1)
	}

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		os.MkdirAll(dir, 0755)
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Realtime Hub ──────────────────────────────────────────────────
	hub := realtime.NewHub()

	// ── Run Manager ───────────────────────────────────────────────────
	registry := simulation.DefaultRegistry()
	manager := engine.NewManager(registry, cfg.EngineOptions())
	manager.Store = db
	manager.Publisher = hub

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restored, err := db.RestoreRuns(ctx, manager)
	if err != nil {
		slog.Error("failed to restore runs", "error", err)
		os.Exit(1)
	}
	if restored > 0 {
		slog.Info("runs restored from snapshots", "count", restored)
	}

	bootPresets(ctx, db, manager, presets)

	// ── External Clients ─────────────────────────────────────────────
	llmClient := llm.NewClient(cfg.AnthropicKey)
	if llmClient != nil {
		slog.Info("LLM client enabled")
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, dispatches will use the plain-text fallback")
	}
	entropyClient := entropy.NewClient(cfg.RandomOrgKey)
	if entropyClient != nil {
		slog.Info("random.org entropy enabled")
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("GALACTIC_ADMIN_KEY not set, run control endpoints will be disabled")
	}

	apiServer := &api.Server{
		Manager:     manager,
		Hub:         hub,
		LLM:         llmClient,
		Entropy:     entropyClient,
		DB:          db,
		Addr:        cfg.Addr,
		AdminKey:    cfg.AdminKey,
		RelayKey:    cfg.RelayKey,
		CORSOrigins: cfg.CORSOrigins,
	}

	// ── Start ─────────────────────────────────────────────────────────
	go hub.Run(ctx)

	if err := db.SaveMeta("last_boot", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("save meta failed", "error", err)
	}

	fmt.Printf("\nGalactic sim is up: %d runs, providers %v.\n", len(manager.List()), registry.Names())
	fmt.Printf("API: http://localhost%s/api/v1/status\n", cfg.Addr)

	if err := apiServer.Start(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
		cancel()
	}

	// Pause everything and persist snapshots on the way out.
	slog.Info("shutting down, pausing runs...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	manager.Shutdown(shutdownCtx)

	fmt.Println("Galactic sim stopped. Runs saved.")
}

// bootPresets creates preset runs that do not exist yet and starts the ones
// marked auto_start. Preset → run ids are kept in metadata across restarts.
func bootPresets(ctx context.Context, db *persistence.DB, m *engine.Manager, presets config.Presets) {
	for _, p := range presets.Simulations {
		metaKey := "preset:" + p.Name

		var info engine.RunInfo
		id, err := db.GetMeta(metaKey)
		if err == nil {
			info, err = m.Get(id)
		}
		if err != nil {
			info, err = m.Create(ctx, p.Provider, p.Config)
			if err != nil {
				slog.Error("preset create failed", "preset", p.Name, "error", err)
				continue
			}
			if err := db.SaveMeta(metaKey, info.ID); err != nil {
				slog.Warn("save preset meta failed", "preset", p.Name, "error", err)
			}
			slog.Info("preset created", "preset", p.Name, "run", info.ID)
		}

		if _, err := m.SetSpeed(info.ID, p.Speed); err != nil {
			slog.Warn("preset speed rejected", "preset", p.Name, "error", err)
		}
		if !p.AutoStart || info.Status == engine.StatusStopped {
			continue
		}
		if _, err := m.Start(info.ID); err != nil && !errors.Is(err, engine.ErrRunActive) {
			slog.Error("preset start failed", "preset", p.Name, "error", err)
		}
	}
}
