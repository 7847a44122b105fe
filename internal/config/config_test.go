package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/galactic-sim/internal/simulation"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, uint64(100), cfg.SnapshotEvery)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("GALACTIC_ADDR", ":9999")
	t.Setenv("GALACTIC_TICK_INTERVAL", "250ms")
	t.Setenv("GALACTIC_MAX_STEPS", "50")
	t.Setenv("GALACTIC_LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	opts := cfg.EngineOptions()
	assert.Equal(t, 250*time.Millisecond, opts.Interval)
	assert.Equal(t, 50, opts.MaxStepsPerRequest)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("GALACTIC_MAX_STEPS", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "GALACTIC_MAX_STEPS")

	t.Setenv("GALACTIC_MAX_STEPS", "many")
	_, err = Load()
	assert.ErrorContains(t, err, "parse env")
}

func TestLoadPresets(t *testing.T) {
	p, err := LoadPresets("")
	require.NoError(t, err)
	assert.Empty(t, p.Simulations)

	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
simulations:
  - name: frontier
    auto_start: true
    speed: 2
    config:
      seed: 42
      sectors: 16
      params:
        event_rate: 0.1
  - name: calm
    config:
      seed: 7
`), 0o644))

	p, err = LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, p.Simulations, 2)
	assert.Equal(t, simulation.SandboxName, p.Simulations[0].Provider)
	assert.True(t, p.Simulations[0].AutoStart)
	assert.Equal(t, 2.0, p.Simulations[0].Speed)
	assert.Equal(t, 16, p.Simulations[0].Config.Sectors)
	assert.Equal(t, 0.1, p.Simulations[0].Config.Params["event_rate"])
	assert.Equal(t, 1.0, p.Simulations[1].Speed)
}

func TestLoadPresets_Duplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("simulations:\n  - name: a\n  - name: a\n"), 0o644))
	_, err := LoadPresets(path)
	assert.ErrorContains(t, err, "duplicate name")
}
