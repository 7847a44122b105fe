// Package config loads daemon and CLI settings from the environment and the
// optional presets file.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/talgya/galactic-sim/internal/engine"
)

// Config holds galacticd settings.
type Config struct {
	Addr        string `env:"GALACTIC_ADDR"      envDefault:":8080"`
	DBPath      string `env:"GALACTIC_DB_PATH"   envDefault:"galactic.db"`
	AdminKey    string `env:"GALACTIC_ADMIN_KEY"`
	RelayKey    string `env:"GALACTIC_RELAY_KEY"`
	PresetsFile string `env:"GALACTIC_PRESETS"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	RandomOrgKey string `env:"RANDOM_ORG_API_KEY"`

	TickInterval  time.Duration `env:"GALACTIC_TICK_INTERVAL" envDefault:"1s"`
	SnapshotEvery uint64        `env:"GALACTIC_SNAPSHOT_EVERY" envDefault:"100"`
	MaxSteps      int           `env:"GALACTIC_MAX_STEPS" envDefault:"1000"`

	LogLevel slog.Level `env:"GALACTIC_LOG_LEVEL" envDefault:"INFO"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.TickInterval < time.Millisecond {
		return fmt.Errorf("GALACTIC_TICK_INTERVAL must be at least 1ms, got %s", c.TickInterval)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("GALACTIC_MAX_STEPS must be positive, got %d", c.MaxSteps)
	}
	return nil
}

// EngineOptions maps the scheduling settings onto manager options.
func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Interval = c.TickInterval
	opts.SnapshotEvery = c.SnapshotEvery
	opts.MaxStepsPerRequest = c.MaxSteps
	return opts
}

// ClientConfig holds galactl settings.
type ClientConfig struct {
	BaseURL  string `env:"GALACTIC_URL"       envDefault:"http://localhost:8080"`
	AdminKey string `env:"GALACTIC_ADMIN_KEY"`
}

// LoadClient reads ClientConfig from the process environment.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
