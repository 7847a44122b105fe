// Package simulation defines the pluggable simulation backend contract and
// ships a procedural sandbox provider.
package simulation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var (
	ErrNotStarted       = errors.New("simulation not started")
	ErrAlreadyStarted   = errors.New("simulation already started")
	ErrUnknownProvider  = errors.New("unknown simulation provider")
	ErrSnapshotMismatch = errors.New("snapshot belongs to another provider")
	ErrSnapshotCorrupt  = errors.New("snapshot digest mismatch")
	ErrInvalidConfig    = errors.New("invalid simulation config")
)

// Config seeds a run.
type Config struct {
	Seed    int64              `json:"seed" yaml:"seed"`
	Sectors int                `json:"sectors,omitempty" yaml:"sectors"`
	Params  map[string]float64 `json:"params,omitempty" yaml:"params"`
}

// Event is something a provider reports from a step.
type Event struct {
	Tick        uint64  `json:"tick" db:"tick"`
	Kind        string  `json:"kind" db:"kind"`
	Sector      string  `json:"sector,omitempty" db:"sector"`
	Description string  `json:"description" db:"description"`
	Magnitude   float64 `json:"magnitude" db:"magnitude"`
}

// Snapshot is a provider's exported state. State is opaque to everyone but
// the provider that wrote it.
type Snapshot struct {
	Provider string          `json:"provider"`
	Version  int             `json:"version"`
	Tick     uint64          `json:"tick"`
	Seed     int64           `json:"seed"`
	State    json.RawMessage `json:"state"`
	Digest   string          `json:"digest"`
}

// Provider is a simulation backend.
type Provider interface {
	Name() string
	Start(ctx context.Context, cfg Config) error
	// Step advances n ticks and returns the events they produced.
	Step(ctx context.Context, n int) ([]Event, error)
	Stop(ctx context.Context) error
	ExportSnapshot(ctx context.Context) (Snapshot, error)
	// ImportSnapshot replaces the provider state. The provider is running
	// afterwards.
	ImportSnapshot(ctx context.Context, snap Snapshot) error
	Tick() uint64
}

// Digest hashes a snapshot state payload. Valid JSON is compacted first so
// re-indented copies of the same state hash the same.
func Digest(state []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, state); err == nil {
		state = buf.Bytes()
	}
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// Seal fills in the digest for the current state.
func (s *Snapshot) Seal() {
	s.Digest = Digest(s.State)
}

// Verify checks the digest against the state.
func (s Snapshot) Verify() error {
	if s.Digest == "" || s.Digest != Digest(s.State) {
		return ErrSnapshotCorrupt
	}
	return nil
}
