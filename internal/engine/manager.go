package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/simulation"
)

var (
	ErrRunNotFound = errors.New("simulation run not found")
	ErrRunActive   = errors.New("simulation run is running")
	ErrRunStopped  = errors.New("simulation run is stopped")
	ErrStepBudget  = errors.New("step count out of range")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// RunRecord is the persisted description of a run.
type RunRecord struct {
	ID        string            `json:"id" db:"id"`
	Provider  string            `json:"provider" db:"provider"`
	Seed      int64             `json:"seed" db:"seed"`
	Config    simulation.Config `json:"config" db:"-"`
	Status    Status            `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// RunInfo is a point-in-time view of a run.
type RunInfo struct {
	RunRecord
	Tick      uint64  `json:"tick"`
	Stardate  string  `json:"stardate"`
	Speed     float64 `json:"speed"`
	Events    int     `json:"buffered_events"`
	LastError string  `json:"last_error,omitempty"`
}

// Store persists runs, their events, and snapshots.
type Store interface {
	SaveRun(rec RunRecord) error
	SaveEvents(runID string, events []simulation.Event) error
	SaveSnapshot(runID string, snap simulation.Snapshot) error
	// TruncateEvents drops stored events newer than tick.
	TruncateEvents(runID string, tick uint64) error
}

// Publisher fans events out to realtime subscribers.
type Publisher interface {
	Publish(channel, msgType string, payload any) int
}

// Options tune scheduling and retention.
type Options struct {
	Interval           time.Duration // engine tick interval at speed 1
	StepTimeout        time.Duration // deadline for one scheduled provider step
	SnapshotEvery      uint64        // persist a snapshot every N scheduled ticks (0 = only on pause/stop)
	MaxStepsPerRequest int           // cap for manual Step calls
	EventBuffer        int           // recent events kept in memory per run
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Interval:           time.Second,
		StepTimeout:        2 * time.Second,
		SnapshotEvery:      100,
		MaxStepsPerRequest: 1000,
		EventBuffer:        1000,
	}
}

// EventBatch is the realtime payload for one step.
type EventBatch struct {
	RunID  string             `json:"run_id"`
	Tick   uint64             `json:"tick"`
	Events []simulation.Event `json:"events"`
}

type run struct {
	rec      RunRecord
	provider simulation.Provider
	engine   *Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stale   chan struct{} // done of a loop that paused itself and may still be exiting
	events  []simulation.Event
	lastErr string
}

// Manager owns every live simulation run.
type Manager struct {
	Registry  *simulation.Registry
	Store     Store
	Publisher Publisher

	opts Options

	mu   sync.RWMutex
	runs map[string]*run
}

// NewManager creates a manager. Store and Publisher may be set afterwards
// and may be nil.
func NewManager(reg *simulation.Registry, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = def.StepTimeout
	}
	if opts.MaxStepsPerRequest <= 0 {
		opts.MaxStepsPerRequest = def.MaxStepsPerRequest
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Manager{
		Registry: reg,
		opts:     opts,
		runs:     make(map[string]*run),
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Create builds and starts a provider, leaving the run paused in "created".
func (m *Manager) Create(ctx context.Context, providerName string, cfg simulation.Config) (RunInfo, error) {
	p, err := m.Registry.New(providerName)
	if err != nil {
		return RunInfo{}, err
	}
	if err := p.Start(ctx, cfg); err != nil {
		return RunInfo{}, fmt.Errorf("start provider: %w", err)
	}

	r := m.newRun(RunRecord{
		ID:        uuid.NewString(),
		Provider:  providerName,
		Seed:      cfg.Seed,
		Config:    cfg,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}, p)

	m.persistRun(r)
	m.persistSnapshot(ctx, r)
	slog.Info("simulation run created", "run", r.rec.ID, "provider", providerName, "seed", cfg.Seed)
	return m.info(r), nil
}

// Adopt restores a persisted run from its latest snapshot. The run comes
// back paused.
func (m *Manager) Adopt(ctx context.Context, rec RunRecord, snap simulation.Snapshot) (RunInfo, error) {
	p, err := m.Registry.New(rec.Provider)
	if err != nil {
		return RunInfo{}, err
	}
	if err := p.ImportSnapshot(ctx, snap); err != nil {
		return RunInfo{}, fmt.Errorf("import snapshot: %w", err)
	}
	if rec.Status != StatusStopped {
		rec.Status = StatusPaused
	}
	r := m.newRun(rec, p)
	if rec.Status == StatusStopped {
		_ = p.Stop(ctx)
	}
	m.truncateEvents(r)
	slog.Info("simulation run restored", "run", rec.ID, "tick", p.Tick(), "status", rec.Status)
	return m.info(r), nil
}

func (m *Manager) newRun(rec RunRecord, p simulation.Provider) *run {
	eng := NewEngine()
	eng.Interval = m.opts.Interval
	eng.SetTick(p.Tick())

	r := &run{rec: rec, provider: p, engine: eng}
	eng.OnTick = func(ctx context.Context, _ uint64) { m.scheduledStep(ctx, r) }

	m.mu.Lock()
	m.runs[rec.ID] = r
	m.mu.Unlock()
	return r
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// Get returns one run.
func (m *Manager) Get(id string) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	return m.info(r), nil
}

// List returns every run, oldest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	rs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		rs = append(rs, r)
	}
	m.mu.RUnlock()

	out := make([]RunInfo, 0, len(rs))
	for _, r := range rs {
		out = append(out, m.info(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) info(r *run) RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	tick := r.provider.Tick()
	return RunInfo{
		RunRecord: r.rec,
		Tick:      tick,
		Stardate:  Stardate(tick),
		Speed:     r.engine.Speed(),
		Events:    len(r.events),
		LastError: r.lastErr,
	}
}

// Start schedules the run on its engine.
func (m *Manager) Start(id string) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}

	r.mu.Lock()
	switch r.rec.Status {
	case StatusStopped:
		r.mu.Unlock()
		return RunInfo{}, ErrRunStopped
	case StatusRunning:
		r.mu.Unlock()
		return RunInfo{}, ErrRunActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.rec.Status = StatusRunning
	r.lastErr = ""
	done, stale := r.done, r.stale
	r.stale = nil
	r.mu.Unlock()

	go func() {
		defer close(done)
		if stale != nil {
			<-stale
		}
		r.engine.Run(ctx)
	}()

	m.persistRun(r)
	slog.Info("simulation run started", "run", id)
	return m.info(r), nil
}

// Pause halts scheduling and persists a snapshot.
func (m *Manager) Pause(ctx context.Context, id string) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	if err := m.halt(r); err != nil {
		return RunInfo{}, err
	}

	r.mu.Lock()
	if r.rec.Status == StatusStopped {
		r.mu.Unlock()
		return RunInfo{}, ErrRunStopped
	}
	r.rec.Status = StatusPaused
	r.mu.Unlock()

	m.persistRun(r)
	m.persistSnapshot(ctx, r)
	slog.Info("simulation run paused", "run", id, "tick", r.provider.Tick())
	return m.info(r), nil
}

// halt stops the engine goroutine if one is running and waits for it.
func (m *Manager) halt(r *run) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Stop ends the run for good. Its last snapshot stays exportable.
func (m *Manager) Stop(ctx context.Context, id string) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	if err := m.halt(r); err != nil {
		return RunInfo{}, err
	}

	r.mu.Lock()
	if r.rec.Status == StatusStopped {
		r.mu.Unlock()
		return RunInfo{}, ErrRunStopped
	}
	if err := r.provider.Stop(ctx); err != nil && !errors.Is(err, simulation.ErrNotStarted) {
		r.mu.Unlock()
		return RunInfo{}, fmt.Errorf("stop provider: %w", err)
	}
	r.rec.Status = StatusStopped
	r.mu.Unlock()

	m.persistRun(r)
	m.persistSnapshot(ctx, r)
	slog.Info("simulation run stopped", "run", id, "tick", r.provider.Tick())
	return m.info(r), nil
}

// Step advances a paused run by n ticks by hand.
func (m *Manager) Step(ctx context.Context, id string, n int) ([]simulation.Event, error) {
	if n < 1 || n > m.opts.MaxStepsPerRequest {
		return nil, fmt.Errorf("%w: steps must be 1-%d", ErrStepBudget, m.opts.MaxStepsPerRequest)
	}
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	switch r.rec.Status {
	case StatusRunning:
		r.mu.Unlock()
		return nil, ErrRunActive
	case StatusStopped:
		r.mu.Unlock()
		return nil, ErrRunStopped
	}
	events, err := r.provider.Step(ctx, n)
	r.engine.SetTick(r.provider.Tick())
	m.recordLocked(r, events)
	r.mu.Unlock()

	m.fanOut(r, events)
	if err != nil {
		return events, fmt.Errorf("step: %w", err)
	}
	m.persistSnapshot(ctx, r)
	return events, nil
}

// scheduledStep is the engine callback: one provider tick under the step
// timeout. A failing step pauses the run.
func (m *Manager) scheduledStep(ctx context.Context, r *run) {
	stepCtx, cancel := context.WithTimeout(ctx, m.opts.StepTimeout)
	defer cancel()

	var stopLoop context.CancelFunc

	r.mu.Lock()
	events, err := r.provider.Step(stepCtx, 1)
	tick := r.provider.Tick()
	m.recordLocked(r, events)
	if err != nil && ctx.Err() == nil {
		r.lastErr = err.Error()
		r.rec.Status = StatusPaused
		stopLoop = r.cancel
		r.stale = r.done
		r.cancel, r.done = nil, nil
	}
	r.mu.Unlock()

	m.fanOut(r, events)

	if err != nil {
		if stopLoop == nil {
			return
		}
		slog.Error("scheduled step failed, pausing run", "run", r.rec.ID, "tick", tick, "error", err)
		stopLoop()
		m.persistRun(r)
		return
	}

	if m.opts.SnapshotEvery > 0 && tick%m.opts.SnapshotEvery == 0 {
		m.persistSnapshot(ctx, r)
	}
}

// recordLocked appends to the in-memory ring. Caller holds r.mu.
func (m *Manager) recordLocked(r *run, events []simulation.Event) {
	if len(events) == 0 {
		return
	}
	r.events = append(r.events, events...)
	if over := len(r.events) - m.opts.EventBuffer; over > 0 {
		r.events = append([]simulation.Event(nil), r.events[over:]...)
	}
}

func (m *Manager) fanOut(r *run, events []simulation.Event) {
	if len(events) == 0 {
		return
	}
	if m.Store != nil {
		if err := m.Store.SaveEvents(r.rec.ID, events); err != nil {
			slog.Error("save events failed", "run", r.rec.ID, "error", err)
		}
	}
	if m.Publisher != nil {
		m.Publisher.Publish(realtime.SimChannel(r.rec.ID), realtime.TypeEvent, EventBatch{
			RunID:  r.rec.ID,
			Tick:   events[len(events)-1].Tick,
			Events: events,
		})
	}
}

// Events returns up to limit of the most recent buffered events.
func (m *Manager) Events(id string, limit int) ([]simulation.Event, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if limit > 0 && len(r.events) > limit {
		start = len(r.events) - limit
	}
	out := make([]simulation.Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out, nil
}

// Snapshot exports the provider state.
func (m *Manager) Snapshot(ctx context.Context, id string) (simulation.Snapshot, error) {
	r, err := m.get(id)
	if err != nil {
		return simulation.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider.ExportSnapshot(ctx)
}

// Restore replaces a non-running run's state with snap. The run ends up paused.
func (m *Manager) Restore(ctx context.Context, id string, snap simulation.Snapshot) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}

	r.mu.Lock()
	if r.rec.Status == StatusRunning {
		r.mu.Unlock()
		return RunInfo{}, ErrRunActive
	}
	if err := r.provider.ImportSnapshot(ctx, snap); err != nil {
		r.mu.Unlock()
		return RunInfo{}, err
	}
	r.engine.SetTick(r.provider.Tick())
	r.rec.Status = StatusPaused
	r.rec.Seed = snap.Seed
	r.events = nil
	r.mu.Unlock()

	m.truncateEvents(r)
	m.persistRun(r)
	m.persistSnapshot(ctx, r)
	slog.Info("simulation run restored from snapshot", "run", id, "tick", snap.Tick)
	return m.info(r), nil
}

// SetSpeed changes a run's engine multiplier.
func (m *Manager) SetSpeed(id string, speed float64) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	if err := r.engine.SetSpeed(speed); err != nil {
		return RunInfo{}, fmt.Errorf("%w: %v", ErrStepBudget, err)
	}
	return m.info(r), nil
}

// Shutdown pauses every running run and persists a snapshot of every run
// that is not stopped.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, info := range m.List() {
		switch info.Status {
		case StatusRunning:
			if _, err := m.Pause(ctx, info.ID); err != nil {
				slog.Error("pause on shutdown failed", "run", info.ID, "error", err)
			}
		case StatusCreated, StatusPaused:
			r, err := m.get(info.ID)
			if err != nil {
				continue
			}
			m.persistRun(r)
			m.persistSnapshot(ctx, r)
		}
	}
}

func (m *Manager) persistRun(r *run) {
	if m.Store == nil {
		return
	}
	r.mu.Lock()
	rec := r.rec
	r.mu.Unlock()
	if err := m.Store.SaveRun(rec); err != nil {
		slog.Error("save run failed", "run", rec.ID, "error", err)
	}
}

// truncateEvents drops stored history past the provider's current tick.
func (m *Manager) truncateEvents(r *run) {
	if m.Store == nil {
		return
	}
	r.mu.Lock()
	tick := r.provider.Tick()
	r.mu.Unlock()
	if err := m.Store.TruncateEvents(r.rec.ID, tick); err != nil {
		slog.Error("truncate events failed", "run", r.rec.ID, "error", err)
	}
}

func (m *Manager) persistSnapshot(ctx context.Context, r *run) {
	if m.Store == nil {
		return
	}
	r.mu.Lock()
	snap, err := r.provider.ExportSnapshot(ctx)
	r.mu.Unlock()
	if err != nil {
		slog.Error("export snapshot failed", "run", r.rec.ID, "error", err)
		return
	}
	if err := m.Store.SaveSnapshot(r.rec.ID, snap); err != nil {
		slog.Error("save snapshot failed", "run", r.rec.ID, "error", err)
	}
}
