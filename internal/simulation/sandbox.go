package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// SandboxName is the registry name of the procedural sandbox.
const SandboxName = "procedural-sandbox"

const (
	sandboxVersion = 1

	DefaultSectors = 12
	MaxSectors     = 256

	defaultEventRate  = 0.02
	defaultVolatility = 0.03

	// Thresholds crossed upward (or downward for unrest) emit events.
	unrestBelow   = 0.2
	goldenAbove   = 0.85
	incidentAbove = 0.75
)

var sectorStems = []string{
	"Vega", "Orion", "Cygnus", "Lyra", "Draco", "Hydra", "Auriga", "Carina",
	"Perseus", "Aquila", "Phoenix", "Tucana", "Volans", "Pyxis", "Fornax", "Norma",
}

var sectorSuffixes = []string{
	"Reach", "Expanse", "March", "Drift", "Cluster", "Verge", "Hold", "Deep",
}

// randomKinds are events rolled independently of sector drift.
var randomKinds = []struct {
	kind   string
	weight float64
	format string
}{
	{"discovery", 0.35, "Survey teams report a discovery in %s"},
	{"trade_pact", 0.25, "Merchant houses sign a trade pact across %s"},
	{"migration", 0.25, "A migrant fleet arrives in %s"},
	{"anomaly", 0.15, "Sensors detect an anomaly near %s"},
}

// Sector is one region of the sandbox galaxy. Scores live in [0,1].
type Sector struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Stability  float64 `json:"stability"`
	Prosperity float64 `json:"prosperity"`
	Tension    float64 `json:"tension"`
}

type sandboxState struct {
	Tick       uint64         `json:"tick"`
	Seed       int64          `json:"seed"`
	EventRate  float64        `json:"event_rate"`
	Volatility float64        `json:"volatility"`
	Sectors    []Sector       `json:"sectors"`
	Counts     map[string]int `json:"counts"`
	RNG        []byte         `json:"rng"`
}

// Sandbox is a procedural provider: a ring of sectors whose scores drift
// along a seeded noise field, emitting events as thresholds are crossed and
// on seeded random rolls. Identical seeds and step sequences produce
// identical events.
type Sandbox struct {
	mu      sync.Mutex
	running bool
	loaded  bool

	seed       int64
	tick       uint64
	eventRate  float64
	volatility float64
	sectors    []Sector
	counts     map[string]int

	pcg   *rand.PCG
	rng   *rand.Rand
	noise opensimplex.Noise
}

// NewSandbox returns an unstarted sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

func (s *Sandbox) Name() string { return SandboxName }

func (s *Sandbox) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Sectors returns a copy of the current sectors.
func (s *Sandbox) Sectors() []Sector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sector, len(s.sectors))
	copy(out, s.sectors)
	return out
}

func (s *Sandbox) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	n := cfg.Sectors
	if n == 0 {
		n = DefaultSectors
	}
	if n < 0 || n > MaxSectors {
		return fmt.Errorf("%w: sectors must be 1-%d", ErrInvalidConfig, MaxSectors)
	}

	eventRate := paramOr(cfg.Params, "event_rate", defaultEventRate)
	volatility := paramOr(cfg.Params, "volatility", defaultVolatility)
	if eventRate < 0 || eventRate > 1 {
		return fmt.Errorf("%w: event_rate must be 0-1", ErrInvalidConfig)
	}
	if volatility < 0 || volatility > 0.5 {
		return fmt.Errorf("%w: volatility must be 0-0.5", ErrInvalidConfig)
	}

	s.seed = cfg.Seed
	s.tick = 0
	s.eventRate = eventRate
	s.volatility = volatility
	s.counts = make(map[string]int)
	s.pcg = rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0xda3e39cb94b95bdb)
	s.rng = rand.New(s.pcg)
	s.noise = opensimplex.New(cfg.Seed)
	s.sectors = s.generateSectors(n)
	s.running = true
	s.loaded = true
	return nil
}

func (s *Sandbox) generateSectors(n int) []Sector {
	sectors := make([]Sector, n)
	for i := range sectors {
		angle := 2 * math.Pi * float64(i) / float64(n)
		radius := 4 + s.rng.Float64()*2
		stem := sectorStems[s.rng.IntN(len(sectorStems))]
		suffix := sectorSuffixes[s.rng.IntN(len(sectorSuffixes))]
		sectors[i] = Sector{
			ID:         fmt.Sprintf("S%03d", i+1),
			Name:       fmt.Sprintf("%s %s", stem, suffix),
			X:          round4(radius * math.Cos(angle)),
			Y:          round4(radius * math.Sin(angle)),
			Stability:  round4(0.4 + s.rng.Float64()*0.3),
			Prosperity: round4(0.4 + s.rng.Float64()*0.3),
			Tension:    round4(0.2 + s.rng.Float64()*0.3),
		}
	}
	return sectors
}

func (s *Sandbox) Step(ctx context.Context, n int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrNotStarted
	}
	if n <= 0 {
		return nil, nil
	}

	var events []Event
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		s.tick++
		events = s.advance(events)
	}
	return events, nil
}

// advance runs one tick over every sector.
func (s *Sandbox) advance(events []Event) []Event {
	t := float64(s.tick) * 0.01
	v := s.volatility

	for i := range s.sectors {
		sec := &s.sectors[i]
		prev := *sec

		field := s.noise.Eval3(sec.X*0.35, sec.Y*0.35, t)
		jitter := func() float64 { return (s.rng.Float64()*2 - 1) * v * 0.5 }

		sec.Stability = round4(clamp01(sec.Stability + v*field + jitter()))
		sec.Prosperity = round4(clamp01(sec.Prosperity + v*(sec.Stability-0.5)*0.6 + jitter()))
		sec.Tension = round4(clamp01(sec.Tension + v*(0.5-sec.Stability)*0.8 - v*field*0.3 + jitter()))

		if prev.Stability >= unrestBelow && sec.Stability < unrestBelow {
			events = s.emit(events, "unrest", sec, 1-sec.Stability, "Unrest spreads through %s")
		}
		if prev.Prosperity <= goldenAbove && sec.Prosperity > goldenAbove {
			events = s.emit(events, "golden_age", sec, sec.Prosperity, "%s enters a golden age")
		}
		if prev.Tension <= incidentAbove && sec.Tension > incidentAbove {
			events = s.emit(events, "border_incident", sec, sec.Tension, "A border incident flares in %s")
		}

		if s.rng.Float64() < s.eventRate {
			roll := s.rng.Float64()
			for _, k := range randomKinds {
				if roll < k.weight {
					events = s.emit(events, k.kind, sec, s.rng.Float64(), k.format)
					break
				}
				roll -= k.weight
			}
		}
	}
	return events
}

func (s *Sandbox) emit(events []Event, kind string, sec *Sector, magnitude float64, format string) []Event {
	s.counts[kind]++
	return append(events, Event{
		Tick:        s.tick,
		Kind:        kind,
		Sector:      sec.ID,
		Description: fmt.Sprintf(format, sec.Name),
		Magnitude:   round4(magnitude),
	})
}

func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	s.running = false
	return nil
}

// ExportSnapshot works on a running or stopped sandbox.
func (s *Sandbox) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return Snapshot{}, ErrNotStarted
	}

	rngState, err := s.pcg.MarshalBinary()
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal rng: %w", err)
	}
	counts := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	state, err := json.Marshal(sandboxState{
		Tick:       s.tick,
		Seed:       s.seed,
		EventRate:  s.eventRate,
		Volatility: s.volatility,
		Sectors:    s.sectors,
		Counts:     counts,
		RNG:        rngState,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal state: %w", err)
	}

	snap := Snapshot{
		Provider: SandboxName,
		Version:  sandboxVersion,
		Tick:     s.tick,
		Seed:     s.seed,
		State:    state,
	}
	snap.Seal()
	return snap, nil
}

func (s *Sandbox) ImportSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.Provider != SandboxName {
		return fmt.Errorf("%w: got %q", ErrSnapshotMismatch, snap.Provider)
	}
	if snap.Version != sandboxVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSnapshotMismatch, snap.Version)
	}
	if err := snap.Verify(); err != nil {
		return err
	}

	var st sandboxState
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if len(st.Sectors) == 0 || len(st.Sectors) > MaxSectors {
		return fmt.Errorf("%w: %d sectors", ErrSnapshotCorrupt, len(st.Sectors))
	}

	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(st.RNG); err != nil {
		return fmt.Errorf("%w: rng: %v", ErrSnapshotCorrupt, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seed = st.Seed
	s.tick = st.Tick
	s.eventRate = st.EventRate
	s.volatility = st.Volatility
	s.sectors = st.Sectors
	s.counts = st.Counts
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.pcg = pcg
	s.rng = rand.New(pcg)
	s.noise = opensimplex.New(st.Seed)
	s.running = true
	s.loaded = true
	return nil
}

func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// round4 keeps the state compact and the snapshot digest stable.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
