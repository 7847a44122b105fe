package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/talgya/galactic-sim/internal/simulation"
)

// Presets lists simulations the daemon creates at boot.
type Presets struct {
	Simulations []Preset `yaml:"simulations"`
}

// Preset is one named simulation.
type Preset struct {
	Name      string            `yaml:"name"`
	Provider  string            `yaml:"provider"`
	Config    simulation.Config `yaml:"config"`
	AutoStart bool              `yaml:"auto_start"`
	Speed     float64           `yaml:"speed"`
}

// LoadPresets reads a presets file. An empty path yields no presets.
func LoadPresets(path string) (Presets, error) {
	var p Presets
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Presets) normalize() {
	for i := range p.Simulations {
		s := &p.Simulations[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Provider = strings.TrimSpace(s.Provider)
		if s.Provider == "" {
			s.Provider = simulation.SandboxName
		}
		if s.Speed == 0 {
			s.Speed = 1
		}
	}
}

// Validate checks names are present and unique.
func (p Presets) Validate() error {
	seen := make(map[string]bool, len(p.Simulations))
	for i, s := range p.Simulations {
		if s.Name == "" {
			return fmt.Errorf("simulations[%d]: missing name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("simulations[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Speed < 0 {
			return fmt.Errorf("simulations[%d]: speed must not be negative", i)
		}
	}
	return nil
}
