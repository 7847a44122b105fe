package simulation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Factory builds a fresh, unstarted provider.
type Factory func() Provider

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SandboxName, func() Provider { return NewSandbox() })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a provider by name.
func (r *Registry) New(name string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		if s := r.suggest(name); s != "" {
			return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownProvider, name, s)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return f(), nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// suggest returns the closest registered name within a small edit distance.
func (r *Registry) suggest(name string) string {
	best, bestDist := "", 4
	for _, n := range r.Names() {
		if d := levenshtein.ComputeDistance(name, n); d < bestDist {
			best, bestDist = n, d
		}
	}
	return best
}
