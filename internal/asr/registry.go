package asr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Factory builds a backend. It is only invoked for the backend selected at
// startup, so unused engines never load models or open connections.
type Factory func() (Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory. Registering the same name twice replaces it.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.factories)
	sort.Strings(names)
	return names
}

// Build constructs the named backend.
func (r *Registry) Build(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("asr: unknown backend %q (registered: %v)", name, r.Names())
	}
	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("asr: build %s: %w", name, err)
	}
	return b, nil
}
