package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loamctl/loam/pkg/engine"
)

// Registry maps provider names to adapters. It implements
// engine.ProviderRegistry and is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]engine.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]engine.Provider)}
}

// Register adds a provider under name. Registering the same name twice is
// an error.
func (r *Registry) Register(name string, provider engine.Provider) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if provider == nil {
		return fmt.Errorf("provider %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (engine.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (have: %v)", name, r.names())
	}
	return provider, nil
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
