package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the providers available to a run, indexed by resource kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Provider),
	}
}

// Register adds a provider for the given kind. Registering the same kind
// twice is an error.
func (r *Registry) Register(kind string, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		return fmt.Errorf("provider kind must not be empty")
	}
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("provider already registered for kind %q", kind)
	}

	r.kinds[kind] = p
	return nil
}

// Get returns the provider for the given kind.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.kinds[kind]
	if !exists {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}
	return p, nil
}

// SchemaFor returns the schema for the given kind, if a provider is
// registered for it.
func (r *Registry) SchemaFor(kind string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.kinds[kind]
	if !exists {
		return Schema{}, false
	}
	return p.Schema(), true
}

// Kinds returns all registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
