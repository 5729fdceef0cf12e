package provider

import (
	"fmt"
	"sync"
)

// Registry maps provider short names to adapter factories. Registration
// happens once at startup via each adapter package's init(); the registry is
// effectively immutable afterwards.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds an adapter factory under a short name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves an adapter factory by short name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("payment provider '%s' is not registered", name)
	}

	return factory, nil
}

// Create builds a fresh, uninitialised adapter instance.
func (r *Registry) Create(name string) (PaymentProvider, error) {
	factory, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	return factory(), nil
}

// Names returns the short names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// DefaultRegistry is the process-wide registry adapter packages register
// themselves with.
var DefaultRegistry = NewRegistry()

// Register registers a factory with the default registry.
func Register(name string, factory Factory) {
	DefaultRegistry.Register(name, factory)
}

// Get retrieves a factory from the default registry.
func Get(name string) (Factory, error) {
	return DefaultRegistry.Get(name)
}

// Create builds an adapter instance from the default registry.
func Create(name string) (PaymentProvider, error) {
	return DefaultRegistry.Create(name)
}
