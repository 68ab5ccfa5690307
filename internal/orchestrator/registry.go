package orchestrator

import (
	"fmt"
	"sync"

	"github.com/watchtower-labs/sentrycore/internal/config"
)

// Registry is the explicit type-to-factory mapping the orchestrator
// consults to instantiate a module for a fragment. It is deliberately a
// flat map, not a type hierarchy: spec.md §9 calls out dynamic dispatch
// over module categories as "tagged variants keyed by category and type
// fields... the factory registry is an explicit mapping, not
// inheritance."
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
}

// NewRegistry returns an empty registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ModuleFactory)}
}

// Register binds moduleType to factory. Re-registering the same type is
// an error; callers that want to replace a factory (e.g. tests swapping
// in a fake) should build a fresh Registry instead.
func (r *Registry) Register(moduleType string, factory ModuleFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[moduleType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModuleType, moduleType)
	}
	r.factories[moduleType] = factory
	return nil
}

// Build instantiates a fresh Module for fragment via its registered
// factory, looked up by fragment.Type.
func (r *Registry) Build(fragment config.ModuleFragment) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[fragment.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModuleType, fragment.Type)
	}
	return factory(fragment)
}

// Has reports whether moduleType has a registered factory.
func (r *Registry) Has(moduleType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[moduleType]
	return ok
}
