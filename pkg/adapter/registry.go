package adapter

import (
	"sort"
	"sync"

	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// Registry maps session kinds to adapter factories.
//
// Registration happens at startup before sessions are created; lookups
// happen on every create request. Both are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under its kind.
// Returns models.ErrDuplicateRegistration if the kind is already taken.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := f.Kind()
	if _, exists := r.factories[kind]; exists {
		return models.ErrDuplicateRegistration
	}
	r.factories[kind] = f
	return nil
}

// Lookup returns the factory for a kind.
// Returns models.ErrUnknownKind if no factory is registered for it.
func (r *Registry) Lookup(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, models.ErrUnknownKind
	}
	return f, nil
}

// Kinds returns the registered session kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
