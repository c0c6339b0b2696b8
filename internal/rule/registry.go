package rule

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps rule type ids to their definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]Definition),
	}
}

// Register adds a definition. Registering an id twice fails with
// ErrDuplicateRuleType.
func (r *Registry) Register(def Definition) error {
	id := def.TypeID()
	if id == "" {
		return fmt.Errorf("rule type id is required")
	}
	if sched := def.DefaultSchedule(); sched != "" {
		if err := ValidateSchedule(sched); err != nil {
			return fmt.Errorf("rule type %s: invalid default schedule: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRuleType, id)
	}
	r.types[id] = def
	return nil
}

// MustRegister is like Register but panics on error. Intended for wiring
// built-in types at startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Resolve returns the definition for typeID.
func (r *Registry) Resolve(typeID string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleTypeNotFound, typeID)
	}
	return def, nil
}

// Types returns the registered type ids, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
