package components

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
)

// Registry is an ordered engine.ComponentRegistry. It holds components
// built from definitions and components registered from Go code, in
// registration order.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// order is the registration order.
	order []engine.Component

	// byID maps component id to component.
	byID map[string]engine.Component

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]engine.Component),
		logger: logger.With().Str("component", "component-registry").Logger(),
	}
}

// FromDefinitions builds a registry from a loaded definition set. The set
// must be free of errors.
func FromDefinitions(set *config.DefinitionSet, actions ActionBuilder, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	if err := r.Load(set, actions); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a component. Ids are unique.
func (r *Registry) Register(c engine.Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(c)
}

func (r *Registry) register(c engine.Component) error {
	id := c.ComponentID()
	if id == "" {
		return fmt.Errorf("component id is empty")
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("component %s already registered", id)
	}
	r.byID[id] = c
	r.order = append(r.order, c)
	return nil
}

// Load adds every component of set. Nothing is added when any definition
// fails to convert.
func (r *Registry) Load(set *config.DefinitionSet, actions ActionBuilder) error {
	if err := set.Err(); err != nil {
		return err
	}

	defs := make([]*Definition, 0, len(set.Components))
	for _, cd := range set.Components {
		d, err := NewDefinition(cd, actions)
		if err != nil {
			return err
		}
		defs = append(defs, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if _, exists := r.byID[d.ComponentID()]; exists {
			return fmt.Errorf("component %s already registered", d.ComponentID())
		}
	}
	for _, d := range defs {
		if err := r.register(d); err != nil {
			return err
		}
	}

	r.logger.Debug().
		Int("components", len(defs)).
		Int("files", len(set.SourceFiles)).
		Msg("Registered component definitions")
	return nil
}

// Replace swaps the definition-backed components for those in set, keeping
// components registered from Go code. On error the registry is unchanged.
func (r *Registry) Replace(set *config.DefinitionSet, actions ActionBuilder) error {
	next := NewRegistry(r.logger)

	r.mu.RLock()
	for _, c := range r.order {
		if _, ok := c.(*Definition); ok {
			continue
		}
		next.byID[c.ComponentID()] = c
		next.order = append(next.order, c)
	}
	r.mu.RUnlock()

	if err := next.Load(set, actions); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = next.order
	r.byID = next.byID
	return nil
}

// Components implements engine.ComponentRegistry.
func (r *Registry) Components() []engine.Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.Component, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the component with the given id.
func (r *Registry) Get(id string) (engine.Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
