// Package module defines the contract every data-source module honors and
// the static registry the engine loads modules from. Modules are registered
// at build time; there is no dynamic discovery.
package module

import (
	"sort"
	"sync"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// ConsumeAll is the wildcard consume declaration matching every event type.
const ConsumeAll = "*"

// Descriptor is the static metadata a module declares about itself.
type Descriptor struct {
	Name             string
	Description      string
	Produces         []string
	Consumes         []string
	OptionalConsumes []string
	Priority         int
	Flags            []string
}

// ConsumesAll reports whether the module subscribed to the wildcard.
func (d Descriptor) ConsumesAll() bool {
	for _, c := range d.Consumes {
		if c == ConsumeAll {
			return true
		}
	}
	return false
}

// EngineHandle is the narrow surface a module may call back into. It
// replaces the shared globals of older designs; its lifetime is the scan.
type EngineHandle interface {
	// Emit publishes a new event discovered by the module.
	Emit(ev *event.Event) error
	// CheckForStop reports whether the scan has been asked to stop. Modules
	// call this at their own checkpoints.
	CheckForStop() bool
	// Target returns the scan seed for scope decisions.
	Target() *event.Target
	// Option returns a configured module option value.
	Option(module, key string) (string, bool)
}

// Module is the runtime contract. HandleEvent is never called concurrently
// for the same module instance.
type Module interface {
	Describe() Descriptor
	Setup(handle EngineHandle) error
	HandleEvent(ev *event.Event) error
	Close() error
}

// Factory constructs a fresh module instance for one scan.
type Factory func() Module

// Registry holds the build-time module catalog.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty module registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module factory under the descriptor name it constructs.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return errs.Newf(errs.KindValidation, "register_module", "module name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return errs.Newf(errs.KindValidation, "register_module", "module %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New instantiates a registered module.
func (r *Registry) New(name string) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindConfig, "new_module", "module %q is not registered", name)
	}
	return factory(), nil
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe instantiates each requested module just long enough to collect
// its descriptor.
func (r *Registry) Describe(names []string) ([]Descriptor, error) {
	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		mod, err := r.New(name)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, mod.Describe())
	}
	return descriptors, nil
}
