package capability

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrRegistrySealed      = errors.New("registry is sealed")
)

// Registry is the append-once capability catalog. It is populated at
// startup and sealed; sealed reads take no locks.
type Registry struct {
	mu     sync.RWMutex
	sealed atomic.Bool
	byID   map[string]*Capability
	order  []*Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Capability)}
}

// Register validates and adds in. The registry keeps its own deep copy;
// later changes to in's schemas or slices have no effect.
func (r *Registry) Register(in Capability) error {
	c := in.clone()
	if err := c.prepare(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("register %s: %w", c.ID, ErrRegistrySealed)
	}
	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("register %s: %w", c.ID, ErrDuplicateCapability)
	}
	r.byID[c.ID] = c
	r.order = append(r.order, c)
	return nil
}

// MustRegister panics on error. Used for built-in capabilities.
func (r *Registry) MustRegister(c Capability) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

func (r *Registry) read() func() {
	if r.sealed.Load() {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// Lookup returns a copy of the capability registered under id.
func (r *Registry) Lookup(id string) (*Capability, bool) {
	c, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

func (r *Registry) lookup(id string) (*Capability, bool) {
	defer r.read()()
	c, ok := r.byID[id]
	return c, ok
}

// Get is Lookup returning ErrCapabilityNotFound.
func (r *Registry) Get(id string) (*Capability, error) {
	c, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, id)
	}
	return c, nil
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// List returns copies of the capabilities in registration order.
func (r *Registry) List() []*Capability {
	defer r.read()()
	out := make([]*Capability, len(r.order))
	for i, c := range r.order {
		out[i] = c.clone()
	}
	return out
}

// Names returns ids in registration order.
func (r *Registry) Names() []string {
	defer r.read()()
	names := make([]string, len(r.order))
	for i, c := range r.order {
		names[i] = c.ID
	}
	return names
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	defer r.read()()
	return len(r.order)
}
