package datapipe

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
)

// Registry gives datapipes name-identity instead of pointer-identity
// (spec.md §9): the channel set becomes discoverable and testable
// through a single process-wide lookup table. Registration happens at
// module-init time; the registry itself is guarded by a mutex purely
// for that bookkeeping, never for Execute, which stays single-threaded
// per spec.md §5.
type Registry struct {
	mu    deadlock.Mutex
	pipes map[string]*Datapipe
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipes: make(map[string]*Datapipe)}
}

// Register adds p under its name. Returns an error if the name is already taken.
func (r *Registry) Register(p *Datapipe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipes[p.name]; exists {
		return fmt.Errorf("datapipe: name %q already registered", p.name)
	}
	r.pipes[p.name] = p
	return nil
}

// Lookup returns the pipe registered under name, if any.
func (r *Registry) Lookup(name string) (*Datapipe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[name]
	return p, ok
}

// Unregister removes a pipe by name. It is the symmetric teardown
// counterpart to Register, called at module teardown (spec.md §3 lifecycle).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipes, name)
}

// List returns the registered pipe names, for diagnostics.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.pipes)
}
