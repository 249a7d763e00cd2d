// Package registry maps agent kinds to dispatchable descriptors and owns
// task dispatch: precondition probes, argument validation, the concurrency
// ceiling and performance accounting.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// Handler executes one task. Handlers must be re-entrant; retry policy
// belongs to the caller, never to the dispatcher.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Descriptor describes one registered agent kind.
type Descriptor struct {
	Kind         string
	Description  string
	Handler      Handler
	Schema       *Validator
	Capabilities []string
	// DecayAfter, when set, marks the registration stale once passed;
	// stale agents fail preconditions instead of dispatching.
	DecayAfter time.Time
}

// Registry is the concurrent kind-to-descriptor mapping.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Descriptor
}

func New() *Registry {
	return &Registry{agents: make(map[string]Descriptor)}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Kind == "" {
		return errs.Ef("registry.Register", errs.KindBadRequest, "agent kind is required")
	}
	if d.Handler == nil {
		return errs.Ef("registry.Register", errs.KindBadRequest, "agent %q has no handler", d.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Kind] = d
	return nil
}

// Get returns the descriptor for a kind.
func (r *Registry) Get(kind string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[kind]
	if !ok {
		return Descriptor{}, errs.Ef("registry.Get", errs.KindNotFound, "agent kind %q not registered", kind)
	}
	return d, nil
}

// Known reports whether a kind is registered.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.agents))
	for k := range r.agents {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Catalog returns all descriptors sorted by kind, for the agents sync
// pipeline and status reporting.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
