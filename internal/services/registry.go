// Package services maps node service names to the integrations that run them.
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/pkg/schema"
)

// Capability is one downstream integration a node can invoke by name.
type Capability interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, payload map[string]any, idempotencyKey string) (engine.ServiceResult, error)
}

// Info summarizes a registered capability for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe name to Capability table. It implements
// engine.Service.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

var _ engine.Service = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	name := c.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "service %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Get retrieves a capability by name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "service %q not registered", name)
	}
	return c, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// List returns all registered capabilities sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.caps))
	for _, c := range r.caps {
		infos = append(infos, Info{Name: c.Name(), Description: c.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Missing returns the services def references that are not registered, in
// declaration order without duplicates.
func (r *Registry) Missing(def *schema.Definition) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range def.Nodes {
		if !seen[n.Service] && !r.Has(n.Service) {
			out = append(out, n.Service)
		}
		seen[n.Service] = true
	}
	return out
}

// Invoke dispatches to the named capability. An unknown service fails
// without retry.
func (r *Registry) Invoke(ctx context.Context, service string, payload map[string]any, idempotencyKey string) (engine.ServiceResult, error) {
	c, err := r.Get(service)
	if err != nil {
		return engine.ServiceResult{}, schema.NewErrorf(schema.ErrCodeActionInvocation, "service %q not registered", service)
	}
	return c.Invoke(ctx, payload, idempotencyKey)
}
