// Package tool holds the registry of tool descriptors and the sandbox
// that enforces resource limits on untrusted invocations.
package tool

import (
	"fmt"
	"sync"

	"github.com/noesis-ai/noesis/internal/domain"
)

// Registry stores tool descriptors keyed by name. Lookups are
// read-mostly; registration takes the write lock and replaces
// atomically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*domain.ToolDescriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*domain.ToolDescriptor)}
}

// Register adds or replaces a tool. Descriptors are shared read-only
// after registration; callers must not mutate them.
func (r *Registry) Register(d *domain.ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q has no handler", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	return nil
}

// Get returns the descriptor for name, or false.
func (r *Registry) Get(name string) (*domain.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names returns the registered tool names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
