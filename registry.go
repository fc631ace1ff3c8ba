package aiflow

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps workflow names to workflows. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry returns a registry holding the given workflows.
func NewRegistry(workflows ...Workflow) (*Registry, error) {
	r := &Registry{workflows: map[string]Workflow{}}
	for _, w := range workflows {
		if err := r.Register(w); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds w. Names must be unique.
func (r *Registry) Register(w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.Name]; exists {
		return fmt.Errorf("workflow %q already registered", w.Name)
	}
	r.workflows[w.Name] = w
	return nil
}

// Get returns the named workflow.
func (r *Registry) Get(name string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.workflows))
}

// List returns the registered workflows sorted by name.
func (r *Registry) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Workflow, 0, len(r.workflows))
	for _, name := range slices.Sorted(maps.Keys(r.workflows)) {
		out = append(out, r.workflows[name])
	}
	return out
}
