package core

import (
	"fmt"
	"strings"
)

// Entry pairs a task definition with its unit of work.
type Entry struct {
	Definition TaskDefinition
	Task       Task
}

// Registry is the ordered catalog of scheduled tasks. It is immutable once built.
type Registry struct {
	entries []Entry
	index   map[int]int
}

// NewRegistry validates entries and keeps them in declaration order.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[int]int, len(entries)),
	}
	for _, e := range entries {
		def := e.Definition
		if _, dup := r.index[def.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %d", def.ID)
		}
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("task %d: name is required", def.ID)
		}
		if def.Interval < 0 {
			return nil, fmt.Errorf("task %d: interval must be non-negative", def.ID)
		}
		if e.Task == nil {
			return nil, fmt.Errorf("task %d: no unit of work", def.ID)
		}
		r.index[def.ID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// List returns every definition in declaration order.
func (r *Registry) List() []TaskDefinition {
	defs := make([]TaskDefinition, len(r.entries))
	for i, e := range r.entries {
		defs[i] = e.Definition
	}
	return defs
}

// Find returns the definition registered under id.
func (r *Registry) Find(id int) (TaskDefinition, error) {
	e, err := r.entry(id)
	if err != nil {
		return TaskDefinition{}, err
	}
	return e.Definition, nil
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) entry(id int) (Entry, error) {
	i, ok := r.index[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return r.entries[i], nil
}
