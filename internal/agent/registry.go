package agent

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrUnknownBackend is returned when a requested backend name is not registered.
var ErrUnknownBackend = errors.New("agent: unknown backend") //nolint:gochecknoglobals // sentinel error

// Options carries everything a backend factory may need.
type Options struct {
	Binary      string            // CLI executable for local runs
	Image       string            // container image for docker runs
	Environment map[string]string // extra env vars passed to the CLI
	Runtime     ContainerRuntime  // nil when docker is not configured
}

// BackendFactory creates a Backend.
type BackendFactory func(opts Options) (Backend, error)

// Registry manages backend factories keyed by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]BackendFactory),
	}
}

// Register adds a backend factory under name, replacing any previous one.
func (r *Registry) Register(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the backend registered under name.
func (r *Registry) Create(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", name, ErrUnknownBackend)
	}

	backend, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", name, err)
	}

	return backend, nil
}

// Available returns registered backend names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.factories))
}
