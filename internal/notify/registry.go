package notify

import (
	"maps"
	"slices"
	"sync"
)

// Registry is a simple map-based set of named alert channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
	}
}

// Register adds a channel under the given name, replacing any previous one.
func (r *Registry) Register(name string, c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = c
}

// Get returns the channel registered under name, or false if there is none.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.channels))
}
