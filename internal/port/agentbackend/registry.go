package agentbackend

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Options configure a backend instance. Backends ignore fields they have no
// use for.
type Options struct {
	Command []string      // argv of a command-line agent
	Dir     string        // project directory the agent works in
	Timeout time.Duration // per invocation; 0 means no limit
	Env     []string      // extra KEY=VALUE pairs
}

// Factory builds an Agent from Options.
type Factory func(Options) (Agent, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under name. Adapters call it from
// init; registering a name twice panics.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("agentbackend: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New builds the backend registered under name.
func New(name string, opts Options) (Agent, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentbackend: unknown backend %q (available: %v)", name, Available())
	}
	return factory(opts)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	return slices.Sorted(maps.Keys(factories))
}
