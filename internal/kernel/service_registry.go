package kernel

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"ex-relay/pkg/relay"
)

// ServiceRegistry holds the named singletons modules resolve at registration,
// such as the shared logger and the reply dispatcher.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[string]any)}
}

// Register binds service to name. Names are bound once.
func (r *ServiceRegistry) Register(name string, service any) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("register service: empty name")
	case service == nil:
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[name]; taken {
		return fmt.Errorf("register service %s: %w", name, relay.ErrServiceAlreadyRegistered)
	}
	r.entries[name] = service

	return nil
}

// Resolve returns the service bound to name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	r.mu.RLock()
	service, found := r.entries[name]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("resolve service %q: %w", name, relay.ErrServiceNotFound)
	}

	return service, nil
}

// Names returns the registered service names in sorted order.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.entries))
}
