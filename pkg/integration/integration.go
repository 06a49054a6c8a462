// Package integration holds the named third-party clients commands can reach
// through their turn.
package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Client is anything a command may talk to besides the platform.
type Client interface {
	Name() string
	Health(ctx context.Context) error
}

// Registry is an immutable name -> client lookup built at startup.
type Registry struct {
	clients map[string]Client
}

// NewRegistry indexes clients by name. Empty or duplicate names are rejected.
func NewRegistry(clients ...Client) (*Registry, error) {
	registry := &Registry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		if client == nil {
			continue
		}

		name := strings.TrimSpace(client.Name())
		if name == "" {
			return nil, fmt.Errorf("integration %T has an empty name", client)
		}
		if _, exists := registry.clients[name]; exists {
			return nil, fmt.Errorf("integration %q registered twice", name)
		}
		registry.clients[name] = client
	}

	return registry, nil
}

// Get returns the named client. A nil registry has no clients.
func (r *Registry) Get(name string) (Client, bool) {
	if r == nil {
		return nil, false
	}

	client, ok := r.clients[name]
	return client, ok
}

// Names lists registered clients in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckHealth checks every client and returns the failures keyed by name.
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, name := range r.Names() {
		if err := r.clients[name].Health(ctx); err != nil {
			failures[name] = err
		}
	}

	return failures
}

// Lookup returns the named client as T.
func Lookup[T Client](r *Registry, name string) (T, bool) {
	var zero T

	client, ok := r.Get(name)
	if !ok {
		return zero, false
	}

	typed, ok := client.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}
