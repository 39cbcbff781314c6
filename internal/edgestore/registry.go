package edgestore

import (
	"context"
	"fmt"
)

// Loader opens a backend bound to the given peer identity. Backends read
// their settings from the config carried by ctx.
type Loader func(ctx context.Context, peer Address) (Store, error)

// Plugin represents a store backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store backend.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered backend names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named backend.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("%w %q; valid: %v", ErrUnknownBackend, name, Names())
}

// Open selects the named backend, opens it for peer and wraps it with
// latency metrics.
func Open(ctx context.Context, name string, peer Address) (Store, error) {
	load, err := Select(name)
	if err != nil {
		return nil, err
	}
	s, err := load(ctx, peer)
	if err != nil {
		return nil, err
	}
	return WithMetrics(s), nil
}
