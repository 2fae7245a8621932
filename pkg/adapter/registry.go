package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Factory builds an unconnected adapter. A nil logger means discard.
type Factory func(*slog.Logger) Adapter

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	aliases    = make(map[string]string)
)

// Register makes an adapter available under name and any aliases.
// Adapter packages call it from init().
func Register(name string, factory Factory, alias ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
	for _, a := range alias {
		aliases[a] = name
	}
}

// Unregister removes an adapter and its aliases. Tests use it to clean up
// fakes.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
	for a, target := range aliases {
		if target == name {
			delete(aliases, a)
		}
	}
}

// Canonical resolves an adapter name or alias, case-insensitively, to the
// registered name. Unknown names are returned lowercased.
func Canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	registryMu.RLock()
	defer registryMu.RUnlock()
	if target, ok := aliases[name]; ok {
		return target
	}
	return name
}

// Get returns the factory registered under name or one of its aliases.
func Get(name string) (Factory, bool) {
	name = Canonical(name)
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// IsRegistered reports whether name resolves to an adapter.
func IsRegistered(name string) bool {
	_, ok := Get(name)
	return ok
}

// ListAdapters returns the registered adapter names, sorted. Aliases are
// not listed.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

// UnknownAdapterError is returned when a datasource names an adapter that
// is not registered.
type UnknownAdapterError struct {
	Type      string
	Available []string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown adapter type %q\nAvailable adapters: %s\nHint: Check the datasource type in vlayer.yaml",
		e.Type, strings.Join(e.Available, ", "))
}

// NewAdapter builds the adapter for cfg.Type without connecting it.
func NewAdapter(cfg core.AdapterConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("adapter type not specified")
	}
	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, &UnknownAdapterError{Type: cfg.Type, Available: ListAdapters()}
	}
	return factory(logger), nil
}

// Open builds the adapter for cfg.Type and connects it.
func Open(ctx context.Context, cfg core.AdapterConfig, logger *slog.Logger) (Adapter, error) {
	a, err := NewAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect %s datasource: %w", cfg.Type, err)
	}
	return a, nil
}
