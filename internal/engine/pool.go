package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/vlayer/internal/config"
	"github.com/leapstack-labs/vlayer/pkg/adapter"
)

// adapterPool lazily connects configured datasources and shares one
// adapter per datasource between all sql layers.
type adapterPool struct {
	configs map[string]config.DatasourceConfig
	logger  *slog.Logger

	mu     sync.Mutex
	open   map[string]adapter.Adapter
	closed bool
	group  singleflight.Group
}

func newAdapterPool(configs map[string]config.DatasourceConfig, logger *slog.Logger) *adapterPool {
	return &adapterPool{
		configs: configs,
		logger:  logger,
		open:    make(map[string]adapter.Adapter),
	}
}

// UnknownDatasourceError is returned for a datasource name missing from the
// configuration.
type UnknownDatasourceError struct {
	Name      string
	Available []string
}

func (e *UnknownDatasourceError) Error() string {
	return fmt.Sprintf("unknown datasource %q\nAvailable datasources: %v\nHint: Declare it under datasources in vlayer.yaml", e.Name, e.Available)
}

var errPoolClosed = errors.New("datasource pool is closed")

func (p *adapterPool) cached(name string) (adapter.Adapter, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errPoolClosed
	}
	a, ok := p.open[name]
	return a, ok, nil
}

// get returns the connected adapter of a datasource. Concurrent callers for
// the same datasource share one connection attempt.
func (p *adapterPool) get(ctx context.Context, name string) (adapter.Adapter, error) {
	if a, ok, err := p.cached(name); err != nil || ok {
		return a, err
	}
	cfg, ok := p.configs[name]
	if !ok {
		return nil, &UnknownDatasourceError{Name: name, Available: p.names()}
	}

	v, err, _ := p.group.Do(name, func() (any, error) {
		if a, ok, err := p.cached(name); err != nil || ok {
			return a, err
		}
		p.logger.Debug("connecting datasource", slog.String("datasource", name), slog.String("type", cfg.Type))
		a, err := adapter.Open(ctx, cfg.AdapterConfig(), p.logger.With(slog.String("datasource", name)))
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = a.Close()
			return nil, errPoolClosed
		}
		p.open[name] = a
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(adapter.Adapter), nil
}

func (p *adapterPool) names() []string {
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// connected returns the names of the datasources opened so far.
func (p *adapterPool) connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.open))
	for name := range p.open {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *adapterPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var errs []error
	for name, a := range p.open {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close datasource %s: %w", name, err))
		}
	}
	p.open = nil
	return errors.Join(errs...)
}
