// Package file provides a row source provider over feature files on disk.
//
// Two formats are understood: YAML documents with an explicit field list,
// and GeoJSON feature collections. Loaded files are cached and invalidated
// when they change on disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/memory"
)

// ProviderName is the name virtual tables use to select this provider.
const ProviderName = "file"

// Supported values of the format option.
const (
	FormatYAML    = "yaml"
	FormatGeoJSON = "geojson"
)

// dataset is one parsed file.
type dataset struct {
	fields []rowsource.Field
	rows   []rowsource.Row
}

// Provider loads feature files.
type Provider struct {
	logger *slog.Logger
	group  singleflight.Group
	parse  func(path, format string) (*dataset, error)

	mu    sync.Mutex
	cache map[string]*dataset
	// gen counts invalidations per path. A load only caches its result
	// when no invalidation happened while it was parsing.
	gen     map[string]uint64
	watcher *fsnotify.Watcher
	watched map[string]bool
	closed  bool
	done    chan struct{}
}

// New creates a file provider. If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		logger:  logger,
		parse:   parseFile,
		cache:   make(map[string]*dataset),
		gen:     make(map[string]uint64),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// Name implements rowsource.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// Open implements rowsource.Provider. def.Source is a file path.
func (p *Provider) Open(ctx context.Context, def rowsource.Definition) (rowsource.Source, error) {
	if err := rowsource.CheckOptions(ProviderName, def.Options, "format"); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(def.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	format, err := detectFormat(path, def.Options["format"])
	if err != nil {
		return nil, err
	}

	ds, err := p.load(ctx, path, format)
	if err != nil {
		return nil, err
	}
	schema, err := rowsource.BuildSchema(ds.fields, def, func(f rowsource.Field) bool {
		return rowsource.IsGeometryType(f.Type)
	})
	if err != nil {
		return nil, err
	}

	if err := p.watch(filepath.Dir(path)); err != nil {
		// stale data is still correct for the snapshot already loaded
		p.logger.Warn("file watch unavailable", slog.String("path", path), slog.Any("error", err))
	}

	return &source{provider: p, path: path, format: format, schema: schema, count: len(ds.rows)}, nil
}

// Close stops the watcher and drops cached files.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.cache = make(map[string]*dataset)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// Cached reports whether path is currently held in the cache.
func (p *Provider) Cached(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cache[abs]
	return ok
}

func detectFormat(path, option string) (string, error) {
	if option != "" {
		switch strings.ToLower(option) {
		case FormatYAML, "yml":
			return FormatYAML, nil
		case FormatGeoJSON, "json":
			return FormatGeoJSON, nil
		}
		return "", fmt.Errorf("unknown format %q (want %s or %s)", option, FormatYAML, FormatGeoJSON)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	}
	return "", fmt.Errorf("cannot infer format of %s; set format=%s or format=%s", path, FormatYAML, FormatGeoJSON)
}

// load returns the cached dataset for path, parsing it at most once per
// invalidation across concurrent callers.
func (p *Provider) load(ctx context.Context, path, format string) (*dataset, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("file provider is closed")
	}
	if ds, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return ds, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(path, func() (any, error) {
		p.mu.Lock()
		gen := p.gen[path]
		p.mu.Unlock()

		ds, err := p.parse(path, format)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if !p.closed && p.gen[path] == gen {
			p.cache[path] = ds
		}
		p.mu.Unlock()
		p.logger.Debug("loaded feature file", slog.String("path", path), slog.Int("rows", len(ds.rows)))
		return ds, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dataset), nil
	}
}

func parseFile(path, format string) (*dataset, error) {
	if format == FormatYAML {
		return parseYAML(path)
	}
	return parseGeoJSON(path)
}

func (p *Provider) invalidate(path string) {
	p.mu.Lock()
	_, ok := p.cache[path]
	delete(p.cache, path)
	p.gen[path]++
	p.mu.Unlock()
	p.group.Forget(path)
	if ok {
		p.logger.Debug("feature file changed", slog.String("path", path))
	}
}

// watch adds dir to the watcher, starting the watcher on first use.
func (p *Provider) watch(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.watched[dir] {
		return nil
	}
	if p.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		p.watcher = w
		go p.watchLoop(w)
	}
	if err := p.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	p.watched[dir] = true
	return nil
}

func (p *Provider) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.invalidate(filepath.Clean(event.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

// source reads through the provider cache on every scan so that each scan
// sees the latest file contents.
type source struct {
	provider *Provider
	path     string
	format   string
	schema   rowsource.Schema
	count    int
}

func (s *source) Schema() rowsource.Schema {
	return s.schema
}

func (s *source) Capabilities() rowsource.Capabilities {
	return rowsource.Capabilities{
		StableIDs:     true,
		Ordered:       s.schema.Key < 0,
		RowIDLookup:   s.schema.Key < 0,
		SpatialFilter: s.schema.Geometry >= 0,
	}
}

func (s *source) EstimateCount() int64 {
	return int64(s.count)
}

func (s *source) Rows(ctx context.Context, req rowsource.Request) (rowsource.RowSource, error) {
	ds, err := s.provider.load(ctx, s.path, s.format)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(ds.fields, s.schema.Fields) {
		return nil, fmt.Errorf("fields of %s changed since the table was opened", s.path)
	}
	snapshot := ds.rows
	mem := memory.NewSource(s.schema, func() []rowsource.Row { return snapshot }, func() int { return len(snapshot) })
	return mem.Rows(ctx, req)
}

func (s *source) Close() error {
	return nil
}
