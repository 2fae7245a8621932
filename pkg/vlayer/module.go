// Package vlayer exposes geometry-bearing row sources to SQLite as virtual
// tables through the modernc.org/sqlite vtab interfaces.
//
// A table is declared with
//
//	CREATE VIRTUAL TABLE roads USING vlayer(file, 'roads.geojson', key=id)
//
// and behaves like a read-only native table. Geometry columns carry
// SpatiaLite blobs; a hidden _search_frame_ column accepts a geometry whose
// bounding box prefilters the scan.
package vlayer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// FrameColumn is the hidden column whose equality constraint selects rows
// by bounding-box intersection.
const FrameColumn = "_search_frame_"

// ErrLayerNotFound is returned by a Catalog for an unknown layer name.
var ErrLayerNotFound = errors.New("layer not found")

// LayerInfo is the catalog record of one virtual table.
type LayerInfo struct {
	Name           string
	Provider       string
	Source         string
	GeometryColumn string
	GeometryType   string
	SRID           int
}

// Catalog persists layer metadata. Implementations return errors matching
// ErrLayerNotFound for unknown names.
type Catalog interface {
	Register(ctx context.Context, layer LayerInfo) error
	Lookup(ctx context.Context, name string) (LayerInfo, error)
	Rename(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
}

// Module creates vlayer tables. It implements vtab.Module.
type Module struct {
	providers *rowsource.Registry
	catalog   Catalog
	logger    *slog.Logger
	limitWait time.Duration
	baseCtx   context.Context
	handles   *handles
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithCatalog records created tables in c.
func WithCatalog(c Catalog) ModuleOption {
	return func(m *Module) { m.catalog = c }
}

// WithLogger sets the module logger.
func WithLogger(logger *slog.Logger) ModuleOption {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLimitWait sets the default bound on row source calls.
func WithLimitWait(d time.Duration) ModuleOption {
	return func(m *Module) {
		if d > 0 {
			m.limitWait = d
		}
	}
}

// WithContext sets the context row source scans derive from. Cancelling it
// aborts every running scan.
func WithContext(ctx context.Context) ModuleOption {
	return func(m *Module) {
		if ctx != nil {
			m.baseCtx = ctx
		}
	}
}

// NewModule creates a module serving the providers in registry.
func NewModule(providers *rowsource.Registry, opts ...ModuleOption) *Module {
	m := &Module{
		providers: providers,
		logger:    slog.New(slog.DiscardHandler),
		limitWait: DefaultLimitWait,
		baseCtx:   context.Background(),
		handles:   newHandles(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Live reports how many tables and cursors are currently open.
func (m *Module) Live() Live {
	return m.handles.live()
}

// Create implements vtab.Module. It is called for CREATE VIRTUAL TABLE and
// records the layer in the catalog.
func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	t, err := m.build(ctx, args, true)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Connect implements vtab.Module. It is called when an existing virtual
// table is first used by a connection.
func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	t, err := m.build(ctx, args, false)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Module) build(vctx vtab.Context, args []string, create bool) (*Table, error) {
	if len(args) < 3 {
		return nil, &core.SchemaError{Reason: "incomplete module arguments"}
	}
	db, name := args[1], args[2]

	params, err := ParseArgs(args[3:], m.limitWait)
	if err != nil {
		return nil, &core.SchemaError{Table: name, Reason: "invalid arguments", Err: err}
	}
	provider, err := m.providers.Get(params.Provider)
	if err != nil {
		return nil, &core.SchemaError{Table: name, Reason: "invalid provider", Err: err}
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, params.LimitWait)
	defer cancel()

	src, err := provider.Open(ctx, params.Definition(name))
	if err != nil {
		return nil, &core.SchemaError{Table: name, Reason: "failed to open source", Err: err}
	}

	t, err := newTable(m, db, name, params, src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if err := vctx.Declare(t.DDL()); err != nil {
		_ = src.Close()
		return nil, &core.SchemaError{Table: name, Reason: "failed to declare schema", Err: err}
	}

	if m.catalog != nil {
		if create {
			if err := m.catalog.Register(ctx, t.layerInfo()); err != nil {
				_ = src.Close()
				return nil, &core.SchemaError{Table: name, Reason: "failed to register layer", Err: err}
			}
		} else if _, err := m.catalog.Lookup(ctx, name); err != nil {
			m.logger.Warn("layer not in catalog", slog.String("table", name), slog.Any("error", err))
		}
	}

	t.handle = m.handles.addTable(t)
	m.logger.Debug("table ready",
		slog.String("table", name),
		slog.Bool("create", create),
		slog.String("provider", params.Provider),
		slog.Int("columns", len(t.columns)))
	return t, nil
}

// validateColumns rejects names that collide case-insensitively.
func validateColumns(cols []core.ColumnSpec) error {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return errors.New("empty column name")
		}
		k := strings.ToLower(c.Name)
		if seen[k] {
			return &duplicateColumnError{name: c.Name}
		}
		seen[k] = true
	}
	return nil
}

type duplicateColumnError struct {
	name string
}

func (e *duplicateColumnError) Error() string {
	return "duplicate column name " + core.QuoteIdent(e.name)
}

// geometryTypeName renders a kind for the catalog; zero means any.
func geometryTypeName(k spatialite.Kind) string {
	if k == 0 {
		return rowsource.GeometryType
	}
	return k.String()
}
