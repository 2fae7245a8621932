package vlayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
)

// Table is one vlayer virtual table. It implements vtab.Table and
// vtab.Renamer. Everything but the name is fixed at construction.
type Table struct {
	module *Module
	handle uint64
	db     string

	mu       sync.RWMutex
	name     string
	released bool
	dropped  bool

	params   Params
	source   rowsource.Source
	schema   rowsource.Schema
	caps     rowsource.Capabilities
	columns  []core.ColumnSpec
	geomCol  int
	frameCol int
	keyCol   int
	rows     int64
	logger   *slog.Logger
}

func newTable(m *Module, db, name string, params Params, src rowsource.Source) (*Table, error) {
	schema := src.Schema()
	n := len(schema.Fields)
	if n == 0 {
		return nil, &core.SchemaError{Table: name, Reason: "source has no fields"}
	}
	if schema.Geometry >= n {
		return nil, &core.SchemaError{Table: name, Reason: fmt.Sprintf("geometry index %d out of range (have %d fields)", schema.Geometry, n)}
	}
	if schema.Key >= n {
		return nil, &core.SchemaError{Table: name, Reason: fmt.Sprintf("key index %d out of range (have %d fields)", schema.Key, n)}
	}
	if params.NoGeometry && schema.Geometry >= 0 {
		return nil, &core.SchemaError{Table: name, Reason: "source reported a geometry field despite nogeometry"}
	}
	if params.GeometryType != 0 && schema.Geometry < 0 {
		return nil, &core.SchemaError{Table: name, Reason: "geometry_type given but the source has no geometry field"}
	}

	cols := make([]core.ColumnSpec, 0, n+1)
	for i, f := range schema.Fields {
		spec := core.ColumnSpec{Name: f.Name, Type: strings.TrimSpace(f.Type), Nullable: f.Nullable}
		if i == schema.Geometry {
			// BLOB keeps SQLite from applying any affinity to geometry values
			spec.Type = "BLOB"
		}
		if i == schema.Key && spec.Type != "" && spec.Affinity() != core.AffinityInteger {
			return nil, &core.SchemaError{Table: name, Reason: fmt.Sprintf("key field %q has non-integer type %s", f.Name, f.Type)}
		}
		cols = append(cols, spec)
	}
	frameCol := -1
	if schema.Geometry >= 0 {
		frameCol = len(cols)
		cols = append(cols, core.ColumnSpec{Name: FrameColumn, Type: "BLOB", Nullable: true, Hidden: true})
	}
	if err := validateColumns(cols); err != nil {
		return nil, &core.SchemaError{Table: name, Reason: "invalid columns", Err: err}
	}

	return &Table{
		module:   m,
		db:       db,
		name:     name,
		params:   params,
		source:   src,
		schema:   schema,
		caps:     src.Capabilities(),
		columns:  cols,
		geomCol:  schema.Geometry,
		frameCol: frameCol,
		keyCol:   schema.Key,
		rows:     src.EstimateCount(),
		logger:   m.logger.With(slog.String("table", name)),
	}, nil
}

// Name returns the current table name.
func (t *Table) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Columns returns the declared columns, the hidden frame column included.
func (t *Table) Columns() []core.ColumnSpec {
	return append([]core.ColumnSpec(nil), t.columns...)
}

// Params returns the parsed module arguments.
func (t *Table) Params() Params {
	return t.params
}

// Capabilities returns what the underlying source supports natively.
func (t *Table) Capabilities() rowsource.Capabilities {
	return t.caps
}

// GeometryColumn returns the geometry column index, or -1.
func (t *Table) GeometryColumn() int {
	return t.geomCol
}

// FrameColumnIndex returns the hidden search-frame column index, or -1.
func (t *Table) FrameColumnIndex() int {
	return t.frameCol
}

// DDL returns the CREATE TABLE statement declared to SQLite.
func (t *Table) DDL() string {
	defs := make([]string, len(t.columns))
	for i, c := range t.columns {
		defs[i] = c.DDL()
	}
	return "CREATE TABLE x(" + strings.Join(defs, ", ") + ")"
}

func (t *Table) layerInfo() LayerInfo {
	info := LayerInfo{
		Name:     t.Name(),
		Provider: t.params.Provider,
		Source:   t.params.Source,
		SRID:     t.params.SRID,
	}
	if t.geomCol >= 0 {
		info.GeometryColumn = t.columns[t.geomCol].Name
		info.GeometryType = geometryTypeName(t.params.GeometryType)
	}
	return info
}

// Open implements vtab.Table.
func (t *Table) Open() (vtab.Cursor, error) {
	t.mu.RLock()
	released := t.released
	t.mu.RUnlock()
	if released {
		return nil, &core.ProtocolViolation{Table: t.Name(), Op: "Open", State: "released"}
	}
	return newCursor(t), nil
}

// Disconnect implements vtab.Table. It releases the source; the catalog
// entry is kept.
func (t *Table) Disconnect() error {
	t.logger.Debug("disconnect")
	return t.release()
}

// Destroy implements vtab.Table. It releases the source and removes the
// catalog entry. Calling it again is a no-op.
func (t *Table) Destroy() error {
	t.logger.Debug("destroy")
	err := t.release()

	t.mu.Lock()
	dropped := t.dropped
	t.dropped = true
	name := t.name
	t.mu.Unlock()
	if dropped || t.module.catalog == nil {
		return err
	}

	ctx, cancel := t.context()
	defer cancel()
	if rerr := t.module.catalog.Remove(ctx, name); rerr != nil {
		if errors.Is(rerr, ErrLayerNotFound) {
			t.logger.Warn("layer already missing from catalog")
		} else {
			err = errors.Join(err, fmt.Errorf("failed to remove layer %s from catalog: %w", name, rerr))
		}
	}
	return err
}

// Rename implements vtab.Renamer.
func (t *Table) Rename(newName string) error {
	if newName == "" {
		return &core.SchemaError{Table: t.Name(), Reason: "empty table name"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.module.catalog != nil {
		ctx, cancel := t.context()
		defer cancel()
		if err := t.module.catalog.Rename(ctx, t.name, newName); err != nil {
			if !errors.Is(err, ErrLayerNotFound) {
				return fmt.Errorf("failed to rename layer %s in catalog: %w", t.name, err)
			}
			t.logger.Warn("renamed layer missing from catalog", slog.String("new_name", newName))
		}
	}
	t.logger.Debug("rename", slog.String("new_name", newName))
	t.name = newName
	return nil
}

func (t *Table) release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	t.mu.Unlock()

	t.module.handles.removeTable(t.handle)
	if err := t.source.Close(); err != nil {
		return fmt.Errorf("failed to close source: %w", err)
	}
	return nil
}

// context bounds one call into a source or the catalog.
func (t *Table) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.module.baseCtx, t.params.LimitWait)
}

var (
	_ vtab.Table   = (*Table)(nil)
	_ vtab.Renamer = (*Table)(nil)
)
