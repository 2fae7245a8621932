// Package memory provides an in-process row source provider. Layers are
// built in Go and registered under a name that virtual tables refer to.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// ProviderName is the name virtual tables use to select this provider.
const ProviderName = "memory"

// Layer is a mutable in-memory data set with stable, ascending row ids.
type Layer struct {
	mu     sync.RWMutex
	fields []rowsource.Field
	rows   []rowsource.Row
	lastID int64
}

// NewLayer creates an empty layer with the given fields.
func NewLayer(fields ...rowsource.Field) *Layer {
	return &Layer{fields: fields}
}

// Fields returns the layer's field list.
func (l *Layer) Fields() []rowsource.Field {
	return l.fields
}

// Len returns the number of rows.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// Append adds a row with the next free id and returns that id.
func (l *Layer) Append(values ...any) (int64, error) {
	if len(values) != len(l.fields) {
		return 0, fmt.Errorf("expected %d values, got %d", len(l.fields), len(values))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastID++
	l.rows = append(l.rows, rowsource.Row{ID: l.lastID, Values: append([]any(nil), values...)})
	return l.lastID, nil
}

// MustAppend is like Append but panics on error.
func (l *Layer) MustAppend(values ...any) int64 {
	id, err := l.Append(values...)
	if err != nil {
		panic(err)
	}
	return id
}

// Insert adds a row under an explicit id.
func (l *Layer) Insert(id int64, values ...any) error {
	if len(values) != len(l.fields) {
		return fmt.Errorf("expected %d values, got %d", len(l.fields), len(values))
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.rows), func(i int) bool { return l.rows[i].ID >= id })
	if i < len(l.rows) && l.rows[i].ID == id {
		return fmt.Errorf("row id %d already exists", id)
	}
	// copy so that open scans keep their snapshot
	rows := make([]rowsource.Row, 0, len(l.rows)+1)
	rows = append(rows, l.rows[:i]...)
	rows = append(rows, rowsource.Row{ID: id, Values: append([]any(nil), values...)})
	rows = append(rows, l.rows[i:]...)
	l.rows = rows
	if id > l.lastID {
		l.lastID = id
	}
	return nil
}

// Delete removes a row by id and reports whether it existed.
func (l *Layer) Delete(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.rows), func(i int) bool { return l.rows[i].ID >= id })
	if i == len(l.rows) || l.rows[i].ID != id {
		return false
	}
	rows := make([]rowsource.Row, 0, len(l.rows)-1)
	rows = append(rows, l.rows[:i]...)
	l.rows = append(rows, l.rows[i+1:]...)
	return true
}

func (l *Layer) snapshot() []rowsource.Row {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rows[:len(l.rows):len(l.rows)]
}

// Provider serves registered layers.
type Provider struct {
	mu     sync.RWMutex
	layers map[string]*Layer
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{layers: make(map[string]*Layer)}
}

// Name implements rowsource.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// Add registers l under name, replacing any previous layer.
func (p *Provider) Add(name string, l *Layer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layers[name] = l
}

// Remove drops a layer. Tables already open on it keep working.
func (p *Provider) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.layers, name)
}

// Layer returns the layer registered under name.
func (p *Provider) Layer(name string) (*Layer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.layers[name]
	return l, ok
}

// Names returns the registered layer names (sorted).
func (p *Provider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.layers))
	for name := range p.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open implements rowsource.Provider. def.Source is the layer name.
func (p *Provider) Open(_ context.Context, def rowsource.Definition) (rowsource.Source, error) {
	if err := rowsource.CheckOptions(ProviderName, def.Options); err != nil {
		return nil, err
	}
	l, ok := p.Layer(def.Source)
	if !ok {
		return nil, fmt.Errorf("memory layer %q not found (available: %v)", def.Source, p.Names())
	}
	schema, err := rowsource.BuildSchema(l.Fields(), def, func(f rowsource.Field) bool {
		return rowsource.IsGeometryType(f.Type)
	})
	if err != nil {
		return nil, err
	}
	return NewSource(schema, l.snapshot, l.Len), nil
}

// Source is a rowsource.Source over rows held in memory. Other providers
// that load whole data sets reuse it.
type Source struct {
	schema rowsource.Schema
	rows   func() []rowsource.Row
	count  func() int
}

// NewSource creates a Source. rows must return rows in ascending id order
// and must not mutate slices it has returned before.
func NewSource(schema rowsource.Schema, rows func() []rowsource.Row, count func() int) *Source {
	return &Source{schema: schema, rows: rows, count: count}
}

// Schema implements rowsource.Source.
func (s *Source) Schema() rowsource.Schema {
	return s.schema
}

// Capabilities implements rowsource.Source. Ids come from the key field
// when one is configured, and key order is not tracked.
func (s *Source) Capabilities() rowsource.Capabilities {
	return rowsource.Capabilities{
		StableIDs:     true,
		Ordered:       s.schema.Key < 0,
		RowIDLookup:   s.schema.Key < 0,
		SpatialFilter: s.schema.Geometry >= 0,
	}
}

// EstimateCount implements rowsource.Source.
func (s *Source) EstimateCount() int64 {
	return int64(s.count())
}

// Rows implements rowsource.Source.
func (s *Source) Rows(ctx context.Context, req rowsource.Request) (rowsource.RowSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := s.rows()

	if s.schema.Key >= 0 {
		keyed := make([]rowsource.Row, len(rows))
		for i, r := range rows {
			id, err := rowsource.KeyID(r.Values, s.schema.Key)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", r.ID, err)
			}
			keyed[i] = rowsource.Row{ID: id, Values: r.Values}
		}
		rows = keyed
	} else if req.RowID != nil {
		id := *req.RowID
		i := sort.Search(len(rows), func(i int) bool { return rows[i].ID >= id })
		if i < len(rows) && rows[i].ID == id {
			rows = rows[i : i+1]
		} else {
			rows = nil
		}
	}

	var keep []func(rowsource.Row) bool
	if req.RowID != nil && s.schema.Key >= 0 {
		id := *req.RowID
		keep = append(keep, func(r rowsource.Row) bool { return r.ID == id })
	}
	if req.Frame != nil && s.schema.Geometry >= 0 {
		frame, g := req.Frame, s.schema.Geometry
		keep = append(keep, func(r rowsource.Row) bool {
			v := r.Values[g]
			if v == nil {
				return false
			}
			b, err := spatialite.Bounds(v)
			if err != nil {
				// left for the consumer to report
				return true
			}
			return spatialite.Intersects(b, frame)
		})
	}

	switch len(keep) {
	case 0:
		return rowsource.FromSlice(rows, nil), nil
	case 1:
		return rowsource.FromSlice(rows, keep[0]), nil
	default:
		return rowsource.FromSlice(rows, func(r rowsource.Row) bool {
			for _, k := range keep {
				if !k(r) {
					return false
				}
			}
			return true
		}), nil
	}
}

// Close implements rowsource.Source.
func (s *Source) Close() error {
	return nil
}
