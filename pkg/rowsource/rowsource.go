// Package rowsource defines the contract between virtual tables and the
// data providers that feed them.
//
// A Provider opens a Source from a Definition. A Source describes its schema
// and capabilities and hands out one RowSource per scan. RowSources stream
// rows until io.EOF and are owned by a single consumer.
package rowsource

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// GeometryType is the declared type providers use for geometry fields.
const GeometryType = "GEOMETRY"

// Field describes one column produced by a Source.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// Schema is the ordered field list of a Source.
type Schema struct {
	Fields []Field

	// Geometry is the index of the geometry field, or -1.
	Geometry int

	// Key is the index of the field holding stable row ids, or -1.
	Key int
}

// Capabilities advertises what a Source can do natively.
type Capabilities struct {
	// StableIDs means Row.ID is meaningful across scans.
	StableIDs bool

	// Ordered means rows arrive sorted by ascending Row.ID.
	Ordered bool

	// RowIDLookup means Request.RowID is honored without a full scan.
	RowIDLookup bool

	// SpatialFilter means Request.Frame is honored without a full scan.
	SpatialFilter bool
}

// Request carries optional pushdown hints. Sources may ignore any hint;
// consumers re-check every row.
type Request struct {
	RowID *int64
	Frame *geom.Bounds
}

// Row is one record. Values is aligned with Schema.Fields.
type Row struct {
	ID     int64
	Values []any
}

// RowSource streams rows for one scan.
type RowSource interface {
	// Next returns the next row, or io.EOF when the scan is exhausted.
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Source is an opened data set.
type Source interface {
	Schema() Schema
	Capabilities() Capabilities

	// EstimateCount returns the expected row count, or -1 when unknown.
	EstimateCount() int64

	Rows(ctx context.Context, req Request) (RowSource, error)
	Close() error
}

// Definition identifies a data set for a Provider.
type Definition struct {
	// Table is the virtual table being created.
	Table string

	// Source is the provider-specific locator (layer name, path, query).
	Source string

	// Geometry selects the geometry field by name or index. Empty means
	// auto-detect unless NoGeometry is set.
	Geometry   string
	NoGeometry bool

	// Key names the field holding stable integer ids.
	Key string

	// Options holds provider-specific settings.
	Options map[string]string
}

// Provider opens Sources.
type Provider interface {
	Name() string
	Open(ctx context.Context, def Definition) (Source, error)
}

// FieldIndex resolves a field by name (case-insensitive) or zero-based index.
func (s Schema) FieldIndex(ref string) (int, error) {
	for i, f := range s.Fields {
		if strings.EqualFold(f.Name, ref) {
			return i, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 0 || n >= len(s.Fields) {
			return -1, fmt.Errorf("field index %d out of range (have %d fields)", n, len(s.Fields))
		}
		return n, nil
	}
	return -1, fmt.Errorf("field %q not found", ref)
}

// BuildSchema resolves the geometry and key fields of def against fields.
// When def names no geometry, the first field accepted by detect is used.
func BuildSchema(fields []Field, def Definition, detect func(Field) bool) (Schema, error) {
	s := Schema{Fields: fields, Geometry: -1, Key: -1}

	switch {
	case def.NoGeometry:
	case def.Geometry != "":
		i, err := s.FieldIndex(def.Geometry)
		if err != nil {
			return Schema{}, fmt.Errorf("geometry: %w", err)
		}
		s.Geometry = i
	case detect != nil:
		for i, f := range fields {
			if detect(f) {
				s.Geometry = i
				break
			}
		}
	}

	if def.Key != "" {
		i, err := s.FieldIndex(def.Key)
		if err != nil {
			return Schema{}, fmt.Errorf("key: %w", err)
		}
		s.Key = i
	}
	return s, nil
}

// IsGeometryType reports whether a declared type names a geometry.
func IsGeometryType(declType string) bool {
	return core.IsGeometryType(declType)
}

// KeyID extracts a stable id from the key field of a row.
func KeyID(values []any, key int) (int64, error) {
	if key < 0 || key >= len(values) {
		return 0, fmt.Errorf("key index %d out of range", key)
	}
	switch v := core.Coerce(core.Normalize(values[key]), core.AffinityInteger).(type) {
	case int64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("key field is NULL")
	default:
		return 0, fmt.Errorf("key value %v is not an integer", v)
	}
}

// CheckOptions rejects provider options outside allowed.
func CheckOptions(provider string, opts map[string]string, allowed ...string) error {
	var unknown []string
	for k := range opts {
		if !slices.Contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%s provider does not accept option(s) %s", provider, strings.Join(unknown, ", "))
}
