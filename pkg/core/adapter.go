package core

import (
	"database/sql"
	"strings"
)

// AdapterConfig is the connection configuration of one datasource behind
// the sql row source provider.
type AdapterConfig struct {
	Type     string // adapter name: duckdb, postgres, sqlite
	Path     string // database file for embedded engines; empty means in-memory
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string // extra DSN parameters
	Params   map[string]any    // adapter-specific settings, decoded by the adapter
}

// Column describes one column of a datasource table.
type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
	Position   int

	// Geometry is set when Type names a spatial type.
	Geometry bool
}

// TableMetadata describes a datasource table.
type TableMetadata struct {
	Schema  string
	Name    string
	Columns []Column

	// RowCount is -1 when the count could not be determined.
	RowCount int64
}

// GeometryColumns returns the names of the spatial columns, in table order.
func (m *TableMetadata) GeometryColumns() []string {
	var names []string
	for _, c := range m.Columns {
		if c.Geometry {
			names = append(names, c.Name)
		}
	}
	return names
}

// Rows wraps sql.Rows so adapters share one result type.
type Rows struct {
	*sql.Rows
}

// IsGeometryType reports whether a declared column type names a geometry.
func IsGeometryType(declType string) bool {
	switch strings.ToUpper(strings.TrimSpace(declType)) {
	case "GEOMETRY", "GEOGRAPHY", "POINT", "LINESTRING", "POLYGON",
		"MULTIPOINT", "MULTILINESTRING", "MULTIPOLYGON", "GEOMETRYCOLLECTION":
		return true
	}
	return false
}
