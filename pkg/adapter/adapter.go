// Package adapter provides the database adapter contract used by the SQL
// row source provider.
//
// Concrete adapter implementations are in pkg/adapters/ subdirectories and
// register themselves by name from their init() functions.
package adapter

import (
	"context"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Type aliases for the shared types defined in pkg/core.
type (
	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Column is an alias for core.Column.
	Column = core.Column

	// Metadata is an alias for core.TableMetadata.
	Metadata = core.TableMetadata

	// Rows is an alias for core.Rows.
	Rows = core.Rows
)

// Adapter defines the interface that all database adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the database using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the database connection and releases resources.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string, args ...any) error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string, args ...any) (*Rows, error)

	// GetTableMetadata retrieves metadata for a specified table.
	GetTableMetadata(ctx context.Context, table string) (*Metadata, error)

	// Dialect returns the SQL dialect of the database. Row sources use it
	// to format placeholders and to select geometry columns as binary.
	Dialect() *Dialect
}
