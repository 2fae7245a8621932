// Package sqlite provides an adapter for SQLite database files, read
// through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/vlayer/pkg/adapter"
	"github.com/leapstack-labs/vlayer/pkg/core"

	_ "modernc.org/sqlite" // sqlite driver
)

// Adapter implements the adapter.Adapter interface for SQLite.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// Geometry columns in SQLite files already hold SpatiaLite blobs, WKB or
// WKT, all of which the row source understands.
var dialect = &adapter.Dialect{
	Name:          "sqlite",
	DefaultSchema: "main",
	Placeholder:   adapter.PlaceholderQuestion,
}

// New creates a new SQLite adapter instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger},
	}
}

// Dialect implements adapter.Adapter.
func (a *Adapter) Dialect() *adapter.Dialect {
	return dialect
}

// Connect opens the database file at cfg.Path. An empty path or ":memory:"
// opens a private in-memory database. Set Options["mode"] to "ro" to open
// the file read-only.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	if mode := cfg.Options["mode"]; mode != "" && dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=%s", dsn, mode)
	}

	a.Logger.Debug("connecting to sqlite", slog.String("path", dsn))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if dsn == ":memory:" {
		// an in-memory database exists once per connection
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite: %w", err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// GetTableMetadata retrieves metadata for a specified table.
func (a *Adapter) GetTableMetadata(ctx context.Context, table string) (*adapter.Metadata, error) {
	if a.DB == nil {
		return nil, adapter.ErrNotConnected
	}

	schema, name := adapter.ParseQualifiedName(table, dialect)

	//nolint:gosec // identifiers are quoted
	rows, err := a.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)",
		dialect.QuoteIdent(schema), dialect.QuoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []adapter.Column
	for rows.Next() {
		var (
			cid     int
			col     adapter.Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = notNull == 0
		col.PrimaryKey = pk > 0
		col.Geometry = core.IsGeometryType(col.Type)
		col.Position = cid + 1
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}

	var count int64
	//nolint:gosec // identifiers are quoted
	if err := a.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+dialect.QuoteIdent(schema)+"."+dialect.QuoteIdent(name)).Scan(&count); err != nil {
		count = -1
	}

	return &adapter.Metadata{
		Schema:   schema,
		Name:     name,
		Columns:  columns,
		RowCount: count,
	}, nil
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
