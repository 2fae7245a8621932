package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// ErrNotConnected is returned by adapter calls made before Connect or after
// Close.
var ErrNotConnected = errors.New("database connection not established")

// BaseSQLAdapter implements the database/sql half of Adapter. Concrete
// adapters embed it and add Connect, Dialect and GetTableMetadata.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    core.AdapterConfig
	Logger *slog.Logger
}

func (b *BaseSQLAdapter) db() (*sql.DB, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}
	return b.DB, nil
}

// Close closes the connection pool. Closing twice is a no-op.
func (b *BaseSQLAdapter) Close() error {
	if b.DB == nil {
		return nil
	}
	if b.Logger != nil {
		b.Logger.Debug("closing datasource connection", slog.String("type", b.Cfg.Type))
	}
	err := b.DB.Close()
	b.DB = nil
	return err
}

// Exec runs a statement that returns no rows.
func (b *BaseSQLAdapter) Exec(ctx context.Context, sqlStr string, args ...any) error {
	db, err := b.db()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// Query runs a statement that returns rows. The caller closes them.
func (b *BaseSQLAdapter) Query(ctx context.Context, sqlStr string, args ...any) (*core.Rows, error) {
	db, err := b.db()
	if err != nil {
		return nil, err
	}
	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return &core.Rows{Rows: rows}, nil
}

// IsConnected reports whether Connect succeeded and Close has not run.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// ParseQualifiedName splits "schema.table"; a bare name gets the dialect's
// default schema.
func ParseQualifiedName(table string, d *Dialect) (schema, name string) {
	if s, n, ok := strings.Cut(table, "."); ok && !strings.Contains(n, ".") {
		return s, n
	}
	return d.DefaultSchema, table
}

// GetTableMetadataCommon reads column metadata from information_schema,
// flagging spatial columns, and counts the table's rows.
func (b *BaseSQLAdapter) GetTableMetadataCommon(ctx context.Context, table string, d *Dialect) (*core.TableMetadata, error) {
	db, err := b.db()
	if err != nil {
		return nil, err
	}

	schema, tableName := ParseQualifiedName(table, d)
	typeExpr := d.TypeColumn
	if typeExpr == "" {
		typeExpr = "data_type"
	}

	//nolint:gosec // typeExpr is dialect constant, values are bound
	query := fmt.Sprintf(`
		SELECT column_name, %s, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s
		ORDER BY ordinal_position
	`, typeExpr, d.FormatPlaceholder(1), d.FormatPlaceholder(2))

	rows, err := db.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []core.Column
	for rows.Next() {
		var (
			col      core.Column
			nullable string
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		col.Geometry = core.IsGeometryType(col.Type)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}

	quoted := d.QuoteIdent(schema) + "." + d.QuoteIdent(tableName)
	return &core.TableMetadata{
		Schema:   schema,
		Name:     tableName,
		Columns:  columns,
		RowCount: b.count(ctx, "SELECT COUNT(*) FROM "+quoted),
	}, nil
}

// CountQuery returns the row count of an arbitrary SELECT, or -1 when it
// cannot be determined.
func (b *BaseSQLAdapter) CountQuery(ctx context.Context, query string, args ...any) int64 {
	return b.count(ctx, "SELECT COUNT(*) FROM ("+query+") AS src", args...)
}

func (b *BaseSQLAdapter) count(ctx context.Context, query string, args ...any) int64 {
	db, err := b.db()
	if err != nil {
		return -1
	}
	var n int64
	//nolint:gosec // identifiers are quoted; sources come from configuration
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		if b.Logger != nil {
			b.Logger.Debug("row count unavailable", slog.Any("error", err))
		}
		return -1
	}
	return n
}
