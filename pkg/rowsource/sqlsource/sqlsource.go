// Package sqlsource provides a row source provider backed by a query or
// table in an external database reached through a pkg/adapter Adapter.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/leapstack-labs/vlayer/pkg/adapter"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
)

// ProviderName is the name virtual tables use to select this provider.
const ProviderName = "sql"

// DefaultDatasource is used when a table names no datasource option.
const DefaultDatasource = "default"

// Resolver returns a connected adapter for a named datasource. Adapters are
// owned by the resolver and are not closed by the provider.
type Resolver func(ctx context.Context, name string) (adapter.Adapter, error)

// Provider opens SQL sources.
type Provider struct {
	resolve Resolver
	logger  *slog.Logger
}

// New creates a SQL provider. If logger is nil, a discard logger is used.
func New(resolve Resolver, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{resolve: resolve, logger: logger}
}

// Name implements rowsource.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// Open implements rowsource.Provider. def.Source is either a SELECT/WITH
// query or a possibly schema-qualified table name.
func (p *Provider) Open(ctx context.Context, def rowsource.Definition) (rowsource.Source, error) {
	if err := rowsource.CheckOptions(ProviderName, def.Options, "datasource"); err != nil {
		return nil, err
	}
	name := def.Options["datasource"]
	if name == "" {
		name = DefaultDatasource
	}
	a, err := p.resolve(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: %w", name, err)
	}
	d := a.Dialect()

	base := baseQuery(def.Source, d)
	fields, err := probe(ctx, a, base)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(slog.String("datasource", name))
	count := int64(-1)
	if table, ok := tableName(def.Source); ok {
		// Drivers report unregistered spatial types (PostGIS) by OID, so the
		// catalog is the better authority on which columns hold geometry.
		if meta, err := a.GetTableMetadata(ctx, table); err == nil {
			markGeometry(fields, meta)
			count = meta.RowCount
		} else {
			logger.Debug("table metadata unavailable", slog.String("table", table), slog.Any("error", err))
		}
	}

	schema, err := rowsource.BuildSchema(fields, def, func(f rowsource.Field) bool {
		return rowsource.IsGeometryType(f.Type)
	})
	if err != nil {
		return nil, err
	}

	s := &source{
		adapter: a,
		dialect: d,
		schema:  schema,
		query:   selectQuery(base, schema, d),
		count:   count,
		logger:  logger,
	}
	if c, ok := a.(interface {
		CountQuery(ctx context.Context, query string, args ...any) int64
	}); ok && s.count < 0 {
		s.count = c.CountQuery(ctx, base)
	}
	s.logger.Debug("opened sql source", slog.String("query", s.query), slog.Int64("rows", s.count))
	return s, nil
}

// baseQuery turns a source locator into a SELECT.
func baseQuery(src string, d *adapter.Dialect) string {
	if table, ok := tableName(src); ok {
		return "SELECT * FROM " + d.QuoteQualified(table)
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(src), ";"))
}

// tableName reports whether src is a bare, possibly schema-qualified,
// table name rather than a query.
func tableName(src string) (string, bool) {
	src = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(src), ";"))
	if src == "" || strings.IndexFunc(src, unicode.IsSpace) >= 0 {
		return "", false
	}
	return src, true
}

// markGeometry retypes the fields the table metadata flags as spatial.
func markGeometry(fields []rowsource.Field, meta *adapter.Metadata) {
	for _, col := range meta.GeometryColumns() {
		for i := range fields {
			if strings.EqualFold(fields[i].Name, col) && !rowsource.IsGeometryType(fields[i].Type) {
				fields[i].Type = rowsource.GeometryType
			}
		}
	}
}

// probe discovers the result columns of query without reading rows.
func probe(ctx context.Context, a adapter.Adapter, query string) ([]rowsource.Field, error) {
	rows, err := a.Query(ctx, "SELECT * FROM ("+query+") AS src LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("failed to describe source: %w", err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	fields := make([]rowsource.Field, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		fields[i] = rowsource.Field{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Nullable: nullable || !ok,
		}
	}
	return fields, rows.Err()
}

// selectQuery projects every field, converting the geometry column to
// bytes when the database stores it in a native type.
func selectQuery(base string, schema rowsource.Schema, d *adapter.Dialect) string {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		col := "src." + d.QuoteIdent(f.Name)
		if i == schema.Geometry && !storedAsBytesOrText(f.Type) {
			col = d.GeometryExpr(col) + " AS " + d.QuoteIdent(f.Name)
		}
		cols[i] = col
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM (" + base + ") AS src"
}

func storedAsBytesOrText(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "", "BLOB", "BYTEA", "TEXT", "VARCHAR", "CHAR", "WKB_BLOB", "BINARY", "VARBINARY":
		return true
	}
	return false
}

type source struct {
	adapter adapter.Adapter
	dialect *adapter.Dialect
	schema  rowsource.Schema
	query   string
	count   int64
	logger  *slog.Logger
}

func (s *source) Schema() rowsource.Schema {
	return s.schema
}

// Capabilities depend on a key field: without one, rows have no identity
// across scans.
func (s *source) Capabilities() rowsource.Capabilities {
	keyed := s.schema.Key >= 0
	return rowsource.Capabilities{
		StableIDs:   keyed,
		Ordered:     keyed,
		RowIDLookup: keyed,
	}
}

func (s *source) EstimateCount() int64 {
	return s.count
}

func (s *source) Rows(ctx context.Context, req rowsource.Request) (rowsource.RowSource, error) {
	query := s.query
	var args []any
	if s.schema.Key >= 0 {
		key := "src." + s.dialect.QuoteIdent(s.schema.Fields[s.schema.Key].Name)
		if req.RowID != nil {
			query += " WHERE " + key + " = " + s.dialect.FormatPlaceholder(1)
			args = append(args, *req.RowID)
		}
		query += " ORDER BY " + key
	}

	// The result set outlives the call, so it gets its own context; ctx
	// only bounds the time spent starting the query.
	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	rows, err := s.adapter.Query(scanCtx, query, args...)
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	return &sqlRows{rows: rows.Rows, cancel: cancel, width: len(s.schema.Fields), key: s.schema.Key}, nil
}

func (s *source) Close() error {
	return nil
}

type sqlRows struct {
	rows   *sql.Rows
	cancel context.CancelFunc
	width  int
	key    int
	done   bool
}

func (r *sqlRows) Next(ctx context.Context) (rowsource.Row, error) {
	if r.done {
		return rowsource.Row{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return rowsource.Row{}, err
	}
	if !r.rows.Next() {
		r.done = true
		if err := r.rows.Err(); err != nil {
			return rowsource.Row{}, err
		}
		return rowsource.Row{}, io.EOF
	}

	values := make([]any, r.width)
	ptrs := make([]any, r.width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return rowsource.Row{}, fmt.Errorf("failed to scan row: %w", err)
	}

	row := rowsource.Row{Values: values}
	if r.key >= 0 {
		id, err := rowsource.KeyID(values, r.key)
		if err != nil {
			return rowsource.Row{}, err
		}
		row.ID = id
	}
	return row, nil
}

func (r *sqlRows) Close() error {
	r.done = true
	err := r.rows.Close()
	r.cancel()
	return err
}
