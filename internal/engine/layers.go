package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/vlayer/internal/config"
)

// Layer describes one virtual table known to the session.
type Layer struct {
	Name           string
	Provider       string
	Source         string
	GeometryColumn string
	GeometryType   string
	SRID           int

	// Configured means the layer is declared in the configuration.
	Configured bool
	// Cataloged means the layer has a catalog entry.
	Cataloged bool
	// Exists means the virtual table exists in the database.
	Exists bool
}

// Layers merges the configured layers, the catalog entries and the vlayer
// tables present in the database. The result is sorted by name.
func (e *Engine) Layers(ctx context.Context) ([]Layer, error) {
	byName := make(map[string]*Layer)
	get := func(name string) *Layer {
		l, ok := byName[name]
		if !ok {
			l = &Layer{Name: name, SRID: -1}
			byName[name] = l
		}
		return l
	}

	for name, lc := range e.layers {
		l := get(name)
		l.Configured = true
		l.Provider = lc.Provider
		l.Source = lc.Source
	}

	if e.catalog != nil {
		entries, err := e.catalog.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			l := get(entry.Name)
			l.Cataloged = true
			l.Provider = entry.Provider
			l.Source = entry.Source
			l.GeometryColumn = entry.GeometryColumn
			l.GeometryType = entry.GeometryType
			l.SRID = entry.SRID
		}
	}

	tables, err := e.virtualTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range tables {
		get(name).Exists = true
	}

	layers := make([]Layer, 0, len(byName))
	for _, l := range byName {
		layers = append(layers, *l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })
	return layers, nil
}

// virtualTables returns the names of the tables using this engine's module.
func (e *Engine) virtualTables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND sql LIKE 'CREATE VIRTUAL TABLE%'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name, stmt string
		if err := rows.Scan(&name, &stmt); err != nil {
			return nil, fmt.Errorf("failed to scan virtual table: %w", err)
		}
		if usesModule(stmt, e.moduleName) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func usesModule(stmt, module string) bool {
	lower := strings.ToLower(stmt)
	i := strings.Index(lower, " using ")
	if i < 0 {
		return false
	}
	name, _, ok := strings.Cut(lower[i+len(" using "):], "(")
	return ok && strings.TrimSpace(name) == strings.ToLower(module)
}

// Column is one column of a table as SQLite declares it.
type Column struct {
	Name   string
	Type   string
	Hidden bool
}

// Columns returns the columns of table, hidden ones included.
func (e *Engine) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := e.db.QueryContext(ctx, "SELECT name, type, hidden FROM pragma_table_xinfo(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []Column
	for rows.Next() {
		var (
			c      Column
			hidden int
		)
		if err := rows.Scan(&c.Name, &c.Type, &hidden); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		c.Hidden = hidden != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return cols, nil
}

func sortedLayerNames(layers map[string]config.LayerConfig) []string {
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
