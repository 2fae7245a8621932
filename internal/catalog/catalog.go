// Package catalog persists vlayer layer metadata in a SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/leapstack-labs/vlayer/pkg/vlayer"
)

// Layer is a catalog entry.
type Layer struct {
	ID string
	vlayer.LayerInfo
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store implements vlayer.Catalog on SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ vlayer.Catalog = (*Store)(nil)

// Open opens the catalog database at path and applies pending migrations.
// Use ":memory:" for an in-memory catalog.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog path is empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the catalog database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Register inserts layer, or replaces the entry of the same name. The id
// and creation time of a replaced entry are kept.
func (s *Store) Register(ctx context.Context, layer vlayer.LayerInfo) error {
	if layer.Name == "" {
		return fmt.Errorf("layer name is empty")
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layers (id, name, provider, source, geometry_column, geometry_type, srid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider = excluded.provider,
			source = excluded.source,
			geometry_column = excluded.geometry_column,
			geometry_type = excluded.geometry_type,
			srid = excluded.srid,
			updated_at = excluded.updated_at`,
		generateID(), layer.Name, layer.Provider, layer.Source,
		layer.GeometryColumn, layer.GeometryType, layer.SRID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register layer %s: %w", layer.Name, err)
	}
	return nil
}

// Lookup returns the metadata of the named layer.
func (s *Store) Lookup(ctx context.Context, name string) (vlayer.LayerInfo, error) {
	l, err := s.Get(ctx, name)
	if err != nil {
		return vlayer.LayerInfo{}, err
	}
	return l.LayerInfo, nil
}

// Get returns the full catalog entry of the named layer.
func (s *Store) Get(ctx context.Context, name string) (*Layer, error) {
	row := s.db.QueryRowContext(ctx, selectLayers+" WHERE name = ?", name)
	l, err := scanLayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", vlayer.ErrLayerNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get layer %s: %w", name, err)
	}
	return l, nil
}

// List returns every catalog entry ordered by name.
func (s *Store) List(ctx context.Context) ([]*Layer, error) {
	rows, err := s.db.QueryContext(ctx, selectLayers+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var layers []*Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan layer: %w", err)
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	return layers, nil
}

// Rename moves the entry oldName to newName.
func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	if newName == "" {
		return fmt.Errorf("layer name is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE layers SET name = ?, updated_at = ? WHERE name = ?`,
		newName, formatTime(s.now()), oldName,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to rename layer %s: layer %s already exists", oldName, newName)
		}
		return fmt.Errorf("failed to rename layer %s: %w", oldName, err)
	}
	return affected(res, oldName)
}

// Remove deletes the named entry.
func (s *Store) Remove(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM layers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove layer %s: %w", name, err)
	}
	return affected(res, name)
}

const selectLayers = `SELECT id, name, provider, source, geometry_column, geometry_type, srid, created_at, updated_at FROM layers`

type scanner interface {
	Scan(dest ...any) error
}

func scanLayer(sc scanner) (*Layer, error) {
	var (
		l                Layer
		created, updated string
	)
	err := sc.Scan(&l.ID, &l.Name, &l.Provider, &l.Source,
		&l.GeometryColumn, &l.GeometryType, &l.SRID, &created, &updated)
	if err != nil {
		return nil, err
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &l, nil
}

func affected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", vlayer.ErrLayerNotFound, name)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// generateID creates a new UUID.
func generateID() string {
	return uuid.New().String()
}
