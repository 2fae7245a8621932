package vlayer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/leapstack-labs/vlayer/internal/testutil"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/memory"
)

var moduleSeq atomic.Int64

// registerModule installs m under a fresh name; the driver never forgets a
// module name, so every test gets its own.
func registerModule(t *testing.T, m *Module) string {
	t.Helper()
	name := fmt.Sprintf("vlayer_test_%d", moduleSeq.Add(1))
	require.NoError(t, Register(name, m))
	t.Cleanup(func() { Unregister(name) })
	return name
}

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queryIDs(t *testing.T, db *sql.DB, query string, args ...any) []int64 {
	t.Helper()
	rows, err := db.Query(query, args...)
	require.NoError(t, err, query)
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err(), query)
	return ids
}

// setupPoints registers a module serving pointsLayer and creates pts.
func setupPoints(t *testing.T, opts ...ModuleOption) (*sql.DB, *Module) {
	t.Helper()
	m, mem := newTestModule(t, opts...)
	mem.Add("points", pointsLayer())
	name := registerModule(t, m)

	db := openDB(t, ":memory:")
	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE pts USING %s(memory, points)", name))
	require.NoError(t, err)
	return db, m
}

func TestSQLite_GeometryEquality(t *testing.T) {
	db, _ := setupPoints(t)
	assert.Equal(t, []int64{2}, queryIDs(t, db, "SELECT rowid FROM pts WHERE geom = MakePoint(1, 1)"))
	assert.Empty(t, queryIDs(t, db, "SELECT rowid FROM pts WHERE geom = MakePoint(5, 5)"))
}

func TestSQLite_Schema(t *testing.T) {
	db, _ := setupPoints(t)

	rows, err := db.Query("SELECT * FROM pts")
	require.NoError(t, err)
	cols, err := rows.Columns()
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"name", "v", "geom"}, cols, "the frame column is hidden")

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM pts").Scan(&count))
	assert.Equal(t, 4, count)

	var name string
	var v sql.NullInt64
	var g []byte
	require.NoError(t, db.QueryRow("SELECT name, v, geom FROM pts WHERE rowid = 4").Scan(&name, &v, &g))
	assert.Equal(t, "d", name)
	assert.False(t, v.Valid)
	assert.Nil(t, g)
}

func TestSQLite_SearchFrame(t *testing.T) {
	db, _ := setupPoints(t)

	got := queryIDs(t, db, "SELECT rowid FROM pts WHERE _search_frame_ = BuildMbr(0.5, 0.5, 2, 2) ORDER BY rowid")
	assert.Equal(t, []int64{2, 3}, got)

	want := queryIDs(t, db, "SELECT rowid FROM pts WHERE MbrIntersects(geom, BuildMbr(0.5, 0.5, 2, 2)) = 1 ORDER BY rowid")
	assert.Equal(t, want, got)

	assert.Empty(t, queryIDs(t, db, "SELECT rowid FROM pts WHERE _search_frame_ = NULL"))
	assert.Equal(t, []int64{1}, queryIDs(t, db, "SELECT rowid FROM pts WHERE _search_frame_ = 'POINT (0 0)'"))
}

// Every condition is run once as a column constraint SQLite hands to the
// table and once behind a unary plus, which keeps it out of BestIndex. The
// plus also drops column affinity, so text operands on numeric columns are
// checked separately.
func TestSQLite_PushdownMatchesEngine(t *testing.T) {
	db, _ := setupPoints(t)

	assert.Equal(t, []int64{2}, queryIDs(t, db, "SELECT rowid FROM pts WHERE v = '2'"))
	assert.Equal(t, []int64{3}, queryIDs(t, db, "SELECT rowid FROM pts WHERE rowid = '3'"))

	conds := []string{
		"%sv > 1",
		"%sv >= 2",
		"%sv < 2.5",
		"%sv <= 1",
		"%sv = 2",
		"%sv != 2",
		"%sv IS 2",
		"%sv IS NOT 2",
		"%sv IS NULL",
		"%sv IS NOT NULL",
		"%sv = NULL",
		"%sname = 'b'",
		"%sname >= 'b'",
		"%sname < 'c'",
		"%srowid = 3",
		"%srowid >= 2",
		"%srowid < 3",
		"%srowid != 1",
		"%sgeom IS NULL",
		"%sgeom IS NOT NULL",
		"%sgeom = MakePoint(2, 2)",
		"%sv > 1 AND %sname != 'c'",
		"%srowid = 2 AND %sv = 2",
		"%srowid = 2 AND %sv = 3",
	}
	for _, cond := range conds {
		pushed := strings.ReplaceAll(cond, "%s", "")
		t.Run(pushed, func(t *testing.T) {
			engine := strings.ReplaceAll(cond, "%s", "+")
			want := queryIDs(t, db, "SELECT rowid FROM pts WHERE "+engine+" ORDER BY rowid")
			got := queryIDs(t, db, "SELECT rowid FROM pts WHERE "+pushed+" ORDER BY rowid")
			assert.Equal(t, want, got)
		})
	}
}

func TestSQLite_Functions(t *testing.T) {
	db, _ := setupPoints(t)

	var (
		text   string
		x, y   float64
		srid   int64
		typ    string
		inside int64
	)
	err := db.QueryRow(`SELECT ST_AsText(geom), ST_X(geom), ST_Y(geom), ST_SRID(geom), ST_GeometryType(geom),
		MbrIntersects(geom, BuildMbr(0, 0, 1, 1)) FROM pts WHERE rowid = 2`).Scan(&text, &x, &y, &srid, &typ, &inside)
	require.NoError(t, err)
	assert.Equal(t, "POINT (1 1)", text)
	assert.Equal(t, 1.0, x)
	assert.Equal(t, 1.0, y)
	assert.Equal(t, int64(0), srid)
	assert.Equal(t, "POINT", typ)
	assert.Equal(t, int64(1), inside)

	require.NoError(t, db.QueryRow("SELECT ST_SRID(ST_GeomFromText('POINT (1 2)', 4326))").Scan(&srid))
	assert.Equal(t, int64(4326), srid)

	var missing sql.NullString
	require.NoError(t, db.QueryRow("SELECT ST_AsText(ST_GeomFromText('not wkt'))").Scan(&missing))
	assert.False(t, missing.Valid)

	_, err = db.Exec("SELECT MakePoint(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong number of arguments")
}

func TestSQLite_KeyColumn(t *testing.T) {
	l := memory.NewLayer(
		rowsource.Field{Name: "fid", Type: "INTEGER"},
		rowsource.Field{Name: "name", Type: "TEXT"},
		rowsource.Field{Name: "geom", Type: rowsource.GeometryType, Nullable: true},
	)
	l.MustAppend(int64(30), "c", point(3, 3))
	l.MustAppend(int64(10), "a", point(1, 1))
	l.MustAppend(int64(20), "b", point(2, 2))

	m, mem := newTestModule(t)
	mem.Add("keyed", l)
	name := registerModule(t, m)
	db := openDB(t, ":memory:")
	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE k USING %s(memory, keyed, key=fid)", name))
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20, 30}, queryIDs(t, db, "SELECT rowid FROM k ORDER BY rowid"))
	assert.Equal(t, []int64{30, 10, 20}, queryIDs(t, db, "SELECT rowid FROM k"))

	var label string
	require.NoError(t, db.QueryRow("SELECT name FROM k WHERE rowid = 20").Scan(&label))
	assert.Equal(t, "b", label)
	require.NoError(t, db.QueryRow("SELECT name FROM k WHERE fid = 30").Scan(&label))
	assert.Equal(t, "c", label)
	assert.Equal(t, []int64{20, 30}, queryIDs(t, db, "SELECT fid FROM k WHERE fid > 15 ORDER BY fid"))

	// every row is rejected inside one Filter, so the duplicate is seen there
	l.MustAppend(int64(10), "again", point(4, 4))
	rows, err := db.Query("SELECT rowid FROM k WHERE geom IS NULL")
	if err == nil {
		for rows.Next() {
		}
		err = rows.Err()
		_ = rows.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key 10")
}

func TestSQLite_CreateErrors(t *testing.T) {
	m, mem := newTestModule(t)
	mem.Add("points", pointsLayer())
	dup := memory.NewLayer(rowsource.Field{Name: "a", Type: "TEXT"}, rowsource.Field{Name: "A", Type: "TEXT"})
	mem.Add("dup", dup)
	name := registerModule(t, m)
	db := openDB(t, ":memory:")

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "missing source", args: "memory", want: "missing source"},
		{name: "unknown provider", args: "postgis, roads", want: "invalid provider"},
		{name: "unknown layer", args: "memory, nowhere", want: "failed to open source"},
		{name: "provider option rejected", args: "memory, points, color=red", want: "does not accept option(s) color"},
		{name: "duplicate columns", args: "memory, dup", want: `duplicate column name "A"`},
		{name: "text field as geometry", args: "memory, points, geometry=name, geometry_type=point", want: ""},
		{name: "unknown geometry field", args: "memory, points, geometry=shape", want: `field "shape" not found`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE bad USING %s(%s)", name, tt.args))
			if tt.want == "" {
				// accepted at create time; bad rows surface when read
				require.NoError(t, err)
				_, err = db.Exec("DROP TABLE bad")
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema error")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Equal(t, 0, m.Live().Tables, "failed creates leave nothing open")
}

func TestSQLite_FormatErrorSurfaces(t *testing.T) {
	l := memory.NewLayer(
		rowsource.Field{Name: "name", Type: "TEXT"},
		rowsource.Field{Name: "geom", Type: rowsource.GeometryType, Nullable: true},
	)
	l.MustAppend("ok", point(0, 0))
	l.MustAppend("broken", []byte{0x00, 0x01, 0xff})

	m, mem := newTestModule(t)
	mem.Add("mixed", l)
	name := registerModule(t, m)
	db := openDB(t, ":memory:")
	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE mixed USING %s(memory, mixed)", name))
	require.NoError(t, err)

	var label string
	require.NoError(t, db.QueryRow("SELECT name FROM mixed WHERE rowid = 2").Scan(&label))
	assert.Equal(t, "broken", label, "other columns of the row stay readable")

	var g []byte
	err = db.QueryRow("SELECT geom FROM mixed WHERE rowid = 2").Scan(&g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format error")

	assert.Equal(t, []int64{1}, queryIDs(t, db, "SELECT rowid FROM mixed WHERE _search_frame_ = BuildMbr(-1, -1, 1, 1)"),
		"rows with unreadable geometry never match a frame")
}

func TestSQLite_PushedGeometryPredicatesFail(t *testing.T) {
	l := memory.NewLayer(
		rowsource.Field{Name: "v", Type: "INTEGER", Nullable: true},
		rowsource.Field{Name: "geom", Type: rowsource.GeometryType, Nullable: true},
	)
	l.MustAppend(int64(1), []byte{0xde, 0xad})
	l.MustAppend(int64(2), nil)
	l.MustAppend(int64(3), point(1, 1))

	m, mem := newTestModule(t)
	mem.Add("bad", l)
	name := registerModule(t, m)
	db := openDB(t, ":memory:")
	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE bad USING %s(memory, bad)", name))
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE typed USING %s(memory, bad, geometry_type=polygon)", name))
	require.NoError(t, err)

	var n int64
	require.NoError(t, db.QueryRow("SELECT count(*) FROM bad").Scan(&n))
	assert.Equal(t, int64(3), n)

	for _, query := range []string{
		"SELECT count(*) FROM bad WHERE geom IS NULL",
		"SELECT count(*) FROM bad WHERE geom IS NOT NULL",
		"SELECT count(*) FROM bad WHERE geom = MakePoint(1, 1)",
		// the same predicate left to SQLite
		"SELECT count(*) FROM bad WHERE geom IS NOT NULL OR v = 99",
		// rows that are valid but not of the declared type
		"SELECT count(*) FROM typed WHERE rowid > 1 AND geom IS NOT NULL",
	} {
		t.Run(query, func(t *testing.T) {
			err := db.QueryRow(query).Scan(&n)
			require.Error(t, err, "an unreadable geometry must fail the statement, not drop the row")
			assert.Contains(t, err.Error(), "format error")
		})
	}

	require.NoError(t, db.QueryRow("SELECT count(*) FROM bad WHERE rowid = 2 AND geom IS NULL").Scan(&n))
	assert.Equal(t, int64(1), n, "rows outside a rowid lookup never convert their geometry")
}

func TestSQLite_Registration(t *testing.T) {
	m, mem := newTestModule(t)
	mem.Add("points", pointsLayer())
	name := registerModule(t, m)

	err := Register(name, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	Unregister(name)
	db := openDB(t, ":memory:")
	_, err = db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE pts USING %s(memory, points)", name))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not registered")

	require.NoError(t, Register(name, m))
	db = openDB(t, ":memory:")
	_, err = db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE pts USING %s(memory, points)", name))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Live().Tables)

	_, err = db.Exec("DROP TABLE pts")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Live().Tables)
}

type fakeCatalog struct {
	mu       sync.Mutex
	layers   map[string]LayerInfo
	failWith error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{layers: make(map[string]LayerInfo)}
}

func (c *fakeCatalog) Register(_ context.Context, layer LayerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.layers[layer.Name] = layer
	return nil
}

func (c *fakeCatalog) Lookup(_ context.Context, name string) (LayerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[name]
	if !ok {
		return LayerInfo{}, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return l, nil
}

func (c *fakeCatalog) Rename(_ context.Context, oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, oldName)
	}
	delete(c.layers, oldName)
	l.Name = newName
	c.layers[newName] = l
	return nil
}

func (c *fakeCatalog) Remove(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.layers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	delete(c.layers, name)
	return nil
}

func (c *fakeCatalog) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.layers[name]
	return ok
}

func (c *fakeCatalog) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, name)
}

func TestSQLite_Catalog(t *testing.T) {
	cat := newFakeCatalog()
	logger, rec := testutil.NewRecordingLogger(t)
	db, _ := setupPoints(t, WithCatalog(cat), WithLogger(logger))

	layer, err := cat.Lookup(context.Background(), "pts")
	require.NoError(t, err)
	assert.Equal(t, LayerInfo{
		Name:           "pts",
		Provider:       memory.ProviderName,
		Source:         "points",
		GeometryColumn: "geom",
		GeometryType:   rowsource.GeometryType,
		SRID:           -1,
	}, layer)

	_, err = db.Exec("ALTER TABLE pts RENAME TO places")
	require.NoError(t, err)
	assert.False(t, cat.has("pts"))
	assert.True(t, cat.has("places"))
	assert.Equal(t, []int64{2}, queryIDs(t, db, "SELECT rowid FROM places WHERE geom = MakePoint(1, 1)"))

	cat.drop("places")
	_, err = db.Exec("DROP TABLE places")
	require.NoError(t, err)
	assert.Contains(t, rec.Messages(slog.LevelWarn), "layer already missing from catalog")
}

func TestSQLite_CatalogRegisterFailure(t *testing.T) {
	cat := newFakeCatalog()
	cat.failWith = errors.New("catalog is read-only")
	m, mem := newTestModule(t, WithCatalog(cat))
	mem.Add("points", pointsLayer())
	name := registerModule(t, m)
	db := openDB(t, ":memory:")

	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE pts USING %s(memory, points)", name))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register layer")
	assert.Contains(t, err.Error(), "catalog is read-only")
	assert.Equal(t, 0, m.Live().Tables)
}

func TestSQLite_ConnectWarnsOnMissingLayer(t *testing.T) {
	cat := newFakeCatalog()
	logger, rec := testutil.NewRecordingLogger(t)
	m, mem := newTestModule(t, WithCatalog(cat), WithLogger(logger))
	mem.Add("points", pointsLayer())
	name := registerModule(t, m)

	dsn := filepath.Join(t.TempDir(), "layers.db")
	db := openDB(t, dsn)
	_, err := db.Exec(fmt.Sprintf("CREATE VIRTUAL TABLE pts USING %s(memory, points)", name))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Equal(t, 0, m.Live().Tables)

	cat.drop("pts")
	db = openDB(t, dsn)
	assert.Equal(t, []int64{1, 2, 3, 4}, queryIDs(t, db, "SELECT rowid FROM pts"))
	assert.Contains(t, rec.Messages(slog.LevelWarn), "layer not in catalog")
}
