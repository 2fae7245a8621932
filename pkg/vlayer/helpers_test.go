package vlayer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/leapstack-labs/vlayer/internal/testutil"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/memory"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

func point(x, y float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{x, y})
}

func pointBlob(t *testing.T, x, y float64) []byte {
	t.Helper()
	b, err := spatialite.Encode(point(x, y))
	require.NoError(t, err)
	return b
}

// pointsLayer holds (0,0), (1,1), (2,2) and a row without geometry.
func pointsLayer() *memory.Layer {
	l := memory.NewLayer(
		rowsource.Field{Name: "name", Type: "TEXT", Nullable: true},
		rowsource.Field{Name: "v", Type: "INTEGER", Nullable: true},
		rowsource.Field{Name: "geom", Type: rowsource.GeometryType, Nullable: true},
	)
	l.MustAppend("a", int64(1), point(0, 0))
	l.MustAppend("b", int64(2), point(1, 1))
	l.MustAppend("c", int64(3), point(2, 2))
	l.MustAppend("d", nil, nil)
	return l
}

func newTestModule(t *testing.T, opts ...ModuleOption) (*Module, *memory.Provider) {
	t.Helper()
	mem := memory.New()
	opts = append([]ModuleOption{WithLogger(testutil.NewTestLogger(t))}, opts...)
	return NewModule(rowsource.NewRegistry(mem), opts...), mem
}

// newTestTable builds a table over src the way Create would, without
// going through SQLite.
func newTestTable(t *testing.T, m *Module, src rowsource.Source, args ...string) *Table {
	t.Helper()
	params, err := ParseArgs(append([]string{"test", "src"}, args...), m.limitWait)
	require.NoError(t, err)
	tbl, err := newTable(m, "main", "pts", params, src)
	require.NoError(t, err)
	tbl.handle = m.handles.addTable(tbl)
	t.Cleanup(func() { _ = tbl.release() })
	return tbl
}

func openMemory(t *testing.T, l *memory.Layer, args ...string) rowsource.Source {
	t.Helper()
	params, err := ParseArgs(append([]string{memory.ProviderName, "layer"}, args...), DefaultLimitWait)
	require.NoError(t, err)
	p := memory.New()
	p.Add("layer", l)
	src, err := p.Open(context.Background(), params.Definition("pts"))
	require.NoError(t, err)
	return src
}

func drain(t *testing.T, c *Cursor) []int64 {
	t.Helper()
	var ids []int64
	for !c.Eof() {
		id, err := c.Rowid()
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, c.Next())
	}
	return ids
}

// trackingSource is a rowsource.Source double that counts open scans.
type trackingSource struct {
	schema rowsource.Schema
	caps   rowsource.Capabilities
	rows   []rowsource.Row

	// failAt makes the scan fail when it reaches that row index.
	failAt  int
	openErr error

	mu       sync.Mutex
	opened   int
	released int
	requests []rowsource.Request
	closed   bool
}

func newTrackingSource(caps rowsource.Capabilities, rows ...rowsource.Row) *trackingSource {
	return &trackingSource{
		schema: rowsource.Schema{
			Fields: []rowsource.Field{
				{Name: "label", Type: "TEXT", Nullable: true},
				{Name: "geom", Type: rowsource.GeometryType, Nullable: true},
			},
			Geometry: 1,
			Key:      -1,
		},
		caps:   caps,
		rows:   rows,
		failAt: -1,
	}
}

func (s *trackingSource) Schema() rowsource.Schema             { return s.schema }
func (s *trackingSource) Capabilities() rowsource.Capabilities { return s.caps }
func (s *trackingSource) EstimateCount() int64                 { return int64(len(s.rows)) }

func (s *trackingSource) Rows(ctx context.Context, req rowsource.Request) (rowsource.RowSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened++
	return &trackingRows{src: s}, nil
}

func (s *trackingSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// live is the number of scans opened and not yet closed.
func (s *trackingSource) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.released
}

type trackingRows struct {
	src    *trackingSource
	i      int
	closed bool
}

var errScanBroken = errors.New("scan broken")

func (r *trackingRows) Next(ctx context.Context) (rowsource.Row, error) {
	if err := ctx.Err(); err != nil {
		return rowsource.Row{}, err
	}
	if r.i == r.src.failAt {
		return rowsource.Row{}, errScanBroken
	}
	if r.i >= len(r.src.rows) {
		return rowsource.Row{}, io.EOF
	}
	row := r.src.rows[r.i]
	r.i++
	return row, nil
}

func (r *trackingRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.src.mu.Lock()
	r.src.released++
	r.src.mu.Unlock()
	return nil
}

func labeled(id int64, label string, g any) rowsource.Row {
	return rowsource.Row{ID: id, Values: []any{label, g}}
}
