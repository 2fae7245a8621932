package vlayer

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
)

var stable = rowsource.Capabilities{StableIDs: true, Ordered: true, RowIDLookup: true, SpatialFilter: true}

func openCursor(t *testing.T, tbl *Table) *Cursor {
	t.Helper()
	vc, err := tbl.Open()
	require.NoError(t, err)
	c := vc.(*Cursor)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCursor_FullScan(t *testing.T) {
	m, _ := newTestModule(t)
	tbl := newTestTable(t, m, openMemory(t, pointsLayer()))
	c := openCursor(t, tbl)

	assert.True(t, c.Eof(), "a fresh cursor is not positioned")
	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	assert.Equal(t, []int64{1, 2, 3, 4}, drain(t, c))
}

func TestCursor_Columns(t *testing.T) {
	m, _ := newTestModule(t)
	tbl := newTestTable(t, m, openMemory(t, pointsLayer()))
	c := openCursor(t, tbl)
	require.NoError(t, c.Filter(int(StrategyRowID), "-1:eq:e", []vtab.Value{int64(2)}))
	require.False(t, c.Eof())

	name, err := c.Column(0)
	require.NoError(t, err)
	assert.Equal(t, "b", name)

	v, err := c.Column(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	g, err := c.Column(2)
	require.NoError(t, err)
	assert.Equal(t, pointBlob(t, 1, 1), g)

	frame, err := c.Column(3)
	require.NoError(t, err)
	assert.Nil(t, frame)

	_, err = c.Column(4)
	assert.True(t, errors.Is(err, core.ErrPlan))

	require.NoError(t, c.Next())
	assert.True(t, c.Eof())
}

func TestCursor_RowidStability(t *testing.T) {
	m, _ := newTestModule(t)
	tbl := newTestTable(t, m, openMemory(t, pointsLayer()))
	c := openCursor(t, tbl)
	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	require.NoError(t, c.Next())

	id1, err := c.Rowid()
	require.NoError(t, err)
	g1, err := c.Column(2)
	require.NoError(t, err)
	n1, err := c.Column(0)
	require.NoError(t, err)

	for range 3 {
		id, err := c.Rowid()
		require.NoError(t, err)
		g, err := c.Column(2)
		require.NoError(t, err)
		n, err := c.Column(0)
		require.NoError(t, err)
		assert.Equal(t, id1, id)
		assert.Equal(t, g1, g)
		assert.Equal(t, n1, n)
	}
	assert.Equal(t, int64(2), id1)
}

func TestCursor_CoercesToDeclaredAffinity(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, labeled(1, "x", nil))
	src.schema.Fields = []rowsource.Field{
		{Name: "n", Type: "INTEGER"},
		{Name: "r", Type: "REAL"},
		{Name: "s", Type: "TEXT"},
		{Name: "b", Type: "BOOLEAN"},
	}
	src.schema.Geometry = -1
	src.rows = []rowsource.Row{{ID: 1, Values: []any{"42", int64(3), 7.5, true}}}
	tbl := newTestTable(t, m, src)
	c := openCursor(t, tbl)
	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))

	want := []any{int64(42), float64(3), "7.5", int64(1)}
	for i, w := range want {
		got, err := c.Column(i)
		require.NoError(t, err)
		assert.Equal(t, w, got, "column %d", i)
	}
}

func TestCursor_Lifecycle(t *testing.T) {
	rows := []rowsource.Row{labeled(1, "a", point(0, 0)), labeled(2, "b", point(1, 1))}

	t.Run("next after eof is a protocol violation", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(stable, rows...)
		c := openCursor(t, newTestTable(t, m, src))

		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
		assert.Equal(t, []int64{1, 2}, drain(t, c))
		assert.Equal(t, 0, src.live(), "exhausted scans are released")

		err := c.Next()
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrProtocol))
		assert.Contains(t, err.Error(), "Next called in state eof")

		_, err = c.Rowid()
		assert.True(t, errors.Is(err, core.ErrProtocol))
		_, err = c.Column(0)
		assert.True(t, errors.Is(err, core.ErrProtocol))
	})

	t.Run("next before filter", func(t *testing.T) {
		m, _ := newTestModule(t)
		c := openCursor(t, newTestTable(t, m, newTrackingSource(stable, rows...)))
		err := c.Next()
		assert.True(t, errors.Is(err, core.ErrProtocol))
		assert.Contains(t, err.Error(), "state created")
	})

	t.Run("second filter releases the first scan", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(stable, rows...)
		c := openCursor(t, newTestTable(t, m, src))

		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
		assert.Equal(t, 1, src.live())
		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
		assert.Equal(t, 1, src.live())
		assert.Equal(t, 2, src.opened)

		assert.Equal(t, []int64{1, 2}, drain(t, c))
		assert.Equal(t, 0, src.live())
	})

	states := map[string]func(t *testing.T, c *Cursor, src *trackingSource){
		"created": func(t *testing.T, c *Cursor, src *trackingSource) {},
		"positioned": func(t *testing.T, c *Cursor, src *trackingSource) {
			require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
			require.False(t, c.Eof())
		},
		"eof": func(t *testing.T, c *Cursor, src *trackingSource) {
			require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
			drain(t, c)
		},
		"failed": func(t *testing.T, c *Cursor, src *trackingSource) {
			src.failAt = 1
			require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
			require.Error(t, c.Next())
		},
	}
	for name, setup := range states {
		t.Run("close when "+name, func(t *testing.T) {
			m, _ := newTestModule(t)
			src := newTrackingSource(stable, rows...)
			tbl := newTestTable(t, m, src)
			vc, err := tbl.Open()
			require.NoError(t, err)
			c := vc.(*Cursor)
			assert.Equal(t, 1, m.Live().Cursors)

			setup(t, c, src)
			require.NoError(t, c.Close())
			require.NoError(t, c.Close(), "close is idempotent")

			assert.Equal(t, 0, src.live())
			assert.Equal(t, 0, m.Live().Cursors)
			assert.True(t, c.Eof())
			assert.True(t, errors.Is(c.Filter(int(StrategyFullScan), "", nil), core.ErrProtocol))
		})
	}
}

func TestCursor_RowSourceFailure(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, labeled(1, "a", nil), labeled(2, "b", nil))
	src.failAt = 1
	c := openCursor(t, newTestTable(t, m, src))

	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	err := c.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRowSource))
	assert.True(t, errors.Is(err, errScanBroken))
	assert.True(t, c.Eof(), "a failed cursor reports no row")
	assert.Equal(t, 0, src.live())

	err = c.Next()
	assert.True(t, errors.Is(err, core.ErrProtocol))
	assert.Contains(t, err.Error(), "state failed")

	// a new Filter recovers
	src.failAt = -1
	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	assert.Equal(t, []int64{1, 2}, drain(t, c))
}

func TestCursor_OpenFailure(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, labeled(1, "a", nil))
	src.openErr = errors.New("connection refused")
	c := openCursor(t, newTestTable(t, m, src))

	err := c.Filter(int(StrategyFullScan), "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRowSource))
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, c.Eof())
}

func TestCursor_MalformedRow(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, rowsource.Row{ID: 1, Values: []any{"only one"}})
	c := openCursor(t, newTestTable(t, m, src))

	err := c.Filter(int(StrategyFullScan), "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRowSource))
	assert.Contains(t, err.Error(), "row has 1 values, schema has 2 fields")
}

func TestCursor_GeometryErrors(t *testing.T) {
	t.Run("invalid geometry is scoped to its row", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(stable,
			labeled(7, "bad", []byte{0x00, 0x01, 0x02}),
			labeled(8, "good", point(1, 1)),
		)
		c := openCursor(t, newTestTable(t, m, src))
		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))

		_, err := c.Column(1)
		require.Error(t, err)
		var ferr *core.FormatError
		require.True(t, errors.As(err, &ferr))
		assert.Equal(t, "geom", ferr.Column)
		assert.Equal(t, int64(7), ferr.RowID)

		label, err := c.Column(0)
		require.NoError(t, err)
		assert.Equal(t, "bad", label)

		require.NoError(t, c.Next())
		g, err := c.Column(1)
		require.NoError(t, err)
		assert.Equal(t, pointBlob(t, 1, 1), g)
	})

	t.Run("declared geometry type is checked", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(stable, labeled(1, "p", point(1, 1)))
		c := openCursor(t, newTestTable(t, m, src, "geometry_type=polygon"))
		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))

		_, err := c.Column(1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrFormat))
		assert.Contains(t, err.Error(), "geometry type POINT does not match declared POLYGON")
	})

	t.Run("srid applied to geometries without one", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(stable, labeled(1, "p", point(1, 1)), labeled(2, "q", point(2, 2).SetSRID(3857)))
		c := openCursor(t, newTestTable(t, m, src, "srid=4326"))
		require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))

		g, err := c.Column(1)
		require.NoError(t, err)
		srid, err := geometrySRID([]driver.Value{g})
		require.NoError(t, err)
		assert.Equal(t, int64(4326), srid)

		require.NoError(t, c.Next())
		g, err = c.Column(1)
		require.NoError(t, err)
		srid, err = geometrySRID([]driver.Value{g})
		require.NoError(t, err)
		assert.Equal(t, int64(3857), srid)
	})
}

func TestCursor_Ordinals(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(rowsource.Capabilities{},
		labeled(0, "a", point(0, 0)),
		labeled(0, "b", point(1, 1)),
		labeled(0, "c", point(2, 2)),
	)
	tbl := newTestTable(t, m, src)
	c := openCursor(t, tbl)

	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	assert.Equal(t, []int64{1, 2, 3}, drain(t, c))

	require.NoError(t, c.Filter(int(StrategyRowID), "-1:eq:e", []vtab.Value{int64(2)}))
	assert.Equal(t, []int64{2}, drain(t, c))
	req := src.requests[len(src.requests)-1]
	assert.Nil(t, req.RowID, "ordinal lookups are not pushed down")
	assert.Equal(t, 0, src.live(), "scan stops once the ordinal is passed")
}

func TestCursor_DuplicateIDs(t *testing.T) {
	unordered := rowsource.Capabilities{StableIDs: true}

	tests := []struct {
		name    string
		caps    rowsource.Capabilities
		ids     []int64
		message string
	}{
		{name: "repeat in unordered scan", caps: unordered, ids: []int64{7, 3, 7}, message: "duplicate key 7"},
		{name: "repeat in ordered scan", caps: stable, ids: []int64{1, 2, 2}, message: "duplicate key 2"},
		{name: "ordered scan going back", caps: stable, ids: []int64{1, 5, 4}, message: "key 4 out of order after 5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModule(t)
			rows := make([]rowsource.Row, len(tt.ids))
			for i, id := range tt.ids {
				rows[i] = labeled(id, "x", nil)
			}
			src := newTrackingSource(tt.caps, rows...)
			c := openCursor(t, newTestTable(t, m, src))

			require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
			require.NoError(t, c.Next())
			err := c.Next()
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrRowSource))
			assert.Contains(t, err.Error(), tt.message)
			assert.True(t, c.Eof())
			assert.Equal(t, 0, src.live())
		})
	}

	t.Run("each scan starts afresh", func(t *testing.T) {
		m, _ := newTestModule(t)
		src := newTrackingSource(unordered, labeled(9, "a", nil), labeled(4, "b", nil))
		c := openCursor(t, newTestTable(t, m, src))
		for range 2 {
			require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
			assert.Equal(t, []int64{9, 4}, drain(t, c))
		}
	})
}

func TestCursor_Hints(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, labeled(1, "a", point(0, 0)), labeled(2, "b", point(5, 5)))
	c := openCursor(t, newTestTable(t, m, src))

	require.NoError(t, c.Filter(int(StrategyRowID), "-1:eq:e", []vtab.Value{"2"}))
	assert.Equal(t, []int64{2}, drain(t, c))
	req := src.requests[len(src.requests)-1]
	require.NotNil(t, req.RowID)
	assert.Equal(t, int64(2), *req.RowID)

	frame, err := buildMbr([]driver.Value{4.0, 4.0, 6.0, 6.0})
	require.NoError(t, err)
	require.NoError(t, c.Filter(int(StrategyFrame), "2:eq:e", []vtab.Value{frame}))
	assert.Equal(t, []int64{2}, drain(t, c), "the cursor re-checks rows the source did not filter")
	req = src.requests[len(src.requests)-1]
	require.NotNil(t, req.Frame)
	assert.Equal(t, []float64{4, 4}, []float64{req.Frame.Min(0), req.Frame.Min(1)})
}

func TestCursor_FilterErrors(t *testing.T) {
	tests := []struct {
		name    string
		idxNum  int
		idxStr  string
		vals    []vtab.Value
		sentry  error
		message string
	}{
		{name: "unparsable plan", idxNum: 3, idxStr: "1:like", sentry: core.ErrPlan, message: "unknown operator"},
		{name: "argument count", idxNum: 1, idxStr: "-1:eq:e", vals: nil, sentry: core.ErrPlan, message: "1 slots but 0 arguments"},
		{name: "strategy mismatch", idxNum: 2, idxStr: "-1:eq:e", vals: []vtab.Value{int64(1)}, sentry: core.ErrPlan, message: "frame strategy"},
		{name: "constraints on full scan", idxNum: 0, idxStr: "0:eq", vals: []vtab.Value{"a"}, sentry: core.ErrPlan, message: "full scan with constraints"},
		{name: "column outside table", idxNum: 3, idxStr: "5:eq", vals: []vtab.Value{"a"}, sentry: core.ErrPlan, message: "column 5 outside table"},
		{name: "unenforceable slot", idxNum: 3, idxStr: "0:gt:e", vals: []vtab.Value{"a"}, sentry: core.ErrPlan, message: "cannot be enforced"},
		{name: "unreadable frame", idxNum: 2, idxStr: "2:eq:e", vals: []vtab.Value{"not a geometry"}, sentry: core.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModule(t)
			src := newTrackingSource(stable, labeled(1, "a", point(0, 0)))
			c := openCursor(t, newTestTable(t, m, src))

			err := c.Filter(tt.idxNum, tt.idxStr, tt.vals)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentry), "got %v", err)
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
			assert.Equal(t, 0, src.opened, "no scan is started")
			assert.True(t, c.Eof())
		})
	}
}

func TestCursor_ImpossibleFilters(t *testing.T) {
	tests := []struct {
		name   string
		idxNum int
		idxStr string
		vals   []vtab.Value
	}{
		{name: "null frame", idxNum: 2, idxStr: "2:eq:e", vals: []vtab.Value{nil}},
		{name: "non-integer rowid", idxNum: 1, idxStr: "-1:eq:e", vals: []vtab.Value{"abc"}},
		{name: "fractional rowid", idxNum: 1, idxStr: "-1:eq:e", vals: []vtab.Value{1.5}},
		{name: "text geometry equality", idxNum: 3, idxStr: "1:eq:e", vals: []vtab.Value{"POINT(0 0)"}},
		{name: "comparison with null", idxNum: 3, idxStr: "0:eq", vals: []vtab.Value{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModule(t)
			src := newTrackingSource(stable, labeled(1, "a", point(0, 0)))
			c := openCursor(t, newTestTable(t, m, src))

			require.NoError(t, c.Filter(tt.idxNum, tt.idxStr, tt.vals))
			assert.True(t, c.Eof())
			assert.Equal(t, 0, src.opened)
		})
	}
}

func TestCursor_ReleasedTable(t *testing.T) {
	m, _ := newTestModule(t)
	src := newTrackingSource(stable, labeled(1, "a", nil))
	tbl := newTestTable(t, m, src)
	c := openCursor(t, tbl)

	require.NoError(t, tbl.Disconnect())
	assert.True(t, src.closed)
	assert.Equal(t, 0, m.Live().Tables)

	err := c.Filter(int(StrategyFullScan), "", nil)
	assert.True(t, errors.Is(err, core.ErrProtocol))
	_, err = tbl.Open()
	assert.True(t, errors.Is(err, core.ErrProtocol))
}

func TestCursor_ModuleContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, _ := newTestModule(t, WithContext(ctx))
	src := newTrackingSource(stable, labeled(1, "a", nil), labeled(2, "b", nil))
	c := openCursor(t, newTestTable(t, m, src))

	require.NoError(t, c.Filter(int(StrategyFullScan), "", nil))
	cancel()
	err := c.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRowSource))
	assert.True(t, errors.Is(err, context.Canceled))
}
