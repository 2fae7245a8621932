package vlayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

type cursorState int

const (
	stateCreated cursorState = iota
	statePositioned
	stateEOF
	stateFailed
	stateClosed
)

func (s cursorState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case statePositioned:
		return "positioned"
	case stateEOF:
		return "eof"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cursor iterates the rows of one scan. It implements vtab.Cursor. SQLite
// drives a cursor from one goroutine at a time, so it is not locked.
type Cursor struct {
	table  *Table
	handle uint64
	logger *slog.Logger

	state  cursorState
	ctx    context.Context
	cancel context.CancelFunc
	rows   rowsource.RowSource
	plan   Plan
	preds  []predicate

	row     rowsource.Row
	rowid   int64
	ordinal int64
	values  []any

	// ids seen in this scan, for sources whose ids come in no order.
	seen   map[int64]struct{}
	lastID int64

	geomDone bool
	geomBlob []byte
	geomErr  error
}

func newCursor(t *Table) *Cursor {
	c := &Cursor{table: t, logger: t.logger}
	c.handle = t.module.handles.addCursor(c)
	return c
}

// Filter implements vtab.Cursor. It starts a new scan for the plan chosen
// by BestIndex, abandoning any scan in progress.
func (c *Cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	t := c.table
	if c.state == stateClosed {
		return c.violation("Filter")
	}
	if _, ok := t.module.handles.table(t.handle); !ok {
		return &core.ProtocolViolation{Table: t.Name(), Op: "Filter", State: "released"}
	}
	_ = c.releaseRows()
	c.ordinal = 0
	c.seen = nil

	plan, err := ParsePlan(idxNum, idxStr)
	if err == nil {
		err = t.checkPlan(plan)
	}
	if err != nil {
		c.state = stateFailed
		return &core.PlanError{Table: t.Name(), IdxNum: idxNum, IdxStr: idxStr, Reason: err.Error()}
	}
	preds, err := bind(t, plan, vals)
	if err != nil {
		c.state = stateFailed
		var ferr *core.FormatError
		if errors.As(err, &ferr) {
			return ferr
		}
		return &core.PlanError{Table: t.Name(), IdxNum: idxNum, IdxStr: idxStr, Reason: err.Error()}
	}
	c.plan, c.preds = plan, preds

	for _, p := range preds {
		if p.never {
			c.logger.Debug("filter matches nothing", slog.String("idx", idxStr))
			c.state = stateEOF
			return nil
		}
	}

	c.ctx, c.cancel = context.WithCancel(t.module.baseCtx)
	openCtx, cancel := context.WithTimeout(c.ctx, t.params.LimitWait)
	defer cancel()
	rows, err := t.source.Rows(openCtx, c.request())
	if err != nil {
		return c.fail("open", err)
	}
	c.rows = rows
	c.logger.Debug("filter",
		slog.String("strategy", plan.Strategy.String()),
		slog.String("idx", idxStr))
	return c.advance()
}

// request passes the enforced predicates down as hints. Sources without
// stable ids never see them, since the cursor numbers their rows itself.
func (c *Cursor) request() rowsource.Request {
	var req rowsource.Request
	if !c.table.caps.StableIDs {
		return req
	}
	for i := range c.preds {
		p := &c.preds[i]
		switch {
		case p.rowid && req.RowID == nil:
			id := p.id
			req.RowID = &id
		case p.frame != nil && req.Frame == nil:
			req.Frame = p.frame.Clone()
		}
	}
	return req
}

// Next implements vtab.Cursor.
func (c *Cursor) Next() error {
	if c.state != statePositioned {
		err := c.violation("Next")
		c.logger.Error("next failed", slog.Any("error", err))
		return err
	}
	if err := c.advance(); err != nil {
		// SQLite drops the message of a failed xNext
		c.logger.Error("next failed", slog.Any("error", err))
		return err
	}
	return nil
}

// Eof implements vtab.Cursor.
func (c *Cursor) Eof() bool {
	return c.state != statePositioned
}

// Column implements vtab.Cursor.
func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.state != statePositioned {
		return nil, c.violation("Column")
	}
	t := c.table
	switch {
	case col < 0 || col >= len(t.columns):
		return nil, &core.PlanError{Table: t.Name(), Reason: fmt.Sprintf("column %d outside table", col)}
	case col == t.frameCol:
		return nil, nil
	case col == t.geomCol:
		blob, err := c.geometry()
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, nil
		}
		return blob, nil
	}
	return c.values[col], nil
}

// Rowid implements vtab.Cursor.
func (c *Cursor) Rowid() (int64, error) {
	if c.state != statePositioned {
		return 0, c.violation("Rowid")
	}
	return c.rowid, nil
}

// Close implements vtab.Cursor. It may be called in any state and more
// than once.
func (c *Cursor) Close() error {
	if c.state == stateClosed {
		return nil
	}
	err := c.releaseRows()
	c.state = stateClosed
	c.table.module.handles.removeCursor(c.handle)
	return err
}

// advance moves to the next row satisfying every predicate.
func (c *Cursor) advance() error {
	t := c.table
	width := len(t.schema.Fields)
	for {
		stepCtx, cancel := context.WithTimeout(c.ctx, t.params.LimitWait)
		row, err := c.rows.Next(stepCtx)
		cancel()
		if errors.Is(err, io.EOF) {
			c.state = stateEOF
			return c.releaseRows()
		}
		if err != nil {
			return c.fail("next", err)
		}
		if len(row.Values) != width {
			return c.fail("next", fmt.Errorf("row has %d values, schema has %d fields", len(row.Values), width))
		}

		c.ordinal++
		c.row = row
		c.rowid = c.ordinal
		if t.caps.StableIDs {
			if err := c.checkID(row.ID); err != nil {
				return c.fail("next", err)
			}
			c.rowid = row.ID
		}
		c.load()

		if c.exhausted() {
			c.state = stateEOF
			return c.releaseRows()
		}
		ok, err := c.matches()
		if err != nil {
			return c.abort(err)
		}
		if ok {
			c.state = statePositioned
			return nil
		}
	}
}

// checkID rejects a row whose id was already produced by this scan.
// Ordered sources must deliver strictly increasing ids.
func (c *Cursor) checkID(id int64) error {
	if c.table.caps.Ordered {
		if c.ordinal > 1 && id <= c.lastID {
			if id == c.lastID {
				return fmt.Errorf("duplicate key %d", id)
			}
			return fmt.Errorf("key %d out of order after %d", id, c.lastID)
		}
		c.lastID = id
		return nil
	}
	if c.seen == nil {
		c.seen = make(map[int64]struct{})
	}
	if _, dup := c.seen[id]; dup {
		return fmt.Errorf("duplicate key %d", id)
	}
	c.seen[id] = struct{}{}
	return nil
}

// load coerces the attribute values of the current row to their declared
// affinity. The geometry is converted lazily.
func (c *Cursor) load() {
	t := c.table
	if cap(c.values) < len(t.columns) {
		c.values = make([]any, len(t.columns))
	}
	c.values = c.values[:len(t.columns)]
	for i, v := range c.row.Values {
		if i == t.geomCol {
			c.values[i] = nil
			continue
		}
		c.values[i] = core.Coerce(v, t.columns[i].Affinity())
	}
	c.geomDone, c.geomBlob, c.geomErr = false, nil, nil
}

func (c *Cursor) matches() (bool, error) {
	for i := range c.preds {
		ok, err := c.preds[i].match(c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// exhausted reports whether a rowid lookup can no longer match, which holds
// once an ascending scan has passed the wanted id.
func (c *Cursor) exhausted() bool {
	caps := c.table.caps
	if caps.StableIDs && !caps.Ordered {
		return false
	}
	for i := range c.preds {
		if p := &c.preds[i]; p.rowid && c.rowid > p.id {
			return true
		}
	}
	return false
}

// geometry returns the canonical blob of the current row, converting it on
// first use.
func (c *Cursor) geometry() ([]byte, error) {
	t := c.table
	if c.geomDone {
		return c.geomBlob, c.geomErr
	}
	c.geomDone = true
	if t.geomCol < 0 {
		return nil, nil
	}
	blob, err := spatialite.Normalize(c.row.Values[t.geomCol], t.params.SRID)
	if err == nil && blob != nil && t.params.GeometryType != 0 {
		var kind spatialite.Kind
		if _, kind, _, err = spatialite.Header(blob); err == nil && kind != t.params.GeometryType {
			err = core.NewFormatError(-1, "geometry type %s does not match declared %s", kind, t.params.GeometryType)
		}
	}
	if err != nil {
		c.geomErr = asFormatError(err).At(t.columns[t.geomCol].Name, c.rowid)
		return nil, c.geomErr
	}
	c.geomBlob = blob
	return blob, nil
}

// raw returns the value of col as SQLite will see it through Column.
func (c *Cursor) raw(col int) (any, error) {
	if col == c.table.geomCol {
		blob, err := c.geometry()
		if err != nil || blob == nil {
			return nil, err
		}
		return blob, nil
	}
	return c.values[col], nil
}

func (c *Cursor) value(col int) any {
	return c.values[col]
}

func (c *Cursor) fail(op string, err error) error {
	c.state = stateFailed
	_ = c.releaseRows()
	rerr := &core.RowSourceError{Table: c.table.Name(), Op: op, Err: err}
	c.logger.Error("row source failed", slog.String("op", op), slog.Any("error", err))
	return rerr
}

// abort ends the scan on an error SQLite would have raised itself had it
// evaluated the predicate, so the statement fails instead of losing rows.
func (c *Cursor) abort(err error) error {
	c.state = stateFailed
	_ = c.releaseRows()
	c.logger.Error("predicate failed", slog.Int64("rowid", c.rowid), slog.Any("error", err))
	return err
}

func (c *Cursor) violation(op string) error {
	return &core.ProtocolViolation{Table: c.table.Name(), Op: op, State: c.state.String()}
}

func (c *Cursor) releaseRows() error {
	var err error
	if c.rows != nil {
		if cerr := c.rows.Close(); cerr != nil {
			err = &core.RowSourceError{Table: c.table.Name(), Op: "close", Err: cerr}
		}
		c.rows = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return err
}

// checkPlan verifies that a plan could have come from BestIndex on t.
func (t *Table) checkPlan(p Plan) error {
	var rowid, frame bool
	for _, s := range p.Slots {
		if s.Column < -1 || s.Column >= len(t.columns) {
			return fmt.Errorf("column %d outside table", s.Column)
		}
		rowid = rowid || t.isRowIDLookup(s)
		frame = frame || (t.frameCol >= 0 && s.Column == t.frameCol)
	}
	switch p.Strategy {
	case StrategyFullScan:
		if len(p.Slots) > 0 {
			return errors.New("full scan with constraints")
		}
	case StrategyRowID:
		if !rowid {
			return errors.New("rowid strategy without a rowid constraint")
		}
	case StrategyFrame:
		if !frame || rowid {
			return errors.New("frame strategy does not match its constraints")
		}
	case StrategyAttribute:
		if len(p.Slots) == 0 || rowid || frame {
			return errors.New("attribute strategy does not match its constraints")
		}
	}
	return nil
}

func asFormatError(err error) *core.FormatError {
	var ferr *core.FormatError
	if errors.As(err, &ferr) {
		return ferr
	}
	return &core.FormatError{Offset: -1, Reason: "invalid geometry", Err: err}
}

var _ vtab.Cursor = (*Cursor)(nil)
