package vlayer

import (
	"bytes"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// predicate is one plan slot bound to its filter argument.
type predicate struct {
	Slot
	arg any

	rowid bool // equality on the rowid or the key column
	id    int64
	frame *geom.Bounds

	// never is set when no row can satisfy the predicate.
	never bool
}

// bind validates plan against t and attaches the filter arguments.
func bind(t *Table, plan Plan, vals []vtab.Value) ([]predicate, error) {
	if len(vals) != len(plan.Slots) {
		return nil, fmt.Errorf("plan has %d slots but %d arguments were passed", len(plan.Slots), len(vals))
	}
	preds := make([]predicate, len(plan.Slots))
	for i, s := range plan.Slots {
		if s.Column < -1 || s.Column >= len(t.columns) {
			return nil, fmt.Errorf("slot %d refers to column %d outside table", i, s.Column)
		}
		if s.Enforced {
			if rank, enforced, ok := t.classify(s.Column, s.Op); !ok || !enforced || rank > rankEnforced {
				return nil, fmt.Errorf("slot %d (%d:%s) cannot be enforced", i, s.Column, opNames[s.Op])
			}
		}
		p := predicate{Slot: s, arg: vals[i]}

		switch {
		case !s.Enforced:
			if p.arg == nil && s.Op != vtab.OpIS && s.Op != vtab.OpISNOT {
				// comparisons with NULL are never true
				p.never = true
			}
		case t.isRowIDLookup(s):
			p.rowid = true
			id, ok := core.Coerce(p.arg, core.AffinityInteger).(int64)
			p.id, p.never = id, !ok
		case s.Column == t.frameCol && s.Op == vtab.OpEQ:
			if p.arg == nil {
				p.never = true
				break
			}
			b, err := spatialite.Bounds(p.arg)
			if err != nil {
				return nil, asFormatError(err)
			}
			p.frame = b
			p.never = b.IsEmpty()
		case s.Column == t.geomCol && s.Op == vtab.OpEQ:
			b, ok := p.arg.([]byte)
			p.arg, p.never = b, !ok
		}
		preds[i] = p
	}
	return preds, nil
}

// match reports whether the cursor's current row satisfies p. Best-effort
// predicates only reject rows when SQLite would certainly reject them too.
// A geometry that cannot be converted fails an enforced column predicate,
// as it would had SQLite read the column itself.
func (p *predicate) match(c *Cursor) (bool, error) {
	if p.never {
		return false, nil
	}
	switch {
	case p.rowid:
		return c.rowid == p.id, nil
	case p.frame != nil:
		// the frame is ours to define: a geometry without bounds is outside
		// it, the same as in sources that filter natively
		blob, err := c.geometry()
		if err != nil || blob == nil {
			return false, nil
		}
		b, err := spatialite.Bounds(blob)
		return err == nil && spatialite.Intersects(b, p.frame), nil
	case p.Op == vtab.OpISNULL:
		v, err := c.raw(p.Column)
		return err == nil && v == nil, err
	case p.Op == vtab.OpISNOTNULL:
		v, err := c.raw(p.Column)
		return err == nil && v != nil, err
	case p.Enforced:
		blob, err := c.geometry()
		return err == nil && blob != nil && bytes.Equal(blob, p.arg.([]byte)), err
	}

	var v any
	if p.Column == -1 {
		v = c.rowid
	} else {
		v = c.value(p.Column)
	}
	ok, certain := compare(v, p.arg, p.Op)
	return ok || !certain, nil
}

// compare evaluates "v op arg" and reports whether the outcome holds under
// any collation and affinity SQLite might apply.
func compare(v, arg any, op vtab.ConstraintOp) (result, certain bool) {
	if v == nil || arg == nil {
		switch op {
		case vtab.OpIS:
			return v == nil && arg == nil, true
		case vtab.OpISNOT:
			return (v == nil) != (arg == nil), true
		}
		return false, true
	}

	cmp, ok := compareNumeric(v, arg)
	if !ok {
		return false, false
	}
	switch op {
	case vtab.OpEQ, vtab.OpIS:
		return cmp == 0, true
	case vtab.OpNE, vtab.OpISNOT:
		return cmp != 0, true
	case vtab.OpGT:
		return cmp > 0, true
	case vtab.OpGE:
		return cmp >= 0, true
	case vtab.OpLT:
		return cmp < 0, true
	case vtab.OpLE:
		return cmp <= 0, true
	}
	return false, false
}

// maxExact is the largest magnitude an int64 keeps through float64.
const maxExact = 1 << 53

func compareNumeric(a, b any) (int, bool) {
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	x, ok := asFloat(a)
	if !ok {
		return 0, false
	}
	y, ok := asFloat(b)
	if !ok || math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		if x > maxExact || x < -maxExact {
			return 0, false
		}
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
