package vlayer

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Strategy is the access pattern of a plan. It travels to Filter as idxNum.
type Strategy int

// Access strategies, cheapest first.
const (
	StrategyFullScan Strategy = iota
	StrategyRowID
	StrategyFrame
	StrategyAttribute
)

func (s Strategy) String() string {
	switch s {
	case StrategyFullScan:
		return "full-scan"
	case StrategyRowID:
		return "rowid"
	case StrategyFrame:
		return "frame"
	case StrategyAttribute:
		return "attribute"
	}
	return "strategy(" + strconv.Itoa(int(s)) + ")"
}

// Slot is one constraint consumed by a plan. Slot i receives filter
// argument i.
type Slot struct {
	// Column is the table column, or -1 for the rowid.
	Column int
	Op     vtab.ConstraintOp

	// Enforced slots are checked exactly by the cursor and omitted from
	// SQLite's own re-check.
	Enforced bool
}

// Plan is the access plan chosen by BestIndex.
type Plan struct {
	Strategy Strategy
	Slots    []Slot
}

var opNames = map[vtab.ConstraintOp]string{
	vtab.OpEQ:        "eq",
	vtab.OpGT:        "gt",
	vtab.OpLE:        "le",
	vtab.OpLT:        "lt",
	vtab.OpGE:        "ge",
	vtab.OpNE:        "ne",
	vtab.OpIS:        "is",
	vtab.OpISNOT:     "isnot",
	vtab.OpISNULL:    "isnull",
	vtab.OpISNOTNULL: "notnull",
}

func parseOp(s string) (vtab.ConstraintOp, bool) {
	for op, name := range opNames {
		if name == s {
			return op, true
		}
	}
	return vtab.OpUnknown, false
}

// IdxStr serializes the slots as comma-joined column:op[:e] terms.
func (p Plan) IdxStr() string {
	terms := make([]string, len(p.Slots))
	for i, s := range p.Slots {
		term := strconv.Itoa(s.Column) + ":" + opNames[s.Op]
		if s.Enforced {
			term += ":e"
		}
		terms[i] = term
	}
	return strings.Join(terms, ",")
}

// ParsePlan is the inverse of Plan.IdxStr.
func ParsePlan(idxNum int, idxStr string) (Plan, error) {
	p := Plan{Strategy: Strategy(idxNum)}
	if p.Strategy < StrategyFullScan || p.Strategy > StrategyAttribute {
		return Plan{}, fmt.Errorf("unknown strategy %d", idxNum)
	}
	if idxStr == "" {
		return p, nil
	}
	for _, term := range strings.Split(idxStr, ",") {
		parts := strings.Split(term, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return Plan{}, fmt.Errorf("malformed term %q", term)
		}
		col, err := strconv.Atoi(parts[0])
		if err != nil {
			return Plan{}, fmt.Errorf("malformed column in term %q", term)
		}
		op, ok := parseOp(parts[1])
		if !ok {
			return Plan{}, fmt.Errorf("unknown operator in term %q", term)
		}
		s := Slot{Column: col, Op: op}
		if len(parts) == 3 {
			if parts[2] != "e" {
				return Plan{}, fmt.Errorf("malformed flag in term %q", term)
			}
			s.Enforced = true
		}
		p.Slots = append(p.Slots, s)
	}
	return p, nil
}

// Constraint ranks; lower is preferred.
const (
	rankEnforcedEQ = iota
	rankEnforced
	rankEQ
	rankRange
	rankNE
)

type candidate struct {
	index int
	rank  int
	slot  Slot
}

// BestIndex implements vtab.Table.
func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	plan, chosen, err := t.plan(info)
	if err != nil {
		return err
	}

	for i, c := range chosen {
		info.Constraints[c.index].ArgIndex = i
		info.Constraints[c.index].Omit = c.slot.Enforced
	}
	assigned := make(map[int]bool, len(info.Constraints))
	for _, c := range info.Constraints {
		if c.ArgIndex < 0 {
			continue
		}
		if assigned[c.ArgIndex] {
			return &core.PlanError{Table: t.Name(), Reason: fmt.Sprintf("argument index %d assigned twice", c.ArgIndex)}
		}
		assigned[c.ArgIndex] = true
	}

	info.IdxNum = int64(plan.Strategy)
	info.IdxStr = plan.IdxStr()
	t.cost(info, plan.Strategy)
	info.OrderByConsumed = len(info.OrderBy) == 1 &&
		info.OrderBy[0].Column == -1 && !info.OrderBy[0].Desc &&
		t.caps.StableIDs && t.caps.Ordered

	t.logger.Debug("plan",
		slog.String("strategy", plan.Strategy.String()),
		slog.String("idx", info.IdxStr),
		slog.Float64("cost", info.EstimatedCost),
		slog.Bool("order_consumed", info.OrderByConsumed))
	return nil
}

// plan picks at most one usable constraint per column.
func (t *Table) plan(info *vtab.IndexInfo) (Plan, []candidate, error) {
	best := make(map[int]candidate)
	for i, c := range info.Constraints {
		if c.Column < -1 || c.Column >= len(t.columns) {
			return Plan{}, nil, &core.PlanError{Table: t.Name(), Reason: fmt.Sprintf("constraint on column %d outside table", c.Column)}
		}
		if !c.Usable {
			continue
		}
		rank, enforced, ok := t.classify(c.Column, c.Op)
		if !ok {
			continue
		}
		if prev, seen := best[c.Column]; seen && prev.rank <= rank {
			continue
		}
		best[c.Column] = candidate{index: i, rank: rank, slot: Slot{Column: c.Column, Op: c.Op, Enforced: enforced}}
	}

	chosen := make([]candidate, 0, len(best))
	for _, c := range best {
		chosen = append(chosen, c)
	}
	sort.Slice(chosen, func(i, j int) bool {
		if chosen[i].rank != chosen[j].rank {
			return chosen[i].rank < chosen[j].rank
		}
		return chosen[i].slot.Column < chosen[j].slot.Column
	})

	plan := Plan{Strategy: StrategyFullScan}
	if len(chosen) > 0 {
		plan.Strategy = StrategyAttribute
	}
	for _, c := range chosen {
		plan.Slots = append(plan.Slots, c.slot)
		switch {
		case t.isRowIDLookup(c.slot):
			plan.Strategy = StrategyRowID
		case t.frameCol >= 0 && c.slot.Column == t.frameCol && plan.Strategy != StrategyRowID:
			plan.Strategy = StrategyFrame
		}
	}
	return plan, chosen, nil
}

// classify decides whether a constraint is taken and how it ranks.
func (t *Table) classify(col int, op vtab.ConstraintOp) (rank int, enforced, ok bool) {
	switch {
	case col == -1 || (col == t.keyCol && t.keyEnforced()):
		switch op {
		case vtab.OpEQ:
			return rankEnforcedEQ, true, true
		case vtab.OpGT, vtab.OpGE, vtab.OpLT, vtab.OpLE:
			return rankRange, false, true
		case vtab.OpNE:
			return rankNE, false, true
		}
		if col == -1 {
			return 0, false, false
		}
	case t.frameCol >= 0 && col == t.frameCol:
		return rankEnforcedEQ, true, op == vtab.OpEQ
	case t.geomCol >= 0 && col == t.geomCol:
		switch op {
		case vtab.OpEQ:
			return rankEnforcedEQ, true, true
		case vtab.OpISNULL, vtab.OpISNOTNULL:
			return rankEnforced, true, true
		}
		return 0, false, false
	}

	switch op {
	case vtab.OpISNULL, vtab.OpISNOTNULL:
		return rankEnforced, true, true
	case vtab.OpEQ, vtab.OpIS:
		return rankEQ, false, true
	case vtab.OpGT, vtab.OpGE, vtab.OpLT, vtab.OpLE:
		return rankRange, false, true
	case vtab.OpNE, vtab.OpISNOT:
		return rankNE, false, true
	}
	return 0, false, false
}

// keyEnforced reports whether equality on the key column is rowid equality.
func (t *Table) keyEnforced() bool {
	return t.keyCol >= 0 && t.caps.StableIDs && t.columns[t.keyCol].Affinity() == core.AffinityInteger
}

func (t *Table) isRowIDLookup(s Slot) bool {
	return s.Enforced && s.Op == vtab.OpEQ && (s.Column == -1 || s.Column == t.keyCol)
}

func (t *Table) cost(info *vtab.IndexInfo, s Strategy) {
	rows := float64(t.rows)
	if t.rows < 0 {
		rows = 1e6
	}
	var cost, est float64
	switch s {
	case StrategyRowID:
		cost, est = 1, 1
		if !(t.caps.StableIDs && t.caps.RowIDLookup) {
			cost = rows / 2
		}
		info.IdxFlags |= vtab.IndexScanUnique
	case StrategyFrame:
		cost, est = rows/2, rows/10
		if t.caps.StableIDs && t.caps.SpatialFilter {
			cost = rows / 10
		}
	case StrategyAttribute:
		cost, est = rows/4, rows/4
	default:
		cost, est = 1e6+rows, rows
	}
	info.EstimatedCost = max(cost, 1)
	info.EstimatedRows = max(int64(est), 1)
}
