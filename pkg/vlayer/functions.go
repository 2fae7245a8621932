package vlayer

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"github.com/twpayne/go-geom"
	"modernc.org/sqlite"

	"github.com/leapstack-labs/vlayer/pkg/core"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// Overload evaluates a SQL function on behalf of a table.
type Overload func(args []driver.Value) (driver.Value, error)

type function struct {
	name    string
	minArgs int
	maxArgs int
	eval    Overload
}

var functions = []function{
	{name: "MakePoint", minArgs: 2, maxArgs: 3, eval: makePoint},
	{name: "BuildMbr", minArgs: 4, maxArgs: 5, eval: buildMbr},
	{name: "ST_GeomFromText", minArgs: 1, maxArgs: 2, eval: geomFromText},
	{name: "ST_AsText", minArgs: 1, maxArgs: 1, eval: asText},
	{name: "ST_X", minArgs: 1, maxArgs: 1, eval: pointOrdinate(0)},
	{name: "ST_Y", minArgs: 1, maxArgs: 1, eval: pointOrdinate(1)},
	{name: "ST_SRID", minArgs: 1, maxArgs: 1, eval: geometrySRID},
	{name: "ST_GeometryType", minArgs: 1, maxArgs: 1, eval: geometryType},
	{name: "MbrIntersects", minArgs: 2, maxArgs: 2, eval: mbrIntersects},
}

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterFunctions installs the geometry SQL functions in the driver. Only
// connections opened afterwards see them. Calling it again is a no-op.
func RegisterFunctions() error {
	registerOnce.Do(func() {
		for _, fn := range functions {
			nArg := int32(fn.minArgs)
			if fn.minArgs != fn.maxArgs {
				nArg = -1
			}
			if err := sqlite.RegisterDeterministicScalarFunction(fn.name, nArg, fn.scalar()); err != nil {
				registerErr = fmt.Errorf("failed to register function %s: %w", fn.name, err)
				return
			}
		}
	})
	return registerErr
}

func (fn function) scalar() func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		if len(args) < fn.minArgs || len(args) > fn.maxArgs {
			return nil, fmt.Errorf("wrong number of arguments to function %s()", fn.name)
		}
		return fn.eval(args)
	}
}

// FindFunction returns the table's override for a SQL function. Only
// MbrIntersects with two arguments is overridden, and only when the table
// has a geometry column.
func (t *Table) FindFunction(name string, nArg int) (Overload, bool) {
	if t.geomCol < 0 || nArg != 2 || !strings.EqualFold(name, "MbrIntersects") {
		return nil, false
	}
	return mbrIntersects, true
}

func makePoint(args []driver.Value) (driver.Value, error) {
	xy, ok := floats(args[:2])
	if !ok {
		return nil, nil
	}
	srid, ok := sridArg(args, 2)
	if !ok {
		return nil, nil
	}
	return encode(geom.NewPointFlat(geom.XY, xy).SetSRID(srid))
}

func buildMbr(args []driver.Value) (driver.Value, error) {
	c, ok := floats(args[:4])
	if !ok {
		return nil, nil
	}
	srid, ok := sridArg(args, 4)
	if !ok {
		return nil, nil
	}
	x1, y1, x2, y2 := min(c[0], c[2]), min(c[1], c[3]), max(c[0], c[2]), max(c[1], c[3])
	ring := []float64{x1, y1, x2, y1, x2, y2, x1, y2, x1, y1}
	return encode(geom.NewPolygonFlat(geom.XY, ring, []int{len(ring)}).SetSRID(srid))
}

func geomFromText(args []driver.Value) (driver.Value, error) {
	s, ok := args[0].(string)
	if !ok {
		if b, isBytes := args[0].([]byte); isBytes {
			s, ok = string(b), true
		}
	}
	if !ok {
		return nil, nil
	}
	srid, ok := sridArg(args, 1)
	if !ok {
		return nil, nil
	}
	g, err := spatialite.FromText(s)
	if err != nil {
		return nil, nil
	}
	if len(args) > 1 {
		g = spatialite.SetSRID(g, srid)
	}
	return encode(g)
}

func asText(args []driver.Value) (driver.Value, error) {
	g, ok := decodeArg(args[0])
	if !ok {
		return nil, nil
	}
	s, err := spatialite.ToText(g)
	if err != nil {
		return nil, nil
	}
	return s, nil
}

func pointOrdinate(i int) Overload {
	return func(args []driver.Value) (driver.Value, error) {
		g, ok := decodeArg(args[0])
		if !ok {
			return nil, nil
		}
		p, ok := g.(*geom.Point)
		if !ok || p.Empty() {
			return nil, nil
		}
		return p.Coords()[i], nil
	}
}

func geometrySRID(args []driver.Value) (driver.Value, error) {
	blob, ok := blobArg(args[0])
	if !ok {
		return nil, nil
	}
	srid, _, _, err := spatialite.Header(blob)
	if err != nil {
		return nil, nil
	}
	if srid == spatialite.SRIDUnset {
		return int64(0), nil
	}
	return int64(srid), nil
}

func geometryType(args []driver.Value) (driver.Value, error) {
	blob, ok := blobArg(args[0])
	if !ok {
		return nil, nil
	}
	_, kind, layout, err := spatialite.Header(blob)
	if err != nil {
		return nil, nil
	}
	switch layout {
	case geom.XYZ:
		return kind.String() + " Z", nil
	case geom.XYM:
		return kind.String() + " M", nil
	case geom.XYZM:
		return kind.String() + " ZM", nil
	}
	return kind.String(), nil
}

// mbrIntersects compares bounding boxes. It yields NULL when either
// argument is NULL or not a geometry.
func mbrIntersects(args []driver.Value) (driver.Value, error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}
	a, err := spatialite.Bounds(args[0])
	if err != nil {
		return nil, nil
	}
	b, err := spatialite.Bounds(args[1])
	if err != nil {
		return nil, nil
	}
	if spatialite.Intersects(a, b) {
		return int64(1), nil
	}
	return int64(0), nil
}

func encode(g geom.T) (driver.Value, error) {
	b, err := spatialite.Encode(g)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func floats(args []driver.Value) ([]float64, bool) {
	out := make([]float64, len(args))
	for i, a := range args {
		switch v := core.Coerce(a, core.AffinityReal).(type) {
		case float64:
			out[i] = v
		default:
			return nil, false
		}
	}
	return out, true
}

// sridArg reads an optional SRID argument. A missing argument is unset.
func sridArg(args []driver.Value, i int) (int, bool) {
	if i >= len(args) {
		return 0, true
	}
	v, ok := core.Coerce(args[i], core.AffinityInteger).(int64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func blobArg(v driver.Value) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	b, err := spatialite.Normalize(v, 0)
	return b, err == nil && b != nil
}

func decodeArg(v driver.Value) (geom.T, bool) {
	if v == nil {
		return nil, false
	}
	g, err := spatialite.ToGeometry(v)
	return g, err == nil && g != nil
}
