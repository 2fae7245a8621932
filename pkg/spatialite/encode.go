package spatialite

import (
	"encoding/binary"
	"math"

	"github.com/twpayne/go-geom"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Encode serializes g in canonical form: little-endian, MBR recomputed from
// the coordinates, SRID 0 when unset. Equal geometries always produce equal
// bytes.
//
// Every entity on the wire carries a layout. An empty collection without
// one is written with the layout of the collection holding it, or XY at
// the top level, and decodes with that layout set. Such geometries are the
// only ones Decode does not return value-equal; re-encoding the decoded
// value gives the same bytes.
func Encode(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, core.NewFormatError(-1, "cannot encode nil geometry")
	}
	layout := layoutOf(g)
	c, err := classOf(g, layout)
	if err != nil {
		return nil, err
	}

	w := &writer{buf: make([]byte, 0, MinSize+64)}
	w.buf = append(w.buf, markerStart, endianLittle)
	w.int32(wireSRID(g.SRID()))
	w.mbr(g)
	w.buf = append(w.buf, markerMBR)
	w.int32(c)
	if err := w.body(g, layout, 0); err != nil {
		return nil, err
	}
	w.buf = append(w.buf, markerEnd)
	return w.buf, nil
}

func wireSRID(srid int) int32 {
	if srid <= 0 || srid > math.MaxInt32 {
		return 0
	}
	return int32(srid)
}

// layoutOf returns g's layout; an empty collection has none and encodes as XY.
func layoutOf(g geom.T) geom.Layout {
	if l := g.Layout(); l != geom.NoLayout {
		return l
	}
	return geom.XY
}

func classOf(g geom.T, layout geom.Layout) (int32, error) {
	kind, err := KindOf(g)
	if err != nil {
		return 0, err
	}
	return class(kind, layout)
}

type writer struct {
	buf []byte
}

func (w *writer) int32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *writer) float64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) mbr(g geom.T) {
	b := bounds2D(g)
	if b.IsEmpty() {
		for i := 0; i < 4; i++ {
			w.float64(0)
		}
		return
	}
	w.float64(b.Min(0))
	w.float64(b.Min(1))
	w.float64(b.Max(0))
	w.float64(b.Max(1))
}

func (w *writer) coords(flat []float64) {
	for _, v := range flat {
		w.float64(v)
	}
}

func (w *writer) count(n int) error {
	if n > math.MaxInt32 {
		return core.NewFormatError(-1, "count %d does not fit the format", n)
	}
	w.int32(int32(n))
	return nil
}

func (w *writer) entity(g geom.T, layout geom.Layout) error {
	c, err := classOf(g, layout)
	if err != nil {
		return err
	}
	w.buf = append(w.buf, markerEntity)
	w.int32(c)
	return nil
}

// ring writes a counted run of coordinates.
func (w *writer) ring(flat []float64, stride int) error {
	if err := w.count(len(flat) / stride); err != nil {
		return err
	}
	w.coords(flat)
	return nil
}

// rings writes a polygon body whose ring ends are offsets into flat.
func (w *writer) rings(flat []float64, offset int, ends []int, stride int) error {
	if err := w.count(len(ends)); err != nil {
		return err
	}
	for _, end := range ends {
		if err := w.ring(flat[offset:end], stride); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (w *writer) body(g geom.T, layout geom.Layout, depth int) error {
	if depth > MaxDepth {
		return core.NewFormatError(-1, "nesting deeper than %d", MaxDepth)
	}
	if g.Layout() != geom.NoLayout && g.Layout() != layout {
		return core.NewFormatError(-1, "member layout %v differs from collection layout %v", g.Layout(), layout)
	}
	stride := layout.Stride()

	switch x := g.(type) {
	case *geom.Point:
		flat := x.FlatCoords()
		if len(flat) != stride {
			return core.NewFormatError(-1, "empty point has no representation")
		}
		w.coords(flat)
		return nil

	case *geom.LineString:
		return w.ring(x.FlatCoords(), stride)

	case *geom.Polygon:
		return w.rings(x.FlatCoords(), 0, x.Ends(), stride)

	case *geom.MultiPoint:
		n := x.NumPoints()
		if err := w.count(n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			p := x.Point(i)
			if err := w.entity(p, layout); err != nil {
				return err
			}
			if p.Empty() {
				return core.NewFormatError(-1, "empty point has no representation")
			}
			w.coords(p.FlatCoords())
		}
		return nil

	case *geom.MultiLineString:
		flat, ends := x.FlatCoords(), x.Ends()
		if err := w.count(len(ends)); err != nil {
			return err
		}
		offset := 0
		for i, end := range ends {
			if err := w.entity(x.LineString(i), layout); err != nil {
				return err
			}
			if err := w.ring(flat[offset:end], stride); err != nil {
				return err
			}
			offset = end
		}
		return nil

	case *geom.MultiPolygon:
		flat, endss := x.FlatCoords(), x.Endss()
		if err := w.count(len(endss)); err != nil {
			return err
		}
		offset := 0
		for i, ends := range endss {
			if err := w.entity(x.Polygon(i), layout); err != nil {
				return err
			}
			if err := w.rings(flat, offset, ends, stride); err != nil {
				return err
			}
			if len(ends) > 0 {
				offset = ends[len(ends)-1]
			}
		}
		return nil

	case *geom.GeometryCollection:
		geoms := x.Geoms()
		if err := w.count(len(geoms)); err != nil {
			return err
		}
		for _, child := range geoms {
			if err := w.entity(child, layout); err != nil {
				return err
			}
			if err := w.body(child, layout, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	_, err := KindOf(g)
	return err
}
