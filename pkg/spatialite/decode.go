package spatialite

import (
	"encoding/binary"
	"math"

	"github.com/twpayne/go-geom"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Decode parses a SpatiaLite blob. Every malformed input yields a
// *core.FormatError; Decode never reads outside b.
func Decode(b []byte) (geom.T, error) {
	order, err := checkFrame(b)
	if err != nil {
		return nil, err
	}

	// The end marker is excluded so that bodies cannot consume it.
	r := &reader{buf: b[:len(b)-1], pos: 2, order: order}

	srid, err := r.int32()
	if err != nil {
		return nil, err
	}
	// MBR is recomputed on encode; it only has to be present here.
	if _, err := r.take(32); err != nil {
		return nil, err
	}
	if m, err := r.byte(); err != nil {
		return nil, err
	} else if m != markerMBR {
		return nil, core.NewFormatError(r.pos-1, "expected MBR end marker 0x7C, got 0x%02X", m)
	}
	c, err := r.int32()
	if err != nil {
		return nil, err
	}

	g, err := r.geometry(c, 0)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, core.NewFormatError(r.pos, "%d trailing bytes before end marker", len(r.buf)-r.pos)
	}
	return SetSRID(g, int(srid)), nil
}

// Envelope returns the MBR stored in a blob header without decoding the body.
func Envelope(b []byte) (*geom.Bounds, error) {
	order, err := checkFrame(b)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: b, pos: 6, order: order}
	var v [4]float64
	for i := range v {
		if v[i], err = r.float64(); err != nil {
			return nil, err
		}
	}
	return geom.NewBounds(geom.XY).Set(v[0], v[1], v[2], v[3]), nil
}

// Header returns the SRID, kind and layout recorded in a blob header without
// decoding the body.
func Header(b []byte) (srid int, kind Kind, layout geom.Layout, err error) {
	order, err := checkFrame(b)
	if err != nil {
		return 0, 0, geom.NoLayout, err
	}
	r := &reader{buf: b, pos: 2, order: order}
	s, err := r.int32()
	if err != nil {
		return 0, 0, geom.NoLayout, err
	}
	r.pos = headerSize
	c, err := r.int32()
	if err != nil {
		return 0, 0, geom.NoLayout, err
	}
	kind, layout, ok := splitClass(c)
	if !ok {
		return 0, 0, geom.NoLayout, core.NewFormatError(headerSize, "unknown geometry class %d", c)
	}
	if s <= 0 {
		return SRIDUnset, kind, layout, nil
	}
	return int(s), kind, layout, nil
}

// IsBlob reports whether b carries the SpatiaLite frame markers. It does not
// validate the body.
func IsBlob(b []byte) bool {
	_, err := checkFrame(b)
	return err == nil
}

func checkFrame(b []byte) (binary.ByteOrder, error) {
	if len(b) < MinSize {
		return nil, core.NewFormatError(0, "blob too short: %d bytes, need at least %d", len(b), MinSize)
	}
	if b[0] != markerStart {
		return nil, core.NewFormatError(0, "invalid start marker 0x%02X", b[0])
	}
	var order binary.ByteOrder
	switch b[1] {
	case endianLittle:
		order = binary.LittleEndian
	case endianBig:
		order = binary.BigEndian
	default:
		return nil, core.NewFormatError(1, "invalid endian flag 0x%02X", b[1])
	}
	if b[headerSize-1] != markerMBR {
		return nil, core.NewFormatError(headerSize-1, "expected MBR end marker 0x7C, got 0x%02X", b[headerSize-1])
	}
	if b[len(b)-1] != markerEnd {
		return nil, core.NewFormatError(len(b)-1, "invalid end marker 0x%02X", b[len(b)-1])
	}
	return order, nil
}

type reader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.pos < n {
		return nil, core.NewFormatError(r.pos, "truncated: need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

func (r *reader) byte() (byte, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *reader) int32() (int32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(r.order.Uint32(p)), nil
}

func (r *reader) float64() (float64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(r.order.Uint64(p)), nil
}

// count reads an element count and rejects counts that cannot fit in the
// remaining bytes given the minimum encoded size of one element.
func (r *reader) count(minElem int) (int, error) {
	at := r.pos
	n, err := r.int32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, core.NewFormatError(at, "negative count %d", n)
	}
	if remaining := len(r.buf) - r.pos; int64(n)*int64(minElem) > int64(remaining) {
		return 0, core.NewFormatError(at, "count %d exceeds remaining %d bytes", n, remaining)
	}
	return int(n), nil
}

func (r *reader) coords(n, stride int) ([]float64, error) {
	if int64(n)*int64(stride)*8 > int64(len(r.buf)-r.pos) {
		return nil, core.NewFormatError(r.pos, "truncated: %d coordinates of %d dimensions", n, stride)
	}
	flat := make([]float64, n*stride)
	for i := range flat {
		v, err := r.float64()
		if err != nil {
			return nil, err
		}
		flat[i] = v
	}
	return flat, nil
}

func (r *reader) geometry(c int32, depth int) (geom.T, error) {
	if depth > MaxDepth {
		return nil, core.NewFormatError(r.pos, "nesting deeper than %d", MaxDepth)
	}
	kind, layout, ok := splitClass(c)
	if !ok {
		return nil, core.NewFormatError(r.pos-4, "unknown geometry class %d", c)
	}
	stride := layout.Stride()

	switch kind {
	case KindPoint:
		flat, err := r.coords(1, stride)
		if err != nil {
			return nil, err
		}
		return geom.NewPointFlat(layout, flat), nil

	case KindLineString:
		flat, err := r.lineString(stride)
		if err != nil {
			return nil, err
		}
		return geom.NewLineStringFlat(layout, flat), nil

	case KindPolygon:
		flat, ends, err := r.polygon(stride, 0)
		if err != nil {
			return nil, err
		}
		return geom.NewPolygonFlat(layout, flat, ends), nil

	case KindGeometryCollection:
		return r.collection(layout, depth)

	default:
		return r.multi(kind, layout, depth)
	}
}

func (r *reader) lineString(stride int) ([]float64, error) {
	n, err := r.count(stride * 8)
	if err != nil {
		return nil, err
	}
	return r.coords(n, stride)
}

// polygon reads rings and returns ends offset by base.
func (r *reader) polygon(stride, base int) ([]float64, []int, error) {
	rings, err := r.count(4)
	if err != nil {
		return nil, nil, err
	}
	var flat []float64
	ends := make([]int, 0, rings)
	for i := 0; i < rings; i++ {
		ring, err := r.lineString(stride)
		if err != nil {
			return nil, nil, err
		}
		flat = append(flat, ring...)
		ends = append(ends, base+len(flat))
	}
	return flat, ends, nil
}

// entity reads the 0x69 marker and the member class, and checks that the
// member fits in its parent.
func (r *reader) entity(parent Kind, layout geom.Layout) (int32, error) {
	at := r.pos
	m, err := r.byte()
	if err != nil {
		return 0, err
	}
	if m != markerEntity {
		return 0, core.NewFormatError(at, "expected entity marker 0x69, got 0x%02X", m)
	}
	c, err := r.int32()
	if err != nil {
		return 0, err
	}
	kind, childLayout, ok := splitClass(c)
	if !ok {
		return 0, core.NewFormatError(at+1, "unknown geometry class %d", c)
	}
	if childLayout != layout {
		return 0, core.NewFormatError(at+1, "member layout %v differs from collection layout %v", childLayout, layout)
	}
	if want := parent.element(); want != 0 && kind != want {
		return 0, core.NewFormatError(at+1, "%s cannot hold %s", parent, kind)
	}
	return c, nil
}

func (r *reader) multi(kind Kind, layout geom.Layout, depth int) (geom.T, error) {
	stride := layout.Stride()
	n, err := r.count(5)
	if err != nil {
		return nil, err
	}

	var flat []float64
	var ends []int
	var endss [][]int
	for i := 0; i < n; i++ {
		if _, err := r.entity(kind, layout); err != nil {
			return nil, err
		}
		if depth+1 > MaxDepth {
			return nil, core.NewFormatError(r.pos, "nesting deeper than %d", MaxDepth)
		}
		switch kind {
		case KindMultiPoint:
			p, err := r.coords(1, stride)
			if err != nil {
				return nil, err
			}
			flat = append(flat, p...)
		case KindMultiLineString:
			ls, err := r.lineString(stride)
			if err != nil {
				return nil, err
			}
			flat = append(flat, ls...)
			ends = append(ends, len(flat))
		case KindMultiPolygon:
			poly, polyEnds, err := r.polygon(stride, len(flat))
			if err != nil {
				return nil, err
			}
			flat = append(flat, poly...)
			endss = append(endss, polyEnds)
		}
	}

	switch kind {
	case KindMultiPoint:
		return geom.NewMultiPointFlat(layout, flat), nil
	case KindMultiLineString:
		return geom.NewMultiLineStringFlat(layout, flat, ends), nil
	default:
		return geom.NewMultiPolygonFlat(layout, flat, endss), nil
	}
}

func (r *reader) collection(layout geom.Layout, depth int) (geom.T, error) {
	n, err := r.count(5)
	if err != nil {
		return nil, err
	}
	gc := geom.NewGeometryCollection()
	if err := gc.SetLayout(layout); err != nil {
		return nil, core.NewFormatError(r.pos, "invalid collection layout: %v", err)
	}
	for i := 0; i < n; i++ {
		c, err := r.entity(KindGeometryCollection, layout)
		if err != nil {
			return nil, err
		}
		child, err := r.geometry(c, depth+1)
		if err != nil {
			return nil, err
		}
		if err := gc.Push(child); err != nil {
			return nil, core.NewFormatError(r.pos, "invalid collection member: %v", err)
		}
	}
	return gc, nil
}
