// Package spatialite encodes and decodes the SpatiaLite BLOB geometry format.
//
// A blob is laid out as
//
//	0x00 | endian | SRID int32 | MBR 4×float64 | 0x7C | class int32 | body | 0xFE
//
// where endian is 0x01 for little-endian and 0x00 for big-endian, and every
// member of a collection body is prefixed with the entity marker 0x69 and its
// own class. Decoded values are github.com/twpayne/go-geom geometries.
package spatialite

import (
	"fmt"
	"math"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Format markers.
const (
	markerStart  byte = 0x00
	markerMBR    byte = 0x7C
	markerEntity byte = 0x69
	markerEnd    byte = 0xFE

	endianBig    byte = 0x00
	endianLittle byte = 0x01
)

const (
	headerSize = 39 // start, endian, srid, mbr, 0x7C
	// MinSize is the smallest well-formed blob: header, class and end marker.
	MinSize = headerSize + 4 + 1
	// MaxDepth bounds collection nesting accepted by Decode and Encode.
	MaxDepth = 32
	// SRIDUnset marks a geometry without a spatial reference system.
	SRIDUnset = -1
)

// Kind is the dimension-independent geometry class.
type Kind int32

// Geometry classes, without the dimension offset.
const (
	KindPoint              Kind = 1
	KindLineString         Kind = 2
	KindPolygon            Kind = 3
	KindMultiPoint         Kind = 4
	KindMultiLineString    Kind = 5
	KindMultiPolygon       Kind = 6
	KindGeometryCollection Kind = 7
)

var kindNames = map[Kind]string{
	KindPoint:              "POINT",
	KindLineString:         "LINESTRING",
	KindPolygon:            "POLYGON",
	KindMultiPoint:         "MULTIPOINT",
	KindMultiLineString:    "MULTILINESTRING",
	KindMultiPolygon:       "MULTIPOLYGON",
	KindGeometryCollection: "GEOMETRYCOLLECTION",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("KIND(%d)", int32(k))
}

// element returns the member kind a multi-part kind holds.
func (k Kind) element() Kind {
	switch k {
	case KindMultiPoint:
		return KindPoint
	case KindMultiLineString:
		return KindLineString
	case KindMultiPolygon:
		return KindPolygon
	}
	return 0
}

// ParseKind resolves a geometry type name such as "MultiPolygon".
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, true
		}
	}
	return 0, false
}

// class combines a kind and a layout into a wire class code.
func class(k Kind, layout geom.Layout) (int32, error) {
	var offset int32
	switch layout {
	case geom.XY:
	case geom.XYZ:
		offset = 1000
	case geom.XYM:
		offset = 2000
	case geom.XYZM:
		offset = 3000
	default:
		return 0, core.NewFormatError(-1, "unsupported layout %v", layout)
	}
	return offset + int32(k), nil
}

// splitClass is the inverse of class.
func splitClass(c int32) (Kind, geom.Layout, bool) {
	var layout geom.Layout
	switch c / 1000 {
	case 0:
		layout = geom.XY
	case 1:
		layout = geom.XYZ
	case 2:
		layout = geom.XYM
	case 3:
		layout = geom.XYZM
	default:
		return 0, geom.NoLayout, false
	}
	k := Kind(c % 1000)
	if k < KindPoint || k > KindGeometryCollection {
		return 0, geom.NoLayout, false
	}
	return k, layout, true
}

// KindOf returns the class of an in-memory geometry.
func KindOf(g geom.T) (Kind, error) {
	switch g.(type) {
	case *geom.Point:
		return KindPoint, nil
	case *geom.LineString:
		return KindLineString, nil
	case *geom.Polygon:
		return KindPolygon, nil
	case *geom.MultiPoint:
		return KindMultiPoint, nil
	case *geom.MultiLineString:
		return KindMultiLineString, nil
	case *geom.MultiPolygon:
		return KindMultiPolygon, nil
	case *geom.GeometryCollection:
		return KindGeometryCollection, nil
	}
	return 0, core.NewFormatError(-1, "unsupported geometry type %T", g)
}

// SetSRID returns g with its SRID set. Unset SRIDs are stored as SRIDUnset.
func SetSRID(g geom.T, srid int) geom.T {
	if srid <= 0 {
		srid = SRIDUnset
	}
	switch x := g.(type) {
	case *geom.Point:
		return x.SetSRID(srid)
	case *geom.LineString:
		return x.SetSRID(srid)
	case *geom.Polygon:
		return x.SetSRID(srid)
	case *geom.MultiPoint:
		return x.SetSRID(srid)
	case *geom.MultiLineString:
		return x.SetSRID(srid)
	case *geom.MultiPolygon:
		return x.SetSRID(srid)
	case *geom.GeometryCollection:
		return x.SetSRID(srid)
	}
	return g
}

// HasSRID reports whether g carries a spatial reference system.
func HasSRID(g geom.T) bool {
	return g.SRID() > 0
}

// bounds2D returns the XY extent of g. Nested collections are walked
// member by member since go-geom cannot flatten them.
func bounds2D(g geom.T) *geom.Bounds {
	b := geom.NewBounds(geom.XY)
	extendBounds(b, g)
	return b
}

func extendBounds(b *geom.Bounds, g geom.T) {
	if gc, ok := g.(*geom.GeometryCollection); ok {
		for _, child := range gc.Geoms() {
			extendBounds(b, child)
		}
		return
	}
	flat, stride := g.FlatCoords(), g.Stride()
	if stride < 2 {
		return
	}
	for i := 0; i+1 < len(flat); i += stride {
		b.Set(math.Min(b.Min(0), flat[i]), math.Min(b.Min(1), flat[i+1]),
			math.Max(b.Max(0), flat[i]), math.Max(b.Max(1), flat[i+1]))
	}
}
