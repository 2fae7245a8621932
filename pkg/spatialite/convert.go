package spatialite

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// ToGeometry converts a source value into a geometry. Accepted inputs are
// go-geom values, SpatiaLite blobs, WKB and EWKB bytes, and WKT or EWKT text.
func ToGeometry(v any) (geom.T, error) {
	switch x := v.(type) {
	case geom.T:
		return x, nil
	case []byte:
		return fromBytes(x)
	case string:
		return FromText(x)
	case nil:
		return nil, core.NewFormatError(-1, "nil geometry")
	}
	return nil, core.NewFormatError(-1, "unsupported geometry value of type %T", v)
}

func fromBytes(b []byte) (geom.T, error) {
	if len(b) == 0 {
		return nil, core.NewFormatError(0, "empty geometry payload")
	}
	var blobErr error
	if IsBlob(b) {
		g, err := Decode(b)
		if err == nil {
			return g, nil
		}
		blobErr = err
	}
	if g, err := ewkb.Unmarshal(b); err == nil {
		return g, nil
	}
	if g, err := wkb.Unmarshal(b); err == nil {
		return g, nil
	}
	if blobErr != nil {
		return nil, blobErr
	}
	return nil, core.NewFormatError(0, "unrecognized geometry encoding")
}

// FromText parses WKT, optionally prefixed with an EWKT "SRID=n;" clause.
func FromText(s string) (geom.T, error) {
	s = strings.TrimSpace(s)
	srid := 0
	if head, rest, ok := strings.Cut(s, ";"); ok && strings.HasPrefix(strings.ToUpper(head), "SRID=") {
		n, err := strconv.Atoi(strings.TrimSpace(head[len("SRID="):]))
		if err != nil {
			return nil, core.NewFormatError(-1, "invalid EWKT SRID %q", head)
		}
		srid, s = n, strings.TrimSpace(rest)
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, &core.FormatError{Offset: -1, Reason: "invalid WKT", Err: err}
	}
	if srid > 0 {
		g = SetSRID(g, srid)
	}
	return g, nil
}

// ToText renders g as WKT.
func ToText(g geom.T) (string, error) {
	s, err := wkt.Marshal(g)
	if err != nil {
		return "", &core.FormatError{Offset: -1, Reason: "cannot render WKT", Err: err}
	}
	return s, nil
}

// Normalize converts a source value into a canonical blob. nil stays nil.
// When srid is positive it is applied to geometries that carry none.
func Normalize(v any, srid int) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	g, err := ToGeometry(v)
	if err != nil {
		return nil, err
	}
	b, err := Encode(g)
	if err != nil {
		return nil, err
	}
	// patched in the blob so that caller-owned geometries are not mutated
	if srid > 0 && !HasSRID(g) {
		binary.LittleEndian.PutUint32(b[2:6], uint32(int32(srid)))
	}
	return b, nil
}

// Bounds returns the 2D bounding box of a geometry value. Blobs are read
// from their header.
func Bounds(v any) (*geom.Bounds, error) {
	if b, ok := v.([]byte); ok && IsBlob(b) {
		env, err := Envelope(b)
		if err != nil {
			return nil, err
		}
		// an all-zero MBR is also what empty geometries carry
		if env.Min(0) != 0 || env.Min(1) != 0 || env.Max(0) != 0 || env.Max(1) != 0 {
			return env, nil
		}
	}
	g, err := ToGeometry(v)
	if err != nil {
		return nil, err
	}
	return bounds2D(g), nil
}

// Intersects reports whether two 2D boxes share at least one point.
// Empty boxes intersect nothing.
func Intersects(a, b *geom.Bounds) bool {
	if a == nil || b == nil || a.IsEmpty() || b.IsEmpty() {
		return false
	}
	return a.Overlaps(geom.XY, b)
}
