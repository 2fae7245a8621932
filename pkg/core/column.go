package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Affinity is the SQLite type affinity derived from a declared column type.
type Affinity int

// SQLite type affinities.
const (
	AffinityBlob Affinity = iota
	AffinityText
	AffinityNumeric
	AffinityInteger
	AffinityReal
)

func (a Affinity) String() string {
	switch a {
	case AffinityText:
		return "TEXT"
	case AffinityNumeric:
		return "NUMERIC"
	case AffinityInteger:
		return "INTEGER"
	case AffinityReal:
		return "REAL"
	default:
		return "BLOB"
	}
}

// AffinityOf applies SQLite's affinity rules to a declared type, in order:
// INT, then CHAR/CLOB/TEXT, then BLOB or empty, then REAL/FLOA/DOUB,
// otherwise NUMERIC.
func AffinityOf(declType string) Affinity {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case t == "", strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}

// ColumnSpec describes one column of a virtual table.
type ColumnSpec struct {
	Name     string
	Type     string
	Nullable bool
	Hidden   bool
}

// Affinity returns the column's SQLite affinity.
func (c ColumnSpec) Affinity() Affinity {
	return AffinityOf(c.Type)
}

// DDL returns the column definition as it appears in CREATE TABLE.
func (c ColumnSpec) DDL() string {
	def := QuoteIdent(c.Name)
	if c.Type != "" {
		def += " " + c.Type
	}
	if c.Hidden {
		def += " HIDDEN"
	}
	return def
}

// QuoteIdent quotes a SQL identifier with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Normalize converts v to a storage class the SQLite driver accepts:
// nil, int64, float64, string or []byte.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int64:
		return x
	case float64:
		return x
	case string:
		return x
	case []byte:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999999-07:00")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Coerce normalizes v and applies the storage conversion SQLite performs
// when a value is stored in a column of the given affinity.
func Coerce(v any, a Affinity) any {
	v = Normalize(v)
	switch a {
	case AffinityText:
		switch x := v.(type) {
		case int64:
			return strconv.FormatInt(x, 10)
		case float64:
			return FormatReal(x)
		}
	case AffinityInteger, AffinityNumeric:
		switch x := v.(type) {
		case string:
			if n, ok := ParseNumber(x); ok {
				return integralIfExact(n)
			}
		case float64:
			return integralIfExact(x)
		}
	case AffinityReal:
		switch x := v.(type) {
		case int64:
			return float64(x)
		case string:
			if n, ok := ParseNumber(x); ok {
				return toFloat(n)
			}
		}
	}
	return v
}

// ParseNumber parses text as a SQLite numeric literal, allowing surrounding
// spaces. The result is an int64 or a float64.
func ParseNumber(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !isNumericLiteral(s) {
		return nil, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

// FormatReal renders a float the way SQLite renders REAL values as text.
func FormatReal(f float64) string {
	s := strconv.FormatFloat(f, 'g', 15, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func isNumericLiteral(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-':
			if i != 0 && s[i-1] != 'e' && s[i-1] != 'E' {
				return false
			}
		case r == '.' || r == 'e' || r == 'E':
		default:
			return false
		}
	}
	return digits > 0
}

func integralIfExact(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && f >= -9.2e18 && f <= 9.2e18 {
		return int64(f)
	}
	return f
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}
