package adapter

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// PlaceholderStyle selects how bind parameters are written.
type PlaceholderStyle int

const (
	// PlaceholderQuestion writes ? for every parameter.
	PlaceholderQuestion PlaceholderStyle = iota
	// PlaceholderDollar writes $1, $2, ...
	PlaceholderDollar
)

// Dialect describes the SQL flavor of an adapter.
type Dialect struct {
	Name          string
	DefaultSchema string
	Placeholder   PlaceholderStyle

	// GeometryFormat is a fmt pattern with one %s verb that converts a
	// geometry column into WKB, EWKB or SpatiaLite bytes. Empty means the
	// column is selected as is.
	GeometryFormat string

	// TypeColumn is the information_schema.columns expression that names a
	// column's type. Empty means data_type.
	TypeColumn string
}

// FormatPlaceholder returns the placeholder for the n-th (1-based) parameter.
func (d *Dialect) FormatPlaceholder(n int) string {
	if d.Placeholder == PlaceholderDollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// QuoteIdent quotes an identifier with double quotes.
func (d *Dialect) QuoteIdent(name string) string {
	return core.QuoteIdent(name)
}

// QuoteQualified quotes each part of a dotted name.
func (d *Dialect) QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// GeometryExpr wraps expr so that it yields geometry bytes.
func (d *Dialect) GeometryExpr(expr string) string {
	if d.GeometryFormat == "" {
		return expr
	}
	return fmt.Sprintf(d.GeometryFormat, expr)
}
