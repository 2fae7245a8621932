package vlayer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// DefaultLimitWait bounds every blocking call into a row source.
const DefaultLimitWait = 30 * time.Second

// Option names understood by the module itself. Any other key=value
// argument is handed to the provider.
const (
	optGeometry     = "geometry"
	optGeometryType = "geometry_type"
	optSRID         = "srid"
	optKey          = "key"
	optNoGeometry   = "nogeometry"
	optLimitWait    = "limit_wait"
)

// Params are the parsed module arguments of one virtual table.
type Params struct {
	Provider string
	Source   string

	// Geometry selects the geometry field by name or index.
	Geometry string

	// GeometryType restricts geometry values to one kind; zero means any.
	GeometryType spatialite.Kind

	// SRID is applied to geometries that carry none. SRIDUnset leaves
	// them as they are.
	SRID int

	Key        string
	NoGeometry bool
	LimitWait  time.Duration

	// Options are the provider-specific settings.
	Options map[string]string
}

// Definition returns the provider request for these params.
func (p Params) Definition(table string) rowsource.Definition {
	return rowsource.Definition{
		Table:      table,
		Source:     p.Source,
		Geometry:   p.Geometry,
		NoGeometry: p.NoGeometry,
		Key:        p.Key,
		Options:    p.Options,
	}
}

// ParseArgs parses the arguments of
//
//	CREATE VIRTUAL TABLE t USING vlayer(provider, source [, key=value ...])
//
// args are the module arguments only, as written in the statement. Quoted
// arguments are always positional; unquoted ones containing '=' are options.
func ParseArgs(args []string, defaultWait time.Duration) (Params, error) {
	p := Params{
		SRID:      spatialite.SRIDUnset,
		LimitWait: defaultWait,
		Options:   make(map[string]string),
	}
	seen := make(map[string]bool)
	var positional []string

	for _, raw := range args {
		arg := strings.TrimSpace(raw)
		if arg == "" {
			continue
		}
		if v, ok := unquote(arg); ok {
			positional = append(positional, v)
			continue
		}

		key, value, isOption := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !isOption {
			if key == optNoGeometry {
				if seen[key] {
					return Params{}, fmt.Errorf("option %s given more than once", key)
				}
				seen[key] = true
				p.NoGeometry = true
				continue
			}
			positional = append(positional, arg)
			continue
		}

		if key == "" {
			return Params{}, fmt.Errorf("malformed option %q", arg)
		}
		if seen[key] {
			return Params{}, fmt.Errorf("option %s given more than once", key)
		}
		seen[key] = true
		value = strings.TrimSpace(value)
		if v, ok := unquote(value); ok {
			value = v
		}
		if err := p.set(key, value); err != nil {
			return Params{}, err
		}
	}

	switch len(positional) {
	case 0:
		return Params{}, fmt.Errorf("missing provider argument")
	case 1:
		return Params{}, fmt.Errorf("missing source argument")
	case 2:
	default:
		return Params{}, fmt.Errorf("unexpected argument %q", positional[2])
	}
	p.Provider, p.Source = positional[0], positional[1]
	if p.Provider == "" {
		return Params{}, fmt.Errorf("missing provider argument")
	}

	if p.NoGeometry && p.Geometry != "" {
		return Params{}, fmt.Errorf("nogeometry cannot be combined with geometry=%s", p.Geometry)
	}
	if p.NoGeometry && p.GeometryType != 0 {
		return Params{}, fmt.Errorf("nogeometry cannot be combined with geometry_type")
	}
	return p, nil
}

func (p *Params) set(key, value string) error {
	switch key {
	case optGeometry:
		if value == "" {
			return fmt.Errorf("geometry option needs a field name or index")
		}
		p.Geometry = value
	case optGeometryType:
		k, ok := spatialite.ParseKind(value)
		if !ok {
			return fmt.Errorf("unknown geometry_type %q", value)
		}
		p.GeometryType = k
	case optSRID:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid srid %q", value)
		}
		if n <= 0 {
			n = spatialite.SRIDUnset
		}
		p.SRID = n
	case optKey:
		if value == "" {
			return fmt.Errorf("key option needs a field name")
		}
		p.Key = value
	case optNoGeometry:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid nogeometry value %q", value)
		}
		p.NoGeometry = b
	case optLimitWait:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid limit_wait %q: %w", value, err)
		}
		if d <= 0 {
			return fmt.Errorf("limit_wait must be positive, got %s", value)
		}
		p.LimitWait = d
	default:
		p.Options[key] = value
	}
	return nil
}

// unquote strips one level of '...' or "..." quoting, collapsing doubled
// quote characters. It reports false when s is not quoted.
func unquote(s string) (string, bool) {
	if len(s) < 2 {
		return s, false
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return s, false
	}
	body := s[1 : len(s)-1]
	pair := string([]byte{q, q})
	// an odd quote inside means s is not one quoted token
	if strings.Count(strings.ReplaceAll(body, pair, ""), string(q)) != 0 {
		return s, false
	}
	return strings.ReplaceAll(body, pair, string(q)), true
}
