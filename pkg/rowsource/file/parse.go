package file

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/twpayne/go-geom/encoding/geojson"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/vlayer/pkg/rowsource"
)

// yamlDocument is the YAML feature file layout:
//
//	fields:
//	  - {name: id, type: INTEGER}
//	  - {name: geom, type: GEOMETRY}
//	rows:
//	  - {id: 1, geom: "POINT (0 0)"}
type yamlDocument struct {
	Fields []yamlField       `yaml:"fields"`
	Rows   []map[string]any `yaml:"rows"`
}

type yamlField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable *bool  `yaml:"nullable"`
}

func parseYAML(path string) (*dataset, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the table's configured source
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(doc.Fields) == 0 {
		return nil, fmt.Errorf("%s declares no fields", path)
	}

	fields := make([]rowsource.Field, len(doc.Fields))
	index := make(map[string]int, len(doc.Fields))
	for i, f := range doc.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%s: field %d has no name", path, i)
		}
		nullable := true
		if f.Nullable != nil {
			nullable = *f.Nullable
		}
		fields[i] = rowsource.Field{Name: f.Name, Type: f.Type, Nullable: nullable}
		index[f.Name] = i
	}

	rows := make([]rowsource.Row, len(doc.Rows))
	for i, m := range doc.Rows {
		values := make([]any, len(fields))
		for k, v := range m {
			j, ok := index[k]
			if !ok {
				return nil, fmt.Errorf("%s: row %d has unknown field %q", path, i+1, k)
			}
			values[j] = v
		}
		rows[i] = rowsource.Row{ID: int64(i + 1), Values: values}
	}
	return &dataset{fields: fields, rows: rows}, nil
}

// geometryField is the name given to the geometry of GeoJSON features. A
// property of the same name takes precedence and the geometry is renamed.
const geometryField = "geometry"

func parseGeoJSON(path string) (*dataset, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the table's configured source
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// property names in stable order; types from the first non-null value
	types := make(map[string]string)
	var names []string
	for _, f := range fc.Features {
		for k, v := range f.Properties {
			prev, seen := types[k]
			if !seen {
				names = append(names, k)
			}
			types[k] = mergeType(prev, v)
		}
	}
	sort.Strings(names)

	geomName := geometryField
	for types[geomName] != "" {
		geomName = "_" + geomName
	}

	fields := make([]rowsource.Field, 0, len(names)+1)
	for _, n := range names {
		t := types[n]
		if t == "NULL" {
			t = "TEXT"
		}
		fields = append(fields, rowsource.Field{Name: n, Type: t, Nullable: true})
	}
	fields = append(fields, rowsource.Field{Name: geomName, Type: rowsource.GeometryType, Nullable: true})

	rows := make([]rowsource.Row, len(fc.Features))
	for i, f := range fc.Features {
		values := make([]any, len(fields))
		for j, n := range names {
			v, err := propertyValue(f.Properties[n], fields[j].Type)
			if err != nil {
				return nil, fmt.Errorf("%s: feature %d property %q: %w", path, i+1, n, err)
			}
			values[j] = v
		}
		if f.Geometry != nil {
			values[len(names)] = f.Geometry
		}
		rows[i] = rowsource.Row{ID: int64(i + 1), Values: values}
	}
	return &dataset{fields: fields, rows: rows}, nil
}

// mergeType widens the inferred type of a property with one more value.
func mergeType(prev string, v any) string {
	var t string
	switch x := v.(type) {
	case nil:
		if prev == "" {
			return "NULL"
		}
		return prev
	case bool:
		t = "BOOLEAN"
	case float64:
		t = "REAL"
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			t = "INTEGER"
		}
	case string:
		t = "TEXT"
	default:
		// objects and arrays are kept as JSON text
		t = "TEXT"
	}
	switch {
	case prev == "" || prev == "NULL" || prev == t:
		return t
	case (prev == "INTEGER" && t == "REAL") || (prev == "REAL" && t == "INTEGER"):
		return "REAL"
	default:
		return "TEXT"
	}
}

func propertyValue(v any, declType string) (any, error) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case float64:
		if declType == "INTEGER" {
			return int64(x), nil
		}
		return x, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}
