package commands

import (
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// resultSet is a fully read query result.
type resultSet struct {
	Columns []string
	Rows    [][]any
}

func readResults(rows *sql.Rows) (*resultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &resultSet{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = displayValue(v)
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// displayValue makes blobs readable: geometry blobs become WKT, other
// blobs hex.
func displayValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if spatialite.IsBlob(b) {
		if g, err := spatialite.Decode(b); err == nil {
			if wkt, err := spatialite.ToText(g); err == nil {
				return wkt
			}
		}
	}
	return "X'" + strings.ToUpper(hex.EncodeToString(b)) + "'"
}

func renderResults(w io.Writer, rows *sql.Rows, format string) error {
	rs, err := readResults(rows)
	if err != nil {
		return err
	}
	return rs.render(w, format)
}

func (rs *resultSet) render(w io.Writer, format string) error {
	switch format {
	case "json":
		return rs.renderJSON(w)
	case "csv":
		return rs.renderCSV(w)
	case "md", "markdown":
		return rs.renderMarkdown(w)
	default:
		return rs.renderTable(w)
	}
}

func (rs *resultSet) renderTable(w io.Writer) error {
	if len(rs.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(rs.Columns))
	for i, col := range rs.Columns {
		header[i] = col
	}
	t.AppendHeader(header)

	for _, values := range rs.Rows {
		row := make(table.Row, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}

	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rs.Rows))
	return nil
}

func (rs *resultSet) renderJSON(w io.Writer) error {
	out := make([]map[string]any, len(rs.Rows))
	for i, values := range rs.Rows {
		m := make(map[string]any, len(values))
		for j, col := range rs.Columns {
			m[col] = values[j]
		}
		out[i] = m
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (rs *resultSet) renderCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rs.Columns); err != nil {
		return err
	}
	for _, values := range rs.Rows {
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (rs *resultSet) renderMarkdown(w io.Writer) error {
	if len(rs.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	header := make(table.Row, len(rs.Columns))
	for i, col := range rs.Columns {
		header[i] = col
	}
	t.AppendHeader(header)
	for _, values := range rs.Rows {
		row := make(table.Row, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}
	t.RenderMarkdown()
	return nil
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", v)
}
