package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/vlayer/internal/engine"
)

// NewLayersCommand creates the layers command.
func NewLayersCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List virtual layers",
		Long: `List the layers declared in the configuration, recorded in the layer
catalog, or present as virtual tables in the database.`,
		Example: `  vlayer layers
  vlayer layers --catalog layers-catalog.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if format == "" {
				format = cmdCtx.Cfg.Output
			}
			return renderLayers(cmd.Context(), cmd.OutOrStdout(), cmdCtx.Engine, resolveFormat(format, cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: table, json, csv, md (default: --output)")
	return cmd
}

// layerOutput is the JSON form of one layer.
type layerOutput struct {
	Name           string `json:"name"`
	Provider       string `json:"provider,omitempty"`
	Source         string `json:"source,omitempty"`
	GeometryColumn string `json:"geometry_column,omitempty"`
	GeometryType   string `json:"geometry_type,omitempty"`
	SRID           int    `json:"srid"`
	Configured     bool   `json:"configured"`
	Cataloged      bool   `json:"cataloged"`
	Exists         bool   `json:"exists"`
}

func renderLayers(ctx context.Context, w io.Writer, eng *engine.Engine, format string) error {
	layers, err := eng.Layers(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		out := make([]layerOutput, len(layers))
		for i, l := range layers {
			out[i] = layerOutput(l)
		}
		return writeJSON(w, out)
	}

	rs := &resultSet{Columns: []string{"name", "provider", "source", "geometry", "type", "srid", "status"}}
	for _, l := range layers {
		var srid any
		if l.SRID > 0 {
			srid = l.SRID
		}
		rs.Rows = append(rs.Rows, []any{
			l.Name, l.Provider, l.Source, l.GeometryColumn, l.GeometryType, srid, layerStatus(l),
		})
	}
	if len(rs.Rows) == 0 && format != "csv" {
		_, _ = fmt.Fprintln(w, "No layers. Declare them under layers in vlayer.yaml or run CREATE VIRTUAL TABLE.")
		return nil
	}
	if format == "table" {
		return renderLayerTable(w, rs)
	}
	return rs.render(w, format)
}

func renderLayerTable(w io.Writer, rs *resultSet) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	header := make(table.Row, len(rs.Columns))
	for i, c := range rs.Columns {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, values := range rs.Rows {
		row := make(table.Row, len(values))
		for i, v := range values {
			if v == nil {
				v = ""
			}
			row[i] = v
		}
		t.AppendRow(row)
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "source", WidthMax: 48}})
	t.Render()
	return nil
}

func layerStatus(l engine.Layer) string {
	switch {
	case l.Exists:
		return "attached"
	case l.Configured:
		return "configured"
	case l.Cataloged:
		return "cataloged"
	}
	return ""
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
