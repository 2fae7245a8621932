package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/vlayer/internal/engine"
)

// QueryOptions holds options for the query command.
type QueryOptions struct {
	Format string
	Input  string
}

// NewQueryCommand creates the query command.
func NewQueryCommand() *cobra.Command {
	opts := &QueryOptions{}

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Query virtual layers with SQL",
		Long: `Run SQL against the session database with the configured layers
attached as virtual tables.

Geometry columns hold SpatiaLite blobs and are shown as WKT. The geometry
functions MakePoint, BuildMbr, ST_GeomFromText, ST_AsText, ST_X, ST_Y,
ST_SRID, ST_GeometryType and MbrIntersects are available.

When invoked without arguments on a terminal, enters interactive REPL mode.`,
		Example: `  # Execute SQL directly
  vlayer query "SELECT name, ST_AsText(geometry) FROM cities"

  # Bounding-box prefilter through the hidden search frame column
  vlayer query "SELECT name FROM cities WHERE _search_frame_ = BuildMbr(0, 0, 10, 10)"

  # Read SQL from a file, output as JSON
  vlayer query --input report.sql --format json

  # Interactive mode
  vlayer query`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "Output format: table, json, csv, md (default: --output)")
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "Read SQL from file")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string, opts *QueryOptions) error {
	var sqlQuery string
	interactive := false

	switch {
	case len(args) > 0:
		sqlQuery = strings.Join(args, " ")
	case opts.Input != "":
		content, err := os.ReadFile(opts.Input)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		sqlQuery = string(content)
	case !isTerminal(os.Stdin):
		// Read from stdin (piped input)
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		sqlQuery = string(content)
	default:
		interactive = true
	}

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	format := opts.Format
	if format == "" {
		format = cmdCtx.Cfg.Output
	}

	if interactive {
		return runQueryREPL(cmd, cmdCtx, format)
	}
	if strings.TrimSpace(sqlQuery) == "" {
		return fmt.Errorf("no SQL given")
	}
	return executeAndRender(cmd.Context(), cmd.OutOrStdout(), cmdCtx.Engine, sqlQuery, resolveFormat(format, cmd.OutOrStdout()))
}

// executeAndRender runs each statement of script in order and renders the
// result of the last one.
func executeAndRender(ctx context.Context, w io.Writer, eng *engine.Engine, script, format string) error {
	stmts := splitStatements(script)
	if len(stmts) == 0 {
		return fmt.Errorf("no SQL given")
	}
	db := eng.DB()
	for _, stmt := range stmts[:len(stmts)-1] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, stmts[len(stmts)-1])
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return renderResults(w, rows, format)
}

// splitStatements splits a script on semicolons outside quotes and
// comments. Empty statements are dropped.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quote   rune
		comment bool
	)
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
			}
			cur.WriteRune(r)
			continue
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
		case r == ';':
			if s := strings.TrimSpace(cur.String()); s != "" && !onlyComments(s) {
				stmts = append(stmts, s)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if s := strings.TrimSpace(cur.String()); s != "" && !onlyComments(s) {
		stmts = append(stmts, s)
	}
	return stmts
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
