package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/vlayer/internal/engine"
)

const (
	replPrompt     = "vlayer> "
	replContPrompt = "   ...> "
)

func runQueryREPL(cmd *cobra.Command, cmdCtx *CommandContext, format string) error {
	ctx := cmd.Context()
	eng := cmdCtx.Engine

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     historyFile(),
		AutoComplete:    newLayerCompleter(ctx, eng),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "vlayer query REPL (database: %s)\n", cmdCtx.Cfg.Database)
	_, _ = fmt.Fprintln(out, "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(out)

	format = resolveFormat(format, os.Stdout)
	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			buf.Reset()
			rl.SetPrompt(replPrompt)
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if quit := handleDotCommand(ctx, cmd, eng, line, format); quit {
				break
			}
			continue
		}

		// Accumulate multi-line SQL until semicolon
		buf.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			buf.WriteString("\n")
			rl.SetPrompt(replContPrompt)
			continue
		}
		rl.SetPrompt(replPrompt)

		script := buf.String()
		buf.Reset()
		if err := executeAndRender(ctx, out, eng, script, format); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "vlayer")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ""
	}
	return filepath.Join(dir, "query_history")
}

// handleDotCommand runs a REPL dot command. It reports whether the REPL
// should exit.
func handleDotCommand(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, line, format string) bool {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	switch command {
	case ".quit", ".exit":
		return true

	case ".help":
		printREPLHelp(out)

	case ".layers":
		if err := renderLayers(ctx, out, eng, format); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		}

	case ".schema":
		if len(parts) < 2 {
			_, _ = fmt.Fprintln(errOut, "Usage: .schema <table>")
			break
		}
		if err := showSchema(ctx, out, eng, parts[1], format); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		}

	case ".clear":
		_, _ = fmt.Fprint(out, "\033[H\033[2J")

	default:
		_, _ = fmt.Fprintf(errOut, "Unknown command: %s (type .help for commands)\n", command)
	}
	return false
}

func printREPLHelp(w io.Writer) {
	help := `
Commands:
  .help           Show this help message
  .layers         List virtual layers
  .schema <name>  Show the columns of a table, hidden ones included
  .clear          Clear the screen
  .quit / .exit   Exit the REPL

Tips:
  - SQL statements must end with a semicolon (;)
  - _search_frame_ = BuildMbr(x1, y1, x2, y2) prefilters by bounding box
  - Tab completion works for layer names
`
	_, _ = fmt.Fprintln(w, help)
}

func showSchema(ctx context.Context, w io.Writer, eng *engine.Engine, name, format string) error {
	cols, err := eng.Columns(ctx, name)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(w, map[string]any{"name": name, "columns": cols})
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(name)
	t.AppendHeader(table.Row{"Column", "Type", "Hidden"})
	for _, c := range cols {
		hidden := ""
		if c.Hidden {
			hidden = "yes"
		}
		t.AppendRow(table.Row{c.Name, c.Type, hidden})
	}
	if format == "markdown" {
		t.RenderMarkdown()
	} else {
		t.Render()
	}
	return nil
}

// newLayerCompleter creates a readline completer for layer names.
func newLayerCompleter(ctx context.Context, eng *engine.Engine) *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	schemaItems := []readline.PrefixCompleterInterface{}
	if layers, err := eng.Layers(ctx); err == nil {
		for _, l := range layers {
			if l.Exists {
				items = append(items, readline.PcItem(l.Name))
				schemaItems = append(schemaItems, readline.PcItem(l.Name))
			}
		}
	}

	items = append(items,
		readline.PcItem(".help"),
		readline.PcItem(".layers"),
		readline.PcItem(".schema", schemaItems...),
		readline.PcItem(".clear"),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)
	return readline.NewPrefixCompleter(items...)
}
