package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/vlayer/pkg/spatialite"
)

// decodeOutput is the JSON form of a decoded blob.
type decodeOutput struct {
	Type     string    `json:"type"`
	Layout   string    `json:"layout"`
	SRID     int       `json:"srid"`
	Envelope []float64 `json:"envelope,omitempty"`
	WKT      string    `json:"wkt"`
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "decode <hex|@file>",
		Short: "Decode a SpatiaLite geometry blob",
		Long: `Decode a SpatiaLite geometry blob given as hex (optionally written as
X'...' or 0x...) or read from a file with @path, and print its type, SRID,
envelope and WKT.`,
		Example: `  vlayer decode "X'0001E6100000...FE'"
  vlayer query "SELECT hex(geometry) FROM cities LIMIT 1" --format csv | tail -1 | xargs vlayer decode
  vlayer decode @point.bin --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := readBlobArg(args[0])
			if err != nil {
				return err
			}
			out, err := decodeBlob(blob)
			if err != nil {
				return err
			}
			if format == "" {
				format = NewCommandContextWithoutEngine(cmd).Cfg.Output
			}
			return printDecoded(cmd.OutOrStdout(), out, resolveFormat(format, cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: table, json (default: --output)")
	return cmd
}

func readBlobArg(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path) //nolint:gosec // user-supplied input file
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		if spatialite.IsBlob(data) {
			return data, nil
		}
		arg = string(data)
	}
	return parseHex(arg)
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 3 && (s[0] == 'X' || s[0] == 'x') && s[1] == '\'' && s[len(s)-1] == '\'':
		s = s[2 : len(s)-1]
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex blob: %w", err)
	}
	return b, nil
}

func decodeBlob(b []byte) (*decodeOutput, error) {
	srid, kind, layout, err := spatialite.Header(b)
	if err != nil {
		return nil, err
	}
	g, err := spatialite.Decode(b)
	if err != nil {
		return nil, err
	}
	wkt, err := spatialite.ToText(g)
	if err != nil {
		return nil, err
	}
	out := &decodeOutput{Type: kind.String(), Layout: layout.String(), SRID: srid, WKT: wkt}
	if env, err := spatialite.Envelope(b); err == nil && !env.IsEmpty() {
		out.Envelope = []float64{env.Min(0), env.Min(1), env.Max(0), env.Max(1)}
	}
	return out, nil
}

func printDecoded(w io.Writer, out *decodeOutput, format string) error {
	if format == "json" {
		return writeJSON(w, out)
	}
	_, _ = fmt.Fprintf(w, "type:     %s\n", out.Type)
	_, _ = fmt.Fprintf(w, "layout:   %s\n", out.Layout)
	_, _ = fmt.Fprintf(w, "srid:     %d\n", out.SRID)
	if out.Envelope != nil {
		_, _ = fmt.Fprintf(w, "envelope: %g %g, %g %g\n", out.Envelope[0], out.Envelope[1], out.Envelope[2], out.Envelope[3])
	}
	_, _ = fmt.Fprintf(w, "wkt:      %s\n", out.WKT)
	return nil
}
