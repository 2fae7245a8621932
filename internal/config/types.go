// Package config loads the vlayer configuration: the SQLite database that
// hosts the virtual tables, the layer catalog, the datasources feeding the
// sql provider and the layers created at startup.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// Config holds all vlayer configuration options.
type Config struct {
	Database    string                      `koanf:"database"`
	Catalog     string                      `koanf:"catalog"`
	Module      string                      `koanf:"module"`
	LimitWait   time.Duration               `koanf:"limit_wait"`
	Verbose     bool                        `koanf:"verbose"`
	Output      string                      `koanf:"output"`
	Datasources map[string]DatasourceConfig `koanf:"datasources"`
	Layers      map[string]LayerConfig      `koanf:"layers"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `koanf:"-"`
}

// DatasourceConfig describes a database the sql provider can query.
type DatasourceConfig struct {
	Type     string            `koanf:"type"` // duckdb, postgres, sqlite
	Path     string            `koanf:"path"`
	Host     string            `koanf:"host"`
	Port     int               `koanf:"port"`
	Database string            `koanf:"database"`
	User     string            `koanf:"user"`
	Password string            `koanf:"password"`
	Schema   string            `koanf:"schema"`
	Options  map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration (e.g., DuckDB extensions, settings)
	Params map[string]any `koanf:"params"`
}

// AdapterConfig converts the datasource to the adapter connection config.
func (d DatasourceConfig) AdapterConfig() core.AdapterConfig {
	return core.AdapterConfig{
		Type:     strings.ToLower(d.Type),
		Path:     d.Path,
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		Username: d.User,
		Password: d.Password,
		Schema:   d.Schema,
		Options:  d.Options,
		Params:   d.Params,
	}
}

// LayerConfig declares a virtual table created when a session starts.
type LayerConfig struct {
	Provider string            `koanf:"provider"`
	Source   string            `koanf:"source"`
	Options  map[string]string `koanf:"options"`
}

// Args returns the module arguments of the layer's CREATE VIRTUAL TABLE
// statement. Options are sorted by key.
func (l LayerConfig) Args() []string {
	args := []string{quote(l.Provider), quote(l.Source)}
	keys := make([]string, 0, len(l.Options))
	for k := range l.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%s", k, quote(l.Options[k])))
	}
	return args
}

// Statement returns the CREATE VIRTUAL TABLE statement for the layer.
func (l LayerConfig) Statement(module, name string) string {
	return fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING %s(%s)",
		core.QuoteIdent(name), module, strings.Join(l.Args(), ", "))
}

// LayerNames returns the configured layer names in sorted order.
func (c *Config) LayerNames() []string {
	names := make([]string, 0, len(c.Layers))
	for name := range c.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
