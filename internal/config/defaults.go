package config

import (
	"github.com/leapstack-labs/vlayer/pkg/adapter"
	"github.com/leapstack-labs/vlayer/pkg/vlayer"
)

// Default configuration values.
const (
	DefaultDatabase  = ":memory:"
	DefaultModule    = "vlayer"
	DefaultLimitWait = vlayer.DefaultLimitWait
	DefaultOutput    = "auto" // Auto-detect: TTY=table, non-TTY=markdown
)

// Output formats accepted by the output setting.
var OutputFormats = []string{"auto", "table", "json", "csv", "markdown"}

func defaults() map[string]any {
	return map[string]any{
		"database":   DefaultDatabase,
		"catalog":    "",
		"module":     DefaultModule,
		"limit_wait": DefaultLimitWait.String(),
		"verbose":    false,
		"output":     DefaultOutput,
	}
}

// ApplyDefaults fills unset fields of a Config built in code.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Module == "" {
		c.Module = DefaultModule
	}
	if c.LimitWait == 0 {
		c.LimitWait = DefaultLimitWait
	}
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	for name, ds := range c.Datasources {
		ds.ApplyDefaults()
		c.Datasources[name] = ds
	}
}

// ApplyDefaults resolves type aliases and applies type-specific defaults.
func (d *DatasourceConfig) ApplyDefaults() {
	d.Type = adapter.Canonical(d.Type)
	switch d.Type {
	case "postgres":
		if d.Port == 0 {
			d.Port = 5432
		}
		if d.Schema == "" {
			d.Schema = "public"
		}
	case "duckdb", "sqlite":
		if d.Path == "" {
			d.Path = d.Database
		}
		if d.Schema == "" {
			d.Schema = "main"
		}
	}
}
