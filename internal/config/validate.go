package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/vlayer/pkg/adapter"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/sqlsource"
)

// Validate checks if the configuration is valid. Datasource types are
// checked against the adapter registry.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Catalog != "" && c.Catalog != ":memory:" && c.Catalog == c.Database {
		return fmt.Errorf("catalog must not be the virtual table database %s", c.Database)
	}
	if c.Module == "" {
		return fmt.Errorf("module name is required")
	}
	if c.LimitWait <= 0 {
		return fmt.Errorf("limit_wait must be positive, got %s", c.LimitWait)
	}
	if !slices.Contains(OutputFormats, c.Output) {
		return fmt.Errorf("unknown output format %q (want one of %s)", c.Output, strings.Join(OutputFormats, ", "))
	}

	for name, ds := range c.Datasources {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("datasource %s: %w", name, err)
		}
	}
	for _, name := range c.LayerNames() {
		if err := c.validateLayer(name, c.Layers[name]); err != nil {
			return fmt.Errorf("layer %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single datasource.
func (d DatasourceConfig) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("datasource type is required")
	}
	if !adapter.IsRegistered(d.Type) {
		return &adapter.UnknownAdapterError{
			Type:      d.Type,
			Available: adapter.ListAdapters(),
		}
	}
	if adapter.Canonical(d.Type) == "postgres" && d.Host == "" {
		return fmt.Errorf("postgres datasource needs a host")
	}
	return nil
}

func (c *Config) validateLayer(name string, l LayerConfig) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("layer name is empty")
	}
	if l.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if l.Source == "" {
		return fmt.Errorf("source is required")
	}
	if l.Provider == sqlsource.ProviderName {
		ds := l.Options["datasource"]
		if ds == "" {
			ds = sqlsource.DefaultDatasource
		}
		if _, ok := c.Datasources[ds]; !ok {
			return fmt.Errorf("unknown datasource %q", ds)
		}
	}
	return nil
}
