package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config file names searched in the working directory.
const (
	ConfigFileName    = "vlayer.yaml"
	ConfigFileNameAlt = "vlayer.yml"
)

// EnvPrefix is the prefix of environment variables read into the config.
const EnvPrefix = "VLAYER_"

// findConfigFile finds the config file to use.
// Priority: explicit path > vlayer.yaml > vlayer.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load loads configuration from defaults, the config file, environment
// variables and flags. Precedence (highest to lowest): flags > env vars >
// config file > defaults. Only flags that were explicitly set are read.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file; relative paths in it are anchored at its directory
	path := findConfigFile(cfgFile)
	if path != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		base := "."
		if abs, err := filepath.Abs(path); err == nil {
			base = filepath.Dir(abs)
		}
		if err := anchorPaths(fk, base); err != nil {
			return nil, err
		}
		if err := k.Merge(fk); err != nil {
			return nil, fmt.Errorf("error merging config file %s: %w", path, err)
		}
	}

	// 3. Environment variables: VLAYER_LIMIT_WAIT -> limit_wait
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ConfigFile = path

	cfg.ApplyDefaults()
	for name, ds := range cfg.Datasources {
		expandDatasourceEnvVars(&ds)
		cfg.Datasources[name] = ds
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// anchorPaths rewrites relative file paths in a config file so they do not
// depend on the working directory.
func anchorPaths(k *koanf.Koanf, base string) error {
	keys := []string{"database", "catalog"}
	for _, name := range k.MapKeys("datasources") {
		keys = append(keys, "datasources."+name+".path")
	}
	for _, name := range k.MapKeys("layers") {
		if k.String("layers."+name+".provider") == "file" {
			keys = append(keys, "layers."+name+".source")
		}
	}
	for _, key := range keys {
		v := k.String(key)
		if v == "" || v == ":memory:" || filepath.IsAbs(v) {
			continue
		}
		if err := k.Set(key, filepath.Join(base, v)); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", key, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match // Return original if not found
	})
}

// expandDatasourceEnvVars expands environment variables in credential fields.
func expandDatasourceEnvVars(d *DatasourceConfig) {
	d.Host = expandEnvVars(d.Host)
	d.User = expandEnvVars(d.User)
	d.Password = expandEnvVars(d.Password)
	d.Database = expandEnvVars(d.Database)
	d.Path = expandEnvVars(d.Path)
}
