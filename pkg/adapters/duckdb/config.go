package duckdb

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// spatialExtension provides the GEOMETRY type and ST_AsWKB.
const spatialExtension = "spatial"

// Params holds the DuckDB settings of a datasource's params block.
type Params struct {
	// Spatial loads the spatial extension before any other extension.
	// Geometry columns of DuckDB tables cannot be read without it.
	Spatial bool `mapstructure:"spatial"`

	// Extensions to install and load (e.g., "httpfs", "json")
	Extensions []string `mapstructure:"extensions"`

	// Secrets for cloud storage authentication
	Secrets []SecretConfig `mapstructure:"secrets"`

	// Settings to apply at session level (e.g., memory_limit, threads)
	Settings map[string]string `mapstructure:"settings"`
}

// SecretConfig defines a DuckDB secret for cloud storage.
type SecretConfig struct {
	// Type: "s3", "gcs", "azure", "r2", "huggingface"
	Type string `mapstructure:"type"`

	// Provider: "config", "credential_chain", "service_account", etc.
	Provider string `mapstructure:"provider"`

	// Region for S3 buckets
	Region string `mapstructure:"region,omitempty"`

	// Scope limits the secret to specific paths (string or []string)
	Scope any `mapstructure:"scope,omitempty"`

	// KeyID for explicit credentials (prefer credential_chain)
	KeyID string `mapstructure:"key_id,omitempty"`

	// Secret for explicit credentials (prefer credential_chain)
	Secret string `mapstructure:"secret,omitempty"`

	// Endpoint for S3-compatible services (MinIO, etc.)
	Endpoint string `mapstructure:"endpoint,omitempty"`

	// URLStyle: "vhost" or "path" for S3
	URLStyle string `mapstructure:"url_style,omitempty"`

	// UseSSL: whether to use HTTPS (default true)
	UseSSL *bool `mapstructure:"use_ssl,omitempty"`
}

// parseParams decodes the free-form params block of a datasource. Scalar
// settings such as threads: 4 are accepted and stored as strings.
func parseParams(raw map[string]any) (*Params, error) {
	p := &Params{}
	if len(raw) == 0 {
		return p, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           p,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build params decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid duckdb params: %w", err)
	}
	return p, nil
}

// extensions returns the extensions to load, in order and without
// duplicates.
func (p *Params) extensions() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ext string) {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !seen[ext] {
			seen[ext] = true
			out = append(out, ext)
		}
	}
	if p.Spatial {
		add(spatialExtension)
	}
	for _, ext := range p.Extensions {
		add(ext)
	}
	return out
}

// buildCreateSecretSQL renders a CREATE SECRET statement, one option per line.
func buildCreateSecretSQL(s SecretConfig) string {
	opts := []string{"TYPE " + s.Type}
	if s.Provider != "" {
		opts = append(opts, "PROVIDER "+s.Provider)
	}
	for _, kv := range [][2]string{
		{"REGION", s.Region},
		{"KEY_ID", s.KeyID},
		{"SECRET", s.Secret},
		{"ENDPOINT", s.Endpoint},
		{"URL_STYLE", s.URLStyle},
	} {
		if kv[1] != "" {
			opts = append(opts, kv[0]+" "+quoteLiteral(kv[1]))
		}
	}
	if s.UseSSL != nil {
		opts = append(opts, fmt.Sprintf("USE_SSL %t", *s.UseSSL))
	}

	var scopes []string
	switch scope := s.Scope.(type) {
	case string:
		scopes = []string{scope}
	case []string:
		scopes = scope
	case []any:
		for _, v := range scope {
			scopes = append(scopes, fmt.Sprint(v))
		}
	}
	switch len(scopes) {
	case 0:
	case 1:
		opts = append(opts, "SCOPE "+quoteLiteral(scopes[0]))
	default:
		quoted := make([]string, len(scopes))
		for i, sc := range scopes {
			quoted[i] = quoteLiteral(sc)
		}
		opts = append(opts, "SCOPE ("+strings.Join(quoted, ", ")+")")
	}

	return "CREATE SECRET (\n    " + strings.Join(opts, ",\n    ") + "\n)"
}
