package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	useSSL := false

	tests := []struct {
		name    string
		input   map[string]any
		want    *Params
		wantErr string
	}{
		{name: "nil", input: nil, want: &Params{}},
		{name: "empty", input: map[string]any{}, want: &Params{}},
		{
			name:  "spatial switch",
			input: map[string]any{"spatial": "true"},
			want:  &Params{Spatial: true},
		},
		{
			name: "extensions and settings",
			input: map[string]any{
				"extensions": []any{"httpfs", "json"},
				"settings":   map[string]any{"memory_limit": "2GB", "threads": 4},
			},
			want: &Params{
				Extensions: []string{"httpfs", "json"},
				Settings:   map[string]string{"memory_limit": "2GB", "threads": "4"},
			},
		},
		{
			name: "object store secret for remote parquet layers",
			input: map[string]any{
				"secrets": []any{map[string]any{
					"type":      "s3",
					"provider":  "config",
					"region":    "eu-central-1",
					"key_id":    "AKIA-TEST",
					"secret":    "s3cr3t",
					"endpoint":  "localhost:9000",
					"url_style": "path",
					"use_ssl":   false,
					"scope":     []any{"s3://tiles", "s3://parcels"},
				}},
			},
			want: &Params{Secrets: []SecretConfig{{
				Type:     "s3",
				Provider: "config",
				Region:   "eu-central-1",
				KeyID:    "AKIA-TEST",
				Secret:   "s3cr3t",
				Endpoint: "localhost:9000",
				URLStyle: "path",
				UseSSL:   &useSSL,
				Scope:    []any{"s3://tiles", "s3://parcels"},
			}}},
		},
		{
			name:    "misspelled key",
			input:   map[string]any{"extension": []any{"spatial"}},
			wantErr: "invalid duckdb params",
		},
		{
			name:    "wrong shape",
			input:   map[string]any{"settings": []any{"threads"}},
			wantErr: "invalid duckdb params",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParams_Extensions(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   []string
	}{
		{name: "none", params: Params{}, want: nil},
		{name: "spatial only", params: Params{Spatial: true}, want: []string{"spatial"}},
		{
			name:   "spatial goes first and is not repeated",
			params: Params{Spatial: true, Extensions: []string{"httpfs", "Spatial", " httpfs "}},
			want:   []string{"spatial", "httpfs"},
		},
		{
			name:   "listed without the switch",
			params: Params{Extensions: []string{"json", "spatial"}},
			want:   []string{"json", "spatial"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.params.extensions())
		})
	}
}
