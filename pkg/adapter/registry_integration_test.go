package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/vlayer/pkg/adapter"

	// Import adapter packages to ensure adapters are registered via init()
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/postgres"
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/sqlite"
)

func TestSelfRegistration(t *testing.T) {
	tests := []struct {
		name        string
		adapterName string
		expected    bool
	}{
		{"duckdb registered", "duckdb", true},
		{"postgres registered", "postgres", true},
		{"sqlite registered", "sqlite", true},
		{"postgresql alias", "postgresql", true},
		{"sqlite3 alias", "sqlite3", true},
		{"unknown not registered", "unknown_db", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.IsRegistered(tt.adapterName))
		})
	}
}

func TestNewAdapter_Dialects(t *testing.T) {
	for _, name := range []string{"duckdb", "postgres", "sqlite"} {
		a, err := adapter.NewAdapter(adapter.Config{Type: name}, nil)
		require.NoError(t, err)
		assert.Equal(t, name, a.Dialect().Name)
	}
}
