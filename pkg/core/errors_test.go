package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		sentinel error
		contains []string
	}{
		{
			name:     "schema error",
			err:      &SchemaError{Table: "roads", Reason: "geometry column 7 out of range", Err: cause},
			sentinel: ErrSchema,
			contains: []string{`table "roads"`, "geometry column 7", "boom"},
		},
		{
			name:     "format error",
			err:      NewFormatError(12, "unknown class %d", 99),
			sentinel: ErrFormat,
			contains: []string{"offset 12", "unknown class 99"},
		},
		{
			name:     "plan error",
			err:      &PlanError{Table: "t", IdxNum: 3, IdxStr: "x", Reason: "bad slot"},
			sentinel: ErrPlan,
			contains: []string{"bad slot", `idxStr="x"`},
		},
		{
			name:     "row source error",
			err:      &RowSourceError{Table: "t", Op: "open", Err: cause},
			sentinel: ErrRowSource,
			contains: []string{"open", "boom"},
		},
		{
			name:     "protocol violation",
			err:      &ProtocolViolation{Table: "t", Op: "next", State: "eof"},
			sentinel: ErrProtocol,
			contains: []string{"next called in state eof"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to step: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			for _, s := range tt.contains {
				assert.Contains(t, tt.err.Error(), s)
			}
		})
	}
}

func TestErrorKindsAreDistinct(t *testing.T) {
	err := &SchemaError{Reason: "x"}
	assert.NotErrorIs(t, err, ErrFormat)
	assert.NotErrorIs(t, err, ErrPlan)
	assert.NotErrorIs(t, err, ErrRowSource)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestFormatError_At(t *testing.T) {
	base := NewFormatError(4, "truncated")
	scoped := base.At("geom", 42)

	assert.Empty(t, base.Column, "At must not mutate the receiver")
	assert.Equal(t, "geom", scoped.Column)
	assert.Equal(t, int64(42), scoped.RowID)
	assert.Contains(t, scoped.Error(), `column "geom" at rowid 42`)

	var fe *FormatError
	require.ErrorAs(t, fmt.Errorf("wrap: %w", scoped), &fe)
	assert.Equal(t, 4, fe.Offset)
}

func TestRowSourceError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &RowSourceError{Op: "next", Err: cause}
	assert.ErrorIs(t, err, cause)
}
