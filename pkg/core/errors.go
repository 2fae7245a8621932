package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrSchema    = errors.New("schema error")
	ErrFormat    = errors.New("format error")
	ErrPlan      = errors.New("plan error")
	ErrRowSource = errors.New("row source error")
	ErrProtocol  = errors.New("protocol violation")
)

// SchemaError reports a malformed or contradictory table definition.
type SchemaError struct {
	Table  string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	return describe("schema error", e.Table, e.Reason, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSchema.
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// FormatError reports a truncated or invalid geometry payload.
// Column and RowID are filled in when the error surfaces through a cursor.
type FormatError struct {
	Offset int
	Reason string
	Column string
	RowID  int64
	Err    error
}

func (e *FormatError) Error() string {
	var b strings.Builder
	b.WriteString("vlayer: format error")
	if e.Column != "" {
		fmt.Fprintf(&b, " in column %q at rowid %d", e.Column, e.RowID)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFormat.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// At returns a copy of e scoped to a row and column.
func (e *FormatError) At(column string, rowid int64) *FormatError {
	c := *e
	c.Column = column
	c.RowID = rowid
	return &c
}

// NewFormatError returns a FormatError for the given byte offset.
// Use a negative offset when the position is not meaningful.
func NewFormatError(offset int, format string, args ...any) *FormatError {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// PlanError reports a plan that cannot be honored.
type PlanError struct {
	Table  string
	IdxNum int
	IdxStr string
	Reason string
}

func (e *PlanError) Error() string {
	reason := e.Reason
	if e.IdxStr != "" || e.IdxNum != 0 {
		reason = fmt.Sprintf("%s (idxNum=%d idxStr=%q)", e.Reason, e.IdxNum, e.IdxStr)
	}
	return describe("plan error", e.Table, reason, nil)
}

// Is reports whether target is ErrPlan.
func (e *PlanError) Is(target error) bool { return target == ErrPlan }

// RowSourceError wraps a failure of the underlying provider or query.
type RowSourceError struct {
	Table string
	Op    string
	Err   error
}

func (e *RowSourceError) Error() string {
	return describe("row source error", e.Table, e.Op, e.Err)
}

func (e *RowSourceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRowSource.
func (e *RowSourceError) Is(target error) bool { return target == ErrRowSource }

// ProtocolViolation reports an operation called out of state-machine order.
type ProtocolViolation struct {
	Table string
	Op    string
	State string
}

func (e *ProtocolViolation) Error() string {
	return describe("protocol violation", e.Table, fmt.Sprintf("%s called in state %s", e.Op, e.State), nil)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocol }

func describe(kind, table, reason string, err error) string {
	var b strings.Builder
	b.WriteString("vlayer: ")
	b.WriteString(kind)
	if table != "" {
		fmt.Fprintf(&b, " in table %q", table)
	}
	if reason != "" {
		b.WriteString(": ")
		b.WriteString(reason)
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}
