package rowsource

import (
	"context"
	"io"
	"sync/atomic"
)

// FromSlice returns a RowSource over rows. When keep is non-nil, rows it
// rejects are skipped. The slice must not be modified while the scan runs.
func FromSlice(rows []Row, keep func(Row) bool) RowSource {
	return &sliceRows{rows: rows, keep: keep}
}

type sliceRows struct {
	rows   []Row
	keep   func(Row) bool
	pos    int
	closed atomic.Bool
}

func (s *sliceRows) Next(ctx context.Context) (Row, error) {
	if s.closed.Load() {
		return Row{}, io.ErrClosedPipe
	}
	for s.pos < len(s.rows) {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}
		r := s.rows[s.pos]
		s.pos++
		if s.keep == nil || s.keep(r) {
			return r, nil
		}
	}
	return Row{}, io.EOF
}

func (s *sliceRows) Close() error {
	s.closed.Store(true)
	return nil
}
