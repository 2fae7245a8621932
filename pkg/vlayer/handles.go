package vlayer

import "sync"

// handles maps opaque ids to live tables and cursors. Cursors refer to
// their table by id so that a released table is detected instead of used.
type handles struct {
	mu      sync.Mutex
	next    uint64
	tables  map[uint64]*Table
	cursors map[uint64]*Cursor
}

func newHandles() *handles {
	return &handles{
		tables:  make(map[uint64]*Table),
		cursors: make(map[uint64]*Cursor),
	}
}

func (h *handles) addTable(t *Table) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.tables[h.next] = t
	return h.next
}

func (h *handles) table(id uint64) (*Table, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[id]
	return t, ok
}

func (h *handles) removeTable(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tables, id)
}

func (h *handles) addCursor(c *Cursor) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.cursors[h.next] = c
	return h.next
}

func (h *handles) removeCursor(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cursors, id)
}

// Live counts the tables and cursors that have not been released.
type Live struct {
	Tables  int
	Cursors int
}

func (h *handles) live() Live {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Live{Tables: len(h.tables), Cursors: len(h.cursors)}
}
