package segment

import (
	"sync"

	"lisc/index"
	"lisc/leaf"
	"lisc/liscconfig"
	"lisc/row"
)

// Mutable is the in-memory segment M of spec §4.4: a hierarchical
// index over keys plus a map of encoded rows keyed by primary key;
// producing an immutable checkpoint segment decodes each staged row
// and re-encodes it column by column. Grounded on
// pkg/pager/pager.go's page-cache-plus-dirty-tracking role, generalized
// from fixed-size pages to variable-length encoded rows.
type Mutable struct {
	mu    sync.RWMutex
	tree  *index.Tree
	rows  map[int64]row.Row // key -> encoded row bytes, staged until checkpoint
	dirty int
}

// NewMutable creates an empty mutable segment.
func NewMutable(cfg liscconfig.Options) *Mutable {
	return &Mutable{
		tree: index.New(cfg),
		rows: make(map[int64]row.Row),
	}
}

// Insert stages a new row under key, failing with index.ErrKeyConflict
// if the key already exists (spec §6: no update-in-place in v1).
func (m *Mutable) Insert(key int64, ref leaf.RowRef, r row.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.tree.Insert(key, ref); err != nil {
		return err
	}
	m.rows[key] = r
	m.dirty++
	return nil
}

// Lookup returns the row for key, if present and not tombstoned.
func (m *Mutable) Lookup(key int64) (row.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.tree.Lookup(key)
	if !ok || ref.Tombstone {
		return row.Row{}, false
	}
	r, ok := m.rows[key]
	return r, ok
}

// Range iterates keys in [lo, hi) order, yielding each non-tombstoned
// row to fn. Iteration stops early if fn returns false.
func (m *Mutable) Range(lo, hi int64, fn func(key int64, r row.Row) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it := m.tree.Range(lo, hi)
	defer it.Close()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if entry.Ref.Tombstone {
			continue
		}
		r, ok := m.rows[entry.Key]
		if !ok {
			continue
		}
		if !fn(entry.Key, r) {
			break
		}
	}
}

// Len reports the number of live (non-tombstoned) staged rows.
func (m *Mutable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// DirtyCount reports inserts staged since the last checkpoint snapshot.
func (m *Mutable) DirtyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// Depth reports the learned index tree's current root-to-leaf depth.
func (m *Mutable) Depth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Depth()
}

// Snapshot captures every staged (key, row) pair in ascending key
// order for checkpoint encoding, and resets the dirty counter.
func (m *Mutable) Snapshot() []KeyRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KeyRow, 0, len(m.rows))
	it := m.tree.Range(minInt64, maxInt64)
	defer it.Close()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if entry.Ref.Tombstone {
			continue
		}
		r, ok := m.rows[entry.Key]
		if !ok {
			continue
		}
		out = append(out, KeyRow{Key: entry.Key, Row: r})
	}
	m.dirty = 0
	return out
}

// KeyRow pairs a key with its encoded row, used when staging for
// checkpoint encode and when replaying WAL inserts on recovery.
type KeyRow struct {
	Key int64
	Row row.Row
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)
