// Package schema implements table registration: the column set and
// key column a row is bound to at table-creation time, per spec §3.
// Grounded on the teacher's pkg/schema/schema.go table/column registry,
// trimmed of the SQL-only constraint/trigger/view/procedure machinery
// (foreign keys, triggers, views) that belongs to the excluded SQL
// layer — LISC only needs the table-column-type-keycolumn binding a
// row encoder requires.
package schema

import (
	"errors"
	"sync"
)

var (
	ErrTableExists   = errors.New("schema: table already exists")
	ErrTableNotFound = errors.New("schema: table not found")
	ErrColumnNotFound = errors.New("schema: column not found")
	ErrNoKeyColumn   = errors.New("schema: table must declare exactly one key column")
)

// ColumnType enumerates the column value kinds spec §3 names: integer,
// floating, boolean, short text, timestamp.
type ColumnType int

const (
	Int ColumnType = iota
	Float
	Bool
	Text
	Timestamp
)

func (t ColumnType) String() string {
	switch t {
	case Int:
		return "INT"
	case Float:
		return "FLOAT"
	case Bool:
		return "BOOL"
	case Text:
		return "TEXT"
	case Timestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// Column is one schema-bound column.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a schema-bound row layout: an ordered column list and the
// name of the column serving as the primary, numerically-projectable key.
type Table struct {
	Name      string
	KeyColumn string
	Columns   []Column
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KeyColumnIndex returns the position of the key column.
func (t *Table) KeyColumnIndex() int {
	return t.ColumnIndex(t.KeyColumn)
}

// Registry holds every table registered on a DB handle, guarded for
// concurrent reads from many lookup/range callers and occasional
// single-writer registration, mirroring the teacher's schema.Catalog
// locking discipline.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty table registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Register adds a new table. The table must declare a key column that
// is itself one of its columns.
func (r *Registry) Register(t *Table) error {
	if t.KeyColumn == "" {
		return ErrNoKeyColumn
	}
	if t.ColumnIndex(t.KeyColumn) < 0 {
		return ErrColumnNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[t.Name]; ok {
		return ErrTableExists
	}
	r.tables[t.Name] = t
	return nil
}

// Get returns the named table, or ErrTableNotFound.
func (r *Registry) Get(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t, nil
}

// Names returns every registered table name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for n := range r.tables {
		out = append(out, n)
	}
	return out
}
