// Package row implements the schema-bound row layout of spec §3: a row
// is an opaque byte blob plus column accessors. Value is grounded on
// the teacher's pkg/types/value.go tagged-union value (Value carries
// its own type tag and one populated field per kind); Encode/Decode are
// grounded on pkg/record/record.go's varint-length-prefixed column
// format, trimmed to the five column kinds spec §3 names (integer,
// floating, boolean, short text, timestamp) — the teacher's SQLite-
// derived strict-type serial-type zoo (SMALLINT/BIGINT/GUID/DECIMAL/
// VARCHAR/...) and BLOB/JSON/vector kinds have no schema home in LISC
// and are dropped.
package row

import (
	"time"

	"lisc/schema"
)

// Value is one schema-typed column value.
type Value struct {
	typ  schema.ColumnType
	i    int64
	f    float64
	b    bool
	s    string
	ts   time.Time
}

func NewInt(v int64) Value       { return Value{typ: schema.Int, i: v} }
func NewFloat(v float64) Value   { return Value{typ: schema.Float, f: v} }
func NewBool(v bool) Value       { return Value{typ: schema.Bool, b: v} }
func NewText(v string) Value     { return Value{typ: schema.Text, s: v} }
func NewTimestamp(v time.Time) Value { return Value{typ: schema.Timestamp, ts: v} }

func (v Value) Type() schema.ColumnType { return v.typ }
func (v Value) Int() int64              { return v.i }
func (v Value) Float() float64          { return v.f }
func (v Value) Bool() bool              { return v.b }
func (v Value) Text() string            { return v.s }
func (v Value) Timestamp() time.Time    { return v.ts }
