package row

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"lisc/internal/varint"
	"lisc/schema"
)

var ErrSchemaMismatch = errors.New("row: value does not match column schema")

// Row is an opaque, schema-bound byte blob plus column accessors, per
// spec §3. The wire format is the teacher's varint-length-prefixed
// column layout: one tag byte plus a type-specific payload per column,
// in declared column order — no column offsets table, since LISC rows
// are small and fixed by schema, unlike the teacher's general SQLite
// cell format.
type Row struct {
	raw []byte
}

// Raw returns the encoded bytes (for WAL payloads and segment storage).
func (r Row) Raw() []byte { return r.raw }

// FromRaw wraps previously-encoded bytes (from WAL replay or a segment
// column chunk) as a Row.
func FromRaw(raw []byte) Row { return Row{raw: raw} }

// Encode validates values against table's column list (by position)
// and serializes them into a Row.
func Encode(table *schema.Table, values []Value) (Row, error) {
	if len(values) != len(table.Columns) {
		return Row{}, ErrSchemaMismatch
	}
	for i, v := range values {
		if v.Type() != table.Columns[i].Type {
			return Row{}, ErrSchemaMismatch
		}
	}

	buf := make([]byte, 0, 16*len(values))
	tmp := make([]byte, 9)
	for _, v := range values {
		switch v.Type() {
		case schema.Int:
			buf = append(buf, byte(schema.Int))
			n := varint.PutVarint(tmp, uint64(v.Int()))
			buf = append(buf, tmp[:n]...)
		case schema.Float:
			buf = append(buf, byte(schema.Float))
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float()))
			buf = append(buf, b[:]...)
		case schema.Bool:
			buf = append(buf, byte(schema.Bool))
			if v.Bool() {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case schema.Text:
			buf = append(buf, byte(schema.Text))
			n := varint.PutVarint(tmp, uint64(len(v.Text())))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, v.Text()...)
		case schema.Timestamp:
			buf = append(buf, byte(schema.Timestamp))
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v.Timestamp().UnixNano()))
			buf = append(buf, b[:]...)
		}
	}
	return Row{raw: buf}, nil
}

// Decode deserializes a Row back into its column values, in the
// declared column order of table.
func (r Row) Decode(table *schema.Table) ([]Value, error) {
	out := make([]Value, len(table.Columns))
	off := 0
	for i, col := range table.Columns {
		if off >= len(r.raw) {
			return nil, ErrSchemaMismatch
		}
		tag := schema.ColumnType(r.raw[off])
		off++
		if tag != col.Type {
			return nil, ErrSchemaMismatch
		}
		switch col.Type {
		case schema.Int:
			v, n := varint.GetVarint(r.raw[off:])
			off += n
			out[i] = NewInt(int64(v))
		case schema.Float:
			bits := binary.BigEndian.Uint64(r.raw[off : off+8])
			off += 8
			out[i] = NewFloat(math.Float64frombits(bits))
		case schema.Bool:
			out[i] = NewBool(r.raw[off] != 0)
			off++
		case schema.Text:
			ln, n := varint.GetVarint(r.raw[off:])
			off += n
			out[i] = NewText(string(r.raw[off : off+int(ln)]))
			off += int(ln)
		case schema.Timestamp:
			nsec := binary.BigEndian.Uint64(r.raw[off : off+8])
			off += 8
			out[i] = NewTimestamp(time.Unix(0, int64(nsec)).UTC())
		}
	}
	return out, nil
}

// Column decodes and returns a single named column's value.
func (r Row) Column(table *schema.Table, name string) (Value, error) {
	idx := table.ColumnIndex(name)
	if idx < 0 {
		return Value{}, schema.ErrColumnNotFound
	}
	values, err := r.Decode(table)
	if err != nil {
		return Value{}, err
	}
	return values[idx], nil
}
