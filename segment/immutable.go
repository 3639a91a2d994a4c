package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"lisc/internal/crc32c"
	"lisc/internal/varint"
	"lisc/row"
	"lisc/schema"
)

// magic identifies an immutable LISC segment file, matching the
// 16-byte magic-string convention of pkg/dbfile/header.go but naming
// this format instead of borrowing TurDB's.
const magic = "LISC1\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

const formatVersion = 1

var (
	ErrBadMagic    = errors.New("segment: bad magic, not a LISC segment file")
	ErrBadVersion  = errors.New("segment: unsupported segment format version")
	ErrCorruptFile = errors.New("segment: checksum mismatch in segment file")
)

// Immutable is a read-only, memory-mapped columnar segment file
// produced by checkpoint, per spec §4.4's on-disk layout:
//
//	magic "LISC1" | u32 version | u32 schema_id | u64 row_count |
//	u64 key_count | column_chunks... | footer
//
// Grounded on pkg/dbfile/header.go's fixed-header-plus-payload shape
// and pkg/pager/mmap_unix.go for the mmap lifecycle; the page-cache
// and B-tree machinery those files carry is not needed since the file
// is read-only columnar data, not a paged B-tree.
type Immutable struct {
	id       uint64
	path     string
	table    *schema.Table
	rowCount uint64
	keyCount uint64

	data []byte // mmap'd file contents
	file *os.File

	keysOffset    int
	keysLen       int
	columnOffsets []int // start offset of each column's chunk data
	columnLens    []int
}

// footerMagic closes a segment file so a truncated write is detectable.
const footerMagic = "LISCEND\x00"

// WriteImmutable encodes rows (already sorted by key) into a new
// immutable segment file at path, using a write-temp-then-rename plus
// directory fsync so a crash mid-write never leaves a half-written
// file visible under the final name, matching spec §4.4's durability
// requirement for checkpoint output.
func WriteImmutable(path string, id uint64, table *schema.Table, rows []KeyRow) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := encodeImmutable(id, table, rows)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// encodeImmutable builds the full on-disk byte image: header, one
// column chunk per schema column (keys are column 0, implicitly), then
// a footer with a whole-file checksum.
func encodeImmutable(id uint64, table *schema.Table, rows []KeyRow) []byte {
	header := make([]byte, 0, 32)
	header = append(header, magic...)
	var tmp4, tmp8 [8]byte
	binary.BigEndian.PutUint32(tmp4[:4], formatVersion)
	header = append(header, tmp4[:4]...)
	binary.BigEndian.PutUint32(tmp4[:4], schemaID(table))
	header = append(header, tmp4[:4]...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(len(rows)))
	header = append(header, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(len(rows)))
	header = append(header, tmp8[:]...)

	// Column 0: keys, fixed-width 8 bytes each, for O(log n) binary search.
	keyChunk := make([]byte, 0, len(rows)*8)
	for _, kr := range rows {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(kr.Key))
		keyChunk = append(keyChunk, b[:]...)
	}

	// Remaining columns: decode each row once, re-encode per-column
	// varint/fixed values packed contiguously (columnar layout).
	columnChunks := make([][]byte, len(table.Columns))
	for ci := range table.Columns {
		columnChunks[ci] = make([]byte, 0, len(rows)*4)
	}
	tmp := make([]byte, 9)
	for _, kr := range rows {
		values, err := kr.Row.Decode(table)
		if err != nil {
			continue // corrupt staged row; skip rather than fail the whole checkpoint
		}
		for ci, v := range values {
			columnChunks[ci] = appendColumnValue(columnChunks[ci], v, tmp)
		}
	}

	buf := append([]byte{}, header...)
	buf = append(buf, keyChunk...)
	chunkOffsets := make([]uint64, len(columnChunks))
	chunkLens := make([]uint64, len(columnChunks))
	base := uint64(len(buf))
	for ci, chunk := range columnChunks {
		chunkOffsets[ci] = base
		chunkLens[ci] = uint64(len(chunk))
		buf = append(buf, chunk...)
		base += uint64(len(chunk))
	}

	footerStart := uint64(len(buf))
	footer := make([]byte, 0, 8+len(columnChunks)*16+len(footerMagic))
	binary.BigEndian.PutUint64(tmp8[:], uint64(len(columnChunks)))
	footer = append(footer, tmp8[:]...)
	for i := range columnChunks {
		binary.BigEndian.PutUint64(tmp8[:], chunkOffsets[i])
		footer = append(footer, tmp8[:]...)
		binary.BigEndian.PutUint64(tmp8[:], chunkLens[i])
		footer = append(footer, tmp8[:]...)
	}
	footer = append(footer, footerMagic...)

	buf = append(buf, footer...)

	// Trailer: footer start offset (so a reader can jump straight to the
	// column-offset table without scanning) followed by a whole-file
	// checksum covering everything written so far.
	binary.BigEndian.PutUint64(tmp8[:], footerStart)
	buf = append(buf, tmp8[:]...)
	checksum := crc32c.Checksum(buf)
	binary.BigEndian.PutUint32(tmp4[:4], checksum)
	buf = append(buf, tmp4[:4]...)

	return buf
}

func appendColumnValue(dst []byte, v row.Value, tmp []byte) []byte {
	switch v.Type() {
	case schema.Int:
		n := varint.PutVarint(tmp, uint64(v.Int()))
		return append(dst, tmp[:n]...)
	case schema.Float:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float()))
		return append(dst, b[:]...)
	case schema.Bool:
		if v.Bool() {
			return append(dst, 1)
		}
		return append(dst, 0)
	case schema.Text:
		n := varint.PutVarint(tmp, uint64(len(v.Text())))
		dst = append(dst, tmp[:n]...)
		return append(dst, v.Text()...)
	case schema.Timestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Timestamp().UnixNano()))
		return append(dst, b[:]...)
	}
	return dst
}

func schemaID(table *schema.Table) uint32 {
	h := uint32(2166136261)
	for _, c := range []byte(table.Name) {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// OpenImmutable memory-maps an existing segment file and validates its
// header and whole-file checksum before returning.
func OpenImmutable(path string, id uint64, table *schema.Table) (*Immutable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < int64(len(magic))+24 {
		f.Close()
		return nil, ErrBadMagic
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	if string(data[:len(magic)]) != magic {
		unix.Munmap(data)
		f.Close()
		return nil, ErrBadMagic
	}
	off := len(magic)
	version := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if version != formatVersion {
		unix.Munmap(data)
		f.Close()
		return nil, ErrBadVersion
	}
	off += 4 // schema_id, not currently cross-checked beyond the caller's table
	rowCount := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	keyCount := binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	storedChecksum := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32c.Checksum(data[:len(data)-4]) != storedChecksum {
		unix.Munmap(data)
		f.Close()
		return nil, ErrCorruptFile
	}

	keysOffset := off
	keysLen := int(keyCount) * 8
	footerStart := int(binary.BigEndian.Uint64(data[len(data)-12 : len(data)-4]))

	columnCount := binary.BigEndian.Uint64(data[footerStart : footerStart+8])
	columnOffsets := make([]int, columnCount)
	columnLens := make([]int, columnCount)
	cur := footerStart + 8
	for i := 0; i < int(columnCount); i++ {
		columnOffsets[i] = int(binary.BigEndian.Uint64(data[cur : cur+8]))
		cur += 8
		columnLens[i] = int(binary.BigEndian.Uint64(data[cur : cur+8]))
		cur += 8
	}

	return &Immutable{
		id:            id,
		path:          path,
		table:         table,
		rowCount:      rowCount,
		keyCount:      keyCount,
		data:          data,
		file:          f,
		keysOffset:    keysOffset,
		keysLen:       keysLen,
		columnOffsets: columnOffsets,
		columnLens:    columnLens,
	}, nil
}

// Close unmaps and closes the backing file.
func (im *Immutable) Close() error {
	if im.data != nil {
		if err := unix.Munmap(im.data); err != nil {
			return err
		}
		im.data = nil
	}
	return im.file.Close()
}

// ID returns the segment identifier (used for cache keys and ordering).
func (im *Immutable) ID() uint64 { return im.id }

// RowCount reports the number of rows stored in this segment.
func (im *Immutable) RowCount() uint64 { return im.rowCount }

// Path returns the backing file path.
func (im *Immutable) Path() string { return im.path }

// Lookup performs a binary search over the fixed-width key column and,
// on a match, decodes the row from the column chunks at that slot.
func (im *Immutable) Lookup(key int64) (row.Row, bool) {
	slot, ok := im.findSlot(key)
	if !ok {
		return row.Row{}, false
	}
	return im.decodeRow(slot)
}

func (im *Immutable) findSlot(key int64) (int, bool) {
	lo, hi := 0, int(im.keyCount)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		k := im.keyAt(mid)
		switch {
		case k == key:
			return mid, true
		case k < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return 0, false
}

// RangeKeys walks the sorted key column from the first key >= lo,
// decoding and yielding each row until a key >= hi or fn returns false.
func (im *Immutable) RangeKeys(lo, hi int64, fn func(key int64, r row.Row) bool) {
	start := im.lowerBound(lo)
	for slot := start; slot < int(im.keyCount); slot++ {
		key := im.keyAt(slot)
		if key >= hi {
			return
		}
		r, ok := im.decodeRow(slot)
		if !ok {
			continue
		}
		if !fn(key, r) {
			return
		}
	}
}

// lowerBound returns the first slot whose key is >= target.
func (im *Immutable) lowerBound(target int64) int {
	lo, hi := 0, int(im.keyCount)
	for lo < hi {
		mid := (lo + hi) / 2
		if im.keyAt(mid) < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (im *Immutable) keyAt(slot int) int64 {
	off := im.keysOffset + slot*8
	return int64(binary.BigEndian.Uint64(im.data[off : off+8]))
}

func (im *Immutable) decodeRow(slot int) (row.Row, bool) {
	buf := make([]byte, 0, 32)
	tmp := make([]byte, 9)
	for ci, col := range im.table.Columns {
		off := im.columnScanOffset(ci, slot)
		if off < 0 {
			return row.Row{}, false
		}
		v, _, err := decodeColumnValue(im.data, off, col.Type)
		if err != nil {
			return row.Row{}, false
		}
		buf = append(buf, byte(col.Type))
		buf = appendColumnValue(buf, v, tmp)
	}
	return row.FromRaw(buf), true
}

// columnScanOffset walks a column's chunk from its start, decoding
// values sequentially until it reaches `slot` — columns are variable
// width (varint ints, length-prefixed text), so direct indexing
// requires either a slot offset index or a linear scan; this
// implementation takes the latter, trading lookup speed for a simpler
// column-chunk format, acceptable since row width is typically small.
func (im *Immutable) columnScanOffset(column, slot int) int {
	off := im.columnOffsets[column]
	end := off + im.columnLens[column]
	colType := im.table.Columns[column].Type
	for i := 0; i < slot; i++ {
		_, n, err := decodeColumnValue(im.data, off, colType)
		if err != nil {
			return -1
		}
		off += n
		if off > end {
			return -1
		}
	}
	return off
}

func decodeColumnValue(data []byte, off int, typ schema.ColumnType) (row.Value, int, error) {
	switch typ {
	case schema.Int:
		v, n := varint.GetVarint(data[off:])
		return row.NewInt(int64(v)), n, nil
	case schema.Float:
		bits := binary.BigEndian.Uint64(data[off : off+8])
		return row.NewFloat(math.Float64frombits(bits)), 8, nil
	case schema.Bool:
		return row.NewBool(data[off] != 0), 1, nil
	case schema.Text:
		ln, n := varint.GetVarint(data[off:])
		start := off + n
		return row.NewText(string(data[start : start+int(ln)])), n + int(ln), nil
	case schema.Timestamp:
		nsec := binary.BigEndian.Uint64(data[off : off+8])
		return row.NewTimestamp(time.Unix(0, int64(nsec)).UTC()), 8, nil
	}
	return row.Value{}, 0, fmt.Errorf("segment: unknown column type %d", typ)
}
