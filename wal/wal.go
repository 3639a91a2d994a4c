// Package wal implements the write-ahead log of spec §4.5/§6: an
// append-only sequence of length-prefixed, CRC-protected records
// carrying a monotonically increasing LSN, split into size-bounded
// files. It keeps the teacher's pkg/wal/wal.go mechanism — a
// sync.Mutex-guarded file handle, a running checksum validated on
// read, fsync on commit — but replaces the SQLite page-frame record
// shape with spec §6's record shape exactly:
//
//	u32 length | u64 lsn | u32 crc32c | u8 op | u64 txn_id | payload
//
// INSERT payload: u8 table_id | u64 key_bits | u32 row_len | row_bytes.
// crc32c covers lsn..end_of_payload. Concurrently outstanding COMMITs
// coalesce into one fsync via groupCommitter, within
// wal.group_commit_window_ms (spec §4.5).
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"lisc/internal/crc32c"

	"go.uber.org/zap"
)

// Op identifies a WAL record's kind, per spec §3.
type Op uint8

const (
	OpInsert Op = iota
	OpCommit
	OpCheckpointBegin
	OpCheckpointEnd
)

const (
	lengthFieldSize = 4
	lsnFieldSize    = 8
	crcFieldSize    = 4
	opFieldSize     = 1
	txnFieldSize    = 8
	recordHeaderLen = lsnFieldSize + crcFieldSize + opFieldSize + txnFieldSize
)

var (
	ErrChecksumFailed = errors.New("wal: checksum verification failed")
	ErrTruncated      = errors.New("wal: truncated record")
	ErrClosed         = errors.New("wal: closed")
)

// Record is one decoded WAL record.
type Record struct {
	LSN     uint64
	Op      Op
	TxnID   uint64
	Payload []byte
}

// Options configures a WAL instance.
type Options struct {
	SegmentBytes        int64
	GroupCommitWindowMs int
	Logger              *zap.Logger
}

// WAL is the append-only log for one LISC data directory.
type WAL struct {
	mu  sync.Mutex
	dir string

	file     *os.File
	writer   *bufio.Writer
	fileSize int64
	fileSeq  int

	segmentBytes int64
	nextLSN      atomic.Uint64

	groupCommit *groupCommitter

	log *zap.SugaredLogger
}

// groupCommitter batches the fsync of concurrently outstanding COMMIT
// records into one syscall, per spec.md §4.5's "multiple outstanding
// COMMITs may share one fsync as long as no COMMIT returns success
// before its own record is durable." It is a direct generalization of
// the teacher's shared-mutex-guarded file handle: committers already
// block on WAL.mu, so group commit is "hold the lock slightly longer
// and fsync once" rather than a new concurrency primitive. cond shares
// its Locker with WAL.mu so a waiting commit releases that mutex (and
// lets the timer goroutine acquire it to flush) while parked.
type groupCommitter struct {
	window time.Duration
	cond   *sync.Cond
	epoch  uint64
	err    error
	timer  *time.Timer
}

func newGroupCommitter(mu *sync.Mutex, window time.Duration) *groupCommitter {
	return &groupCommitter{window: window, cond: sync.NewCond(mu)}
}

// await schedules (or joins an already-scheduled) flush+fsync of w
// within the coalescing window and blocks until it completes, returning
// its error. Caller must hold w.mu; it is released while waiting.
func (gc *groupCommitter) await(w *WAL) error {
	if gc.window <= 0 {
		return w.flushAndSyncLocked()
	}
	myEpoch := gc.epoch
	if gc.timer == nil {
		gc.timer = time.AfterFunc(gc.window, func() {
			gc.cond.L.Lock()
			defer gc.cond.L.Unlock()
			gc.err = w.flushAndSyncLocked()
			gc.epoch++
			gc.timer = nil
			gc.cond.Broadcast()
		})
	}
	for gc.epoch == myEpoch {
		gc.cond.Wait()
	}
	return gc.err
}

// stop cancels any pending flush timer; used on Close so no stray
// goroutine outlives the WAL.
func (gc *groupCommitter) stop() {
	if gc.timer != nil {
		gc.timer.Stop()
		gc.timer = nil
	}
}

func walFileName(seq int) string {
	return "wal-" + itoa(seq) + ".log"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Open creates or reopens the WAL directory, positioned to append
// after the highest-numbered existing WAL file (or starting fresh).
func Open(dir string, opts Options) (*WAL, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = 64 * 1024 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{dir: dir, segmentBytes: opts.SegmentBytes, log: logger.Sugar()}
	w.groupCommit = newGroupCommitter(&w.mu, time.Duration(opts.GroupCommitWindowMs)*time.Millisecond)
	if err := w.openLatestOrNew(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openLatestOrNew() error {
	seq := 0
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var n int
		if _, err := parseWalName(e.Name(), &n); err == nil && n >= seq {
			seq = n
		}
	}

	return w.openFile(seq)
}

func parseWalName(name string, out *int) (int, error) {
	var n int
	_, err := scanWalSeq(name, &n)
	*out = n
	return n, err
}

// scanWalSeq parses "wal-<seq>.log"; returns an error if name doesn't match.
func scanWalSeq(name string, out *int) (int, error) {
	const prefix, suffix = "wal-", ".log"
	if len(name) <= len(prefix)+len(suffix) || name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return 0, errors.New("not a wal file")
	}
	numStr := name[len(prefix) : len(name)-len(suffix)]
	n := 0
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return 0, errors.New("not a wal file")
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return n, nil
}

func (w *WAL) openFile(seq int) error {
	path := filepath.Join(w.dir, walFileName(seq))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	size := info.Size()
	if size > 0 {
		// A prior crash may have left a torn record at the tail of this
		// file. Appending past it without truncating would bury it in
		// the middle of the file, where a future Recover would stop at
		// the first unparseable byte and never see anything written
		// after this reopen.
		validLen, err := validPrefixLength(path)
		if err != nil {
			f.Close()
			return err
		}
		if validLen < size {
			if err := f.Truncate(validLen); err != nil {
				f.Close()
				return err
			}
			size = validLen
		}
	}

	w.file = f
	w.writer = bufio.NewWriter(f)
	w.fileSize = size
	w.fileSeq = seq
	return nil
}

// Path returns the directory backing this WAL.
func (w *WAL) Path() string { return w.dir }

func encodeRecord(lsn uint64, op Op, txnID uint64, payload []byte) []byte {
	total := recordHeaderLen + len(payload)
	buf := make([]byte, lengthFieldSize+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint64(buf[4:12], lsn)
	// crc32c placeholder at [12:16], filled below
	buf[16] = byte(op)
	binary.BigEndian.PutUint64(buf[17:25], txnID)
	copy(buf[25:], payload)

	// crc32c covers lsn..end_of_payload: everything except the length
	// prefix and the crc field itself.
	crcData := make([]byte, 0, total-crcFieldSize)
	crcData = append(crcData, buf[4:12]...) // lsn
	crcData = append(crcData, buf[16:]...)  // op, txn_id, payload
	crc := crc32c.Checksum(crcData)
	binary.BigEndian.PutUint32(buf[12:16], crc)
	return buf
}

// append appends one record to the current WAL file, rolling to a new
// file if the segment byte budget is exceeded. Caller holds w.mu.
func (w *WAL) append(op Op, txnID uint64, payload []byte) (uint64, error) {
	lsn := w.nextLSN.Add(1) - 1
	rec := encodeRecord(lsn, op, txnID, payload)

	if w.fileSize+int64(len(rec)) > w.segmentBytes && w.fileSize > 0 {
		if err := w.rollLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.writer.Write(rec)
	w.fileSize += int64(n)
	if err != nil {
		return 0, err
	}
	return lsn, nil
}

func (w *WAL) rollLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openFile(w.fileSeq + 1)
}

// AppendInsert appends an uncommitted INSERT record and returns its LSN.
func (w *WAL) AppendInsert(txnID uint64, tableID uint8, key int64, rowBytes []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := make([]byte, 1+8+4+len(rowBytes))
	payload[0] = tableID
	binary.BigEndian.PutUint64(payload[1:9], uint64(key))
	binary.BigEndian.PutUint32(payload[9:13], uint32(len(rowBytes)))
	copy(payload[13:], rowBytes)

	return w.append(OpInsert, txnID, payload)
}

// Commit appends a COMMIT record and joins (or starts) the group-commit
// window's fsync. Once this returns successfully the transaction is
// durable; per spec §5, cancellation after this call must be ignored by
// the caller. Concurrently outstanding commits share one fsync, per
// spec.md §4.5, but each still blocks until its own record is covered
// by that fsync.
func (w *WAL) Commit(txnID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn, err := w.append(OpCommit, txnID, nil)
	if err != nil {
		return 0, err
	}
	if err := w.groupCommit.await(w); err != nil {
		return 0, err
	}
	return lsn, nil
}

// CheckpointBegin records the low-water LSN a checkpoint is freezing.
func (w *WAL) CheckpointBegin(lsnLow uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, lsnLow)
	lsn, err := w.append(OpCheckpointBegin, 0, payload)
	if err != nil {
		return 0, err
	}
	return lsn, w.flushAndSyncLocked()
}

// CheckpointEnd records a completed checkpoint: the new segment id and
// the high-water LSN it covers. Until this record is durable, recovery
// treats the checkpoint as incomplete, per spec §4.4.
func (w *WAL) CheckpointEnd(segID uint64, lsnHigh uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload[0:8], segID)
	binary.BigEndian.PutUint64(payload[8:16], lsnHigh)
	lsn, err := w.append(OpCheckpointEnd, 0, payload)
	if err != nil {
		return 0, err
	}
	if err := w.flushAndSyncLocked(); err != nil {
		return 0, err
	}
	w.log.Infow("checkpoint end durable", "segmentId", segID, "lsnHigh", lsnHigh)
	return lsn, nil
}

func (w *WAL) flushAndSyncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// TruncatePrefix deletes WAL files whose entire content is older than
// lsnLow, i.e. files superseded by a durable checkpoint.
func (w *WAL) TruncatePrefix(lsnLow uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var seq int
		if _, err := scanWalSeq(e.Name(), &seq); err != nil {
			continue
		}
		if seq == w.fileSeq {
			continue // never delete the active file
		}
		path := filepath.Join(w.dir, e.Name())
		maxLSN, ok, err := maxLSNInFile(path)
		if err != nil || !ok {
			continue
		}
		if maxLSN < lsnLow {
			os.Remove(path)
		}
	}
	return nil
}

// Close flushes and closes the active WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groupCommit.stop()
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// NextLSN reports the LSN that will be assigned to the next appended record.
func (w *WAL) NextLSN() uint64 { return w.nextLSN.Load() }

// SetNextLSN is used by recovery to resume LSN assignment after replay.
func (w *WAL) SetNextLSN(n uint64) { w.nextLSN.Store(n) }
