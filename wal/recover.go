package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"lisc/internal/crc32c"

	"go.uber.org/zap"
)

// PendingInsert is one replayed, not-yet-committed-or-discarded INSERT.
type PendingInsert struct {
	LSN      uint64
	TxnID    uint64
	TableID  uint8
	Key      int64
	RowBytes []byte
}

// RecoveryResult is the outcome of replaying the WAL directory on open,
// per spec §4.5: committed inserts ready to replay into the mutable
// segment, the checkpoint low/high watermarks if a checkpoint was found
// durable, and the LSN to resume issuing from.
type RecoveryResult struct {
	CommittedInserts []PendingInsert
	CheckpointLow    uint64
	CheckpointHigh   uint64
	// CheckpointSegmentID is the highest segment id confirmed durable by
	// the last CHECKPOINT_END record. Segment files on disk with a
	// higher id were written by a Checkpoint/Compact that never reached
	// CHECKPOINT_END and must be discarded on reopen (spec §8 scenario
	// "crash mid-checkpoint") — their data is still recovered from the
	// WAL instead, since an incomplete checkpoint never truncates it.
	CheckpointSegmentID uint64
	HasCheckpoint       bool
	NextLSN             uint64
	TornTailBytes       int64 // bytes discarded from the last file due to a short/corrupt tail record
}

// Recover scans every WAL file in dir in LSN order and replays it
// according to spec §4.5's rule: INSERT records are buffered per
// txn_id until either a matching COMMIT is seen (promote to
// CommittedInserts) or the log ends without one (discard — the
// effects never became durable). A CRC failure or a truncated record
// ends replay of that file; the rest of that file is treated as torn
// tail and ignored, matching an interrupted append, and replay goes on
// with the next file.
func Recover(dir string, logger *zap.Logger) (*RecoveryResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()

	files, err := walFilesSorted(dir)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{}
	pending := map[uint64][]PendingInsert{}
	var maxLSN uint64
	var sawAnyLSN bool

	var openCheckpointLow uint64
	var haveOpenCheckpoint bool

	for _, path := range files {
		tornBytes, err := recoverFile(path, func(rec Record) {
			if !sawAnyLSN || rec.LSN > maxLSN {
				maxLSN = rec.LSN
			}
			sawAnyLSN = true
			switch rec.Op {
			case OpInsert:
				ins := decodeInsertPayload(rec.LSN, rec.TxnID, rec.Payload)
				pending[rec.TxnID] = append(pending[rec.TxnID], ins)
			case OpCommit:
				result.CommittedInserts = append(result.CommittedInserts, pending[rec.TxnID]...)
				delete(pending, rec.TxnID)
			case OpCheckpointBegin:
				openCheckpointLow = binary.BigEndian.Uint64(rec.Payload)
				haveOpenCheckpoint = true
			case OpCheckpointEnd:
				segID := binary.BigEndian.Uint64(rec.Payload[0:8])
				lsnHigh := binary.BigEndian.Uint64(rec.Payload[8:16])
				result.CheckpointLow = openCheckpointLow
				result.CheckpointHigh = lsnHigh
				result.CheckpointSegmentID = segID
				result.HasCheckpoint = true
				haveOpenCheckpoint = false
				log.Infow("recovered durable checkpoint", "segmentId", segID, "lsnHigh", lsnHigh)
			}
		})
		if err != nil {
			return nil, err
		}
		result.TornTailBytes += tornBytes
		if tornBytes > 0 {
			log.Warnw("discarded torn WAL tail", "file", path, "bytes", tornBytes)
		}
	}

	if haveOpenCheckpoint {
		log.Warnw("discarding orphaned checkpoint-begin with no matching checkpoint-end")
	}

	// Uncommitted inserts left in `pending` never got a COMMIT record
	// before the log ended; they are discarded per spec's atomic-commit
	// rule (§5's "all effects of a committed insert are durable" implies
	// the converse: an insert never committed leaves no trace).
	if sawAnyLSN {
		result.NextLSN = maxLSN + 1
	}
	return result, nil
}

func decodeInsertPayload(lsn, txnID uint64, payload []byte) PendingInsert {
	tableID := payload[0]
	key := int64(binary.BigEndian.Uint64(payload[1:9]))
	rowLen := binary.BigEndian.Uint32(payload[9:13])
	rowBytes := make([]byte, rowLen)
	copy(rowBytes, payload[13:13+int(rowLen)])
	return PendingInsert{LSN: lsn, TxnID: txnID, TableID: tableID, Key: key, RowBytes: rowBytes}
}

// recoverFile streams records from one WAL file, invoking onRecord for
// each valid one, and returns the number of trailing bytes discarded
// as an incomplete or corrupt tail record.
func recoverFile(path string, onRecord func(Record)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var consumed int64

	for {
		lenBuf := make([]byte, lengthFieldSize)
		n, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			break
		}
		if err != nil || n < lengthFieldSize {
			return fileSizeMinus(path, consumed), nil
		}
		total := binary.BigEndian.Uint32(lenBuf)

		body := make([]byte, total)
		n, err = io.ReadFull(r, body)
		if err != nil || uint32(n) < total {
			// Torn tail: length prefix present but body incomplete.
			return fileSizeMinus(path, consumed), nil
		}

		rec, ok := decodeRecord(body)
		if !ok {
			return fileSizeMinus(path, consumed), nil
		}

		consumed += int64(lengthFieldSize) + int64(total)
		onRecord(rec)
	}
	return 0, nil
}

func fileSizeMinus(path string, consumed int64) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size() - consumed
}

func decodeRecord(body []byte) (Record, bool) {
	if len(body) < recordHeaderLen {
		return Record{}, false
	}
	lsn := binary.BigEndian.Uint64(body[0:8])
	storedCRC := binary.BigEndian.Uint32(body[8:12])
	op := Op(body[12])
	txnID := binary.BigEndian.Uint64(body[13:21])
	payload := body[21:]

	crcData := make([]byte, 0, len(body)-crcFieldSize)
	crcData = append(crcData, body[0:8]...)
	crcData = append(crcData, body[12:]...)
	if crc32c.Checksum(crcData) != storedCRC {
		return Record{}, false
	}

	return Record{LSN: lsn, Op: op, TxnID: txnID, Payload: payload}, true
}

// validPrefixLength returns the number of leading bytes in path that
// form complete, checksum-valid records, used to truncate a torn tail
// before resuming appends to a reopened WAL file.
func validPrefixLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	tornBytes, err := recoverFile(path, func(Record) {})
	if err != nil {
		return 0, err
	}
	return info.Size() - tornBytes, nil
}

// maxLSNInFile scans one WAL file and returns the highest LSN it
// contains, used by TruncatePrefix to decide whether a superseded
// file is safe to delete.
func maxLSNInFile(path string) (uint64, bool, error) {
	var max uint64
	var found bool
	_, err := recoverFile(path, func(rec Record) {
		if !found || rec.LSN > max {
			max = rec.LSN
			found = true
		}
	})
	if err != nil {
		return 0, false, err
	}
	return max, found, nil
}

func walFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type numbered struct {
		seq  int
		path string
	}
	var found []numbered
	for _, e := range entries {
		var seq int
		if _, err := scanWalSeq(e.Name(), &seq); err != nil {
			continue
		}
		found = append(found, numbered{seq: seq, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]string, len(found))
	for i, nf := range found {
		out[i] = nf.path
	}
	return out, nil
}
