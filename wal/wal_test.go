package wal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendCommitAndRecover(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SegmentBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := w.AppendInsert(1, 0, 100, []byte("row-100")); err != nil {
		t.Fatalf("append insert: %v", err)
	}
	if _, err := w.AppendInsert(1, 0, 101, []byte("row-101")); err != nil {
		t.Fatalf("append insert: %v", err)
	}
	if _, err := w.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(res.CommittedInserts) != 2 {
		t.Fatalf("expected 2 committed inserts, got %d", len(res.CommittedInserts))
	}
	if res.CommittedInserts[0].Key != 100 || res.CommittedInserts[1].Key != 101 {
		t.Fatalf("unexpected keys: %+v", res.CommittedInserts)
	}
}

func TestUncommittedInsertsDiscarded(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.AppendInsert(1, 0, 1, []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// no commit
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(res.CommittedInserts) != 0 {
		t.Fatalf("expected no committed inserts, got %d", len(res.CommittedInserts))
	}
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.AppendInsert(1, 0, 1, []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := w.AppendInsert(2, 0, 2, []byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Truncate the file to simulate a torn write mid-record.
	path := filepath.Join(dir, walFileName(0))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	res, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(res.CommittedInserts) != 1 {
		t.Fatalf("expected 1 committed insert surviving torn tail, got %d", len(res.CommittedInserts))
	}
	if res.TornTailBytes == 0 {
		t.Fatalf("expected torn tail bytes recorded")
	}
}

// TestConcurrentCommitsShareGroupCommit exercises spec.md §4.5's "multiple
// outstanding COMMITs may share one fsync": several goroutines append and
// commit within the same coalescing window, and every one of them must
// still observe its own record as durable once Commit returns.
func TestConcurrentCommitsShareGroupCommit(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{GroupCommitWindowMs: 20})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txnID := uint64(i + 1)
			if _, err := w.AppendInsert(txnID, 0, int64(i), []byte("row")); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = w.Commit(txnID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(res.CommittedInserts) != n {
		t.Fatalf("expected %d committed inserts, got %d", n, len(res.CommittedInserts))
	}
}

// TestGroupCommitWindowZeroIsImmediate guards the GroupCommitWindowMs<=0
// fallback: no goroutine/timer is left pending, Commit returns only after
// its own fsync, matching the teacher's original per-call flush.
func TestGroupCommitWindowZeroIsImmediate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	start := time.Now()
	if _, err := w.AppendInsert(1, 0, 1, []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("commit took %v, expected immediate flush with no window", elapsed)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCheckpointRecovered(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.CheckpointBegin(0); err != nil {
		t.Fatalf("checkpoint begin: %v", err)
	}
	if _, err := w.CheckpointEnd(7, 42); err != nil {
		t.Fatalf("checkpoint end: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !res.HasCheckpoint || res.CheckpointHigh != 42 {
		t.Fatalf("expected recovered checkpoint high=42, got %+v", res)
	}
}
