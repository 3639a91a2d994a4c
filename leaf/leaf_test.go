package leaf

import "testing"

func defaultOpts() Options {
	return Options{
		DensityMin:          0.25,
		DensityMax:          0.80,
		DensityInit:         0.50,
		ShiftWindow:         8,
		EpsilonMax:          64,
		DensityTargetExpand: 0.75,
	}
}

func TestLeafInsertAndLookup(t *testing.T) {
	l := New(64, defaultOpts())

	for i := int64(0); i < 20; i++ {
		outcome, err := l.Insert(i, RowRef{SegmentID: 1, Slot: uint32(i)})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if outcome != OutcomeOK {
			t.Fatalf("insert %d: unexpected outcome %v", i, outcome)
		}
	}

	for i := int64(0); i < 20; i++ {
		ref, ok := l.Lookup(i)
		if !ok {
			t.Fatalf("lookup %d: not found", i)
		}
		if ref.Slot != uint32(i) {
			t.Fatalf("lookup %d: got slot %d", i, ref.Slot)
		}
	}

	if _, ok := l.Lookup(999); ok {
		t.Fatalf("lookup of absent key unexpectedly found")
	}
}

func TestLeafDuplicateKeyConflict(t *testing.T) {
	l := New(16, defaultOpts())
	if _, err := l.Insert(7, RowRef{Slot: 1}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := l.Insert(7, RowRef{Slot: 2})
	if err != ErrKeyConflict {
		t.Fatalf("expected ErrKeyConflict, got %v", err)
	}
	ref, ok := l.Lookup(7)
	if !ok || ref.Slot != 1 {
		t.Fatalf("prior state was mutated by failed insert: ref=%v ok=%v", ref, ok)
	}
}

func TestLeafRangeAscending(t *testing.T) {
	l := New(64, defaultOpts())
	for i := int64(0); i < 30; i++ {
		if _, err := l.Insert(i*2, RowRef{Slot: uint32(i)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	it := l.Range(10, 20)
	var got []int64
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	want := []int64{10, 12, 14, 16, 18}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLeafOverflowTriggersSplit(t *testing.T) {
	l := New(8, defaultOpts())
	l.opts.ShiftWindow = 1
	inserted := 0
	for i := int64(0); i < 8; i++ {
		outcome, err := l.Insert(i, RowRef{Slot: uint32(i)})
		if err != nil && err != ErrOverflow {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome == OutcomeOverflow {
			break
		}
		inserted++
	}
	if inserted == 0 {
		t.Fatalf("expected at least one successful insert before overflow")
	}

	left, right, median := l.Split()
	if left.Occupied()+right.Occupied() != inserted {
		t.Fatalf("split lost entries: left=%d right=%d want=%d", left.Occupied(), right.Occupied(), inserted)
	}
	if minKey, _ := right.MinKey(); minKey != median {
		t.Fatalf("median key %d does not match right leaf's min key %d", median, minKey)
	}
}

// TestLeafSequentialFillReportsOverflow guards against a regression
// where contiguous ascending keys train a perfect slope=1 model, every
// insert lands directly with no shift, the leaf silently reaches 100%
// density with no OutcomeOverflow ever produced, and the next insert
// then indexes one past the end of slots.
func TestLeafSequentialFillReportsOverflow(t *testing.T) {
	const capacity = 64
	l := New(capacity, defaultOpts())

	overflowed := false
	for i := int64(0); i < capacity+1; i++ {
		outcome, err := l.Insert(i, RowRef{Slot: uint32(i)})
		if outcome == OutcomeOverflow {
			if err != ErrOverflow {
				t.Fatalf("overflow outcome without ErrOverflow: %v", err)
			}
			overflowed = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected error inserting %d: %v", i, err)
		}
	}
	if !overflowed {
		t.Fatalf("expected inserting past capacity %d to report OutcomeOverflow", capacity)
	}
}

func TestLeafDensityBounds(t *testing.T) {
	entries := make([]Entry, 0, 50)
	for i := int64(0); i < 50; i++ {
		entries = append(entries, Entry{Key: i, Ref: RowRef{Slot: uint32(i)}})
	}
	l := FromSorted(entries, defaultOpts())
	if d := l.Density(); d < 0.25 || d > 0.80 {
		t.Fatalf("density %v out of bounds after bulk build", d)
	}
}
