// Package leaf implements the gapped-array leaf node of the learned
// index (spec §4.2). It is grounded on the teacher's pkg/btree/node.go
// (fixed-capacity slotted storage, binary search over a sorted region)
// and pkg/btree/cursor.go (bounded scan, shift-on-insert), generalized
// from a page-backed B-tree node to an in-memory gapped array whose
// insertion position comes from a trained model rather than a
// comparison-only search.
package leaf

import (
	"errors"
	"sort"

	"lisc/model"
)

var (
	// ErrKeyConflict is returned by Insert when the key already occupies a slot.
	ErrKeyConflict = errors.New("leaf: duplicate key")
	// ErrOverflow is returned by Insert when no gap exists within the shift window.
	ErrOverflow = errors.New("leaf: insert overflow, caller must split or expand")
)

// RowRef is a stable (segment, slot) reference to a row's physical
// location, per spec §3. It is invalidated only when its owning
// segment is merged away.
type RowRef struct {
	SegmentID uint64
	Slot      uint32
	Tombstone bool // set when this ref has been logically deleted (§11 supplement)
}

// Slot is one gapped-array cell: either empty or occupied by (key, ref).
type Slot struct {
	Key      int64
	Ref      RowRef
	Occupied bool
}

// Entry is an occupied (key, ref) pair, used for bulk build and range results.
type Entry struct {
	Key int64
	Ref RowRef
}

// Options configures a Leaf's structural policy. All fields are
// required; callers get these from liscconfig via the index package.
type Options struct {
	DensityMin      float64
	DensityMax      float64
	DensityInit     float64
	ShiftWindow     int
	EpsilonMax      float64
	// DensityTargetExpand controls the insert-overflow policy of §4.2:
	// below this density, expand; at or above it, split.
	DensityTargetExpand float64
}

// InsertOutcome reports what Insert did.
type InsertOutcome int

const (
	OutcomeOK InsertOutcome = iota
	OutcomeOverflow
)

// Leaf is a sorted, gapped array of fixed capacity.
type Leaf struct {
	slots    []Slot
	occupied int
	model    model.Model
	opts     Options

	// degraded is set when a lookup discovers the model's epsilon no
	// longer honestly bounds the search window (L3 violated mid-flight,
	// per §4.2's "on lookup with |key-model(slot)|>eps unexpectedly").
	// It falls back to full binary search and flags a pending retrain.
	degraded       bool
	retrainPending bool
}

// New creates an empty leaf of the given capacity.
func New(capacity int, opts Options) *Leaf {
	if opts.DensityTargetExpand == 0 {
		opts.DensityTargetExpand = 0.75
	}
	return &Leaf{
		slots: make([]Slot, capacity),
		opts:  opts,
	}
}

// FromSorted builds a leaf from a pre-sorted, deduplicated slice of
// entries packed to opts.DensityInit, per the bulk-load path of §4.3.
// capacity is chosen so that len(entries)/capacity ~= DensityInit.
func FromSorted(entries []Entry, opts Options) *Leaf {
	if opts.DensityTargetExpand == 0 {
		opts.DensityTargetExpand = 0.75
	}
	density := opts.DensityInit
	if density <= 0 {
		density = 0.5
	}
	capacity := len(entries)
	if density > 0 {
		capacity = int(float64(len(entries)) / density)
	}
	if capacity < len(entries) {
		capacity = len(entries)
	}
	if capacity < 1 {
		capacity = 1
	}

	l := &Leaf{slots: make([]Slot, capacity), opts: opts}
	if len(entries) == 0 {
		return l
	}

	// Equi-spaced placement across the capacity, preserving sort order,
	// mirrors expand()'s repositioning strategy (§4.2).
	step := float64(capacity) / float64(len(entries))
	placed := make(map[int]bool, len(entries))
	pos := 0.0
	for i, e := range entries {
		p := int(pos)
		if p >= capacity {
			p = capacity - 1
		}
		for placed[p] && p < capacity-1 {
			p++
		}
		l.slots[p] = Slot{Key: e.Key, Ref: e.Ref, Occupied: true}
		placed[p] = true
		l.occupied++
		pos += step
		_ = i
	}
	l.retrain()
	return l
}

// Density returns occupied/capacity.
func (l *Leaf) Density() float64 {
	if len(l.slots) == 0 {
		return 0
	}
	return float64(l.occupied) / float64(len(l.slots))
}

// Capacity returns the number of slots.
func (l *Leaf) Capacity() int { return len(l.slots) }

// Occupied returns the number of occupied slots.
func (l *Leaf) Occupied() int { return l.occupied }

// MinKey/MaxKey return the first/last occupied key; ok is false if empty.
func (l *Leaf) MinKey() (int64, bool) {
	for _, s := range l.slots {
		if s.Occupied {
			return s.Key, true
		}
	}
	return 0, false
}

func (l *Leaf) MaxKey() (int64, bool) {
	for i := len(l.slots) - 1; i >= 0; i-- {
		if l.slots[i].Occupied {
			return l.slots[i].Key, true
		}
	}
	return 0, false
}

// window returns the clamped [lo, hi] search bounds around a predicted slot.
func (l *Leaf) window(predicted int) (int, int) {
	eps := l.model.Epsilon
	lo := predicted - int(eps)
	hi := predicted + int(eps)
	if lo < 0 {
		lo = 0
	}
	if hi >= len(l.slots) {
		hi = len(l.slots) - 1
	}
	return lo, hi
}

// findSlot returns the index of key if present, or the index of the
// first occupied slot with Key >= key (an insertion point), and
// whether key was found exactly.
func (l *Leaf) findSlot(key int64) (idx int, found bool) {
	if l.degraded || len(l.slots) == 0 {
		return l.fullSearch(key)
	}
	predicted := l.model.Predict(model.KeyToF64(key), len(l.slots))
	lo, hi := l.window(predicted)

	// Binary search the occupied keys within [lo,hi]; the window may
	// contain gaps, so we binary search over the slot index directly
	// using occupied-or-greater comparisons.
	i := sort.Search(hi-lo+1, func(i int) bool {
		s := l.slots[lo+i]
		if !s.Occupied {
			// A gap compares as the next occupied key after it, but a gap
			// directly before key's own slot must not stop the search, so
			// it only counts as ">=" when that next key is greater.
			return l.firstOccupiedKeyAtOrAfter(lo+i) > key
		}
		return s.Key >= key
	})
	pos := lo + i
	if pos <= hi && pos < len(l.slots) && l.slots[pos].Occupied && l.slots[pos].Key == key {
		return pos, true
	}
	if pos >= lo && pos <= hi {
		// Candidate within the predicted window; verify the model's
		// epsilon was honest (L3). If the true position of key (were it
		// present) lies outside [lo,hi], the invariant is violated and we
		// must degrade rather than silently miss a key.
		honest := true
		if pos == lo {
			for j := lo - 1; j >= 0; j-- {
				if l.slots[j].Occupied {
					honest = l.slots[j].Key < key
					break
				}
			}
		}
		if honest {
			return pos, false
		}
	}
	// Window search didn't resolve inside bounds: epsilon was not
	// honest for this key. Degrade and fall back, per §4.2.
	l.degraded = true
	l.retrainPending = true
	return l.fullSearch(key)
}

// firstOccupiedKeyAtOrAfter returns the key of the first occupied slot
// at or after idx, or +inf-ish (max int64) if none.
func (l *Leaf) firstOccupiedKeyAtOrAfter(idx int) int64 {
	for i := idx; i < len(l.slots); i++ {
		if l.slots[i].Occupied {
			return l.slots[i].Key
		}
	}
	return int64(1)<<62 - 1
}

func (l *Leaf) fullSearch(key int64) (idx int, found bool) {
	lo, hi := 0, len(l.slots)
	i := sort.Search(hi-lo, func(i int) bool {
		k := l.firstOccupiedKeyAtOrAfter(lo + i)
		return k > key || (k == key && l.slots[lo+i].Occupied)
	})
	pos := lo + i
	if pos < len(l.slots) && l.slots[pos].Occupied && l.slots[pos].Key == key {
		return pos, true
	}
	return pos, false
}

// Lookup returns the RowRef for key, if present.
func (l *Leaf) Lookup(key int64) (RowRef, bool) {
	idx, found := l.findSlot(key)
	if !found {
		return RowRef{}, false
	}
	return l.slots[idx].Ref, true
}

// Insert places (key, ref) into the leaf. See spec §4.2 for the full
// shift-then-split-or-expand policy; this method implements only the
// direct-write / shift-within-window step and reports Overflow when
// neither succeeds, leaving the split/expand decision to the caller
// (the index package), which has visibility into sibling leaves.
func (l *Leaf) Insert(key int64, ref RowRef) (InsertOutcome, error) {
	idx, found := l.findSlot(key)
	if found {
		return OutcomeOK, ErrKeyConflict
	}

	if idx >= len(l.slots) {
		return OutcomeOverflow, ErrOverflow
	}

	if !l.slots[idx].Occupied {
		l.place(idx, key, ref)
		return OutcomeOK, nil
	}

	// idx is occupied; find the nearest gap within the shift window and
	// shift intervening occupied slots toward it.
	window := l.opts.ShiftWindow
	if window <= 0 {
		window = 8
	}

	// Search right first (keeps amortized cost low for ascending inserts,
	// matching the teacher's right-biased cell-shift in InsertCell).
	for d := 0; d <= window; d++ {
		if r := idx + d; r < len(l.slots) && !l.slots[r].Occupied {
			for j := r; j > idx; j-- {
				l.slots[j] = l.slots[j-1]
			}
			l.place(idx, key, ref)
			return OutcomeOK, nil
		}
		if d == 0 {
			continue
		}
		if lft := idx - d; lft >= 0 && !l.slots[lft].Occupied {
			for j := lft; j < idx-1; j++ {
				l.slots[j] = l.slots[j+1]
			}
			l.place(idx-1, key, ref)
			return OutcomeOK, nil
		}
	}

	return OutcomeOverflow, ErrOverflow
}

func (l *Leaf) place(idx int, key int64, ref RowRef) {
	l.slots[idx] = Slot{Key: key, Ref: ref, Occupied: true}
	l.occupied++
	l.model.IncrementalUpdate(model.Point{X: model.KeyToF64(key), Y: float64(idx)})
	if l.model.Epsilon > l.opts.EpsilonMax {
		l.retrainPending = true
	}
}

// Iterator yields occupied (key, ref) pairs in ascending key order.
type Iterator struct {
	slots []Slot
	pos   int
	hi    int64
}

// Next advances the iterator; returns false when exhausted.
func (it *Iterator) Next() (Entry, bool) {
	for it.pos < len(it.slots) {
		s := it.slots[it.pos]
		it.pos++
		if !s.Occupied {
			continue
		}
		if s.Key >= it.hi {
			it.pos = len(it.slots)
			return Entry{}, false
		}
		return Entry{Key: s.Key, Ref: s.Ref}, true
	}
	return Entry{}, false
}

// Range returns occupied entries with lo <= key < hi in ascending order.
func (l *Leaf) Range(lo, hi int64) *Iterator {
	start, _ := l.findSlot(lo)
	if start < 0 {
		start = 0
	}
	return &Iterator{slots: l.slots, pos: start, hi: hi}
}

// retrain recomputes the model over current occupied (key, slot) pairs.
// Returns true if the new epsilon still exceeds EpsilonMax, signalling
// the caller (Retrain) to split instead of keeping this leaf.
func (l *Leaf) retrain() bool {
	pts := make([]model.Point, 0, l.occupied)
	for i, s := range l.slots {
		if s.Occupied {
			pts = append(pts, model.Point{X: model.KeyToF64(s.Key), Y: float64(i)})
		}
	}
	l.model = model.Train(pts)
	l.degraded = false
	l.retrainPending = false
	return l.model.Epsilon > l.opts.EpsilonMax
}

// Retrain recomputes the leaf's model; if the resulting epsilon still
// exceeds EpsilonMax the leaf should be split by the caller.
func (l *Leaf) Retrain() (needsSplit bool) {
	return l.retrain()
}

// NeedsRetrain reports whether a structural change flagged this leaf
// for a background/piggy-backed retrain.
func (l *Leaf) NeedsRetrain() bool { return l.retrainPending || l.degraded }

// Expand doubles capacity, re-spaces occupied entries, and retrains.
func (l *Leaf) Expand() {
	entries := l.entries()
	newCap := len(l.slots) * 2
	if newCap < 1 {
		newCap = 1
	}
	l.slots = make([]Slot, newCap)
	l.occupied = 0
	if len(entries) == 0 {
		l.retrain()
		return
	}
	step := float64(newCap) / float64(len(entries))
	pos := 0.0
	placed := make(map[int]bool, len(entries))
	for _, e := range entries {
		p := int(pos)
		if p >= newCap {
			p = newCap - 1
		}
		for placed[p] && p < newCap-1 {
			p++
		}
		l.slots[p] = Slot{Key: e.Key, Ref: e.Ref, Occupied: true}
		placed[p] = true
		l.occupied++
		pos += step
	}
	l.retrain()
}

func (l *Leaf) entries() []Entry {
	out := make([]Entry, 0, l.occupied)
	for _, s := range l.slots {
		if s.Occupied {
			out = append(out, Entry{Key: s.Key, Ref: s.Ref})
		}
	}
	return out
}

// Split partitions the leaf at its median occupied key into two leaves,
// each retrained with their own model, each near 50% density.
func (l *Leaf) Split() (left, right *Leaf, medianKey int64) {
	entries := l.entries()
	mid := len(entries) / 2
	leftEntries := entries[:mid]
	rightEntries := entries[mid:]

	left = FromSorted(leftEntries, l.opts)
	right = FromSorted(rightEntries, l.opts)
	if len(rightEntries) > 0 {
		medianKey = rightEntries[0].Key
	}
	return left, right, medianKey
}
