// Package reclaim provides epoch-based memory reclamation for the
// lock-free reads over the hierarchical index, per spec §5
// ("lock-free reads protected by epoch-based reclamation"). It is a
// direct generalization of the teacher's pkg/cowbtree/epoch.go
// EpochManager — same global-epoch/reader-entry/retire-list algorithm —
// retargeted from *CowNode to an arbitrary retired value so both the
// index tree and the segment list's versioned pointer can share one
// reclamation discipline.
package reclaim

import (
	"sync"
	"sync/atomic"
)

// Epochs tracks active readers and values retired while they may still
// have been visible to some reader.
type Epochs struct {
	global uint64 // advanced by the single writer after each publish

	readers      sync.Map // readerID -> *readerState
	nextReaderID uint64

	retiredMu sync.Mutex
	retired   map[uint64][]any
}

type readerState struct {
	epoch  uint64
	active int32
}

// New creates an Epochs tracker. Epoch 0 is reserved to mean "not entered".
func New() *Epochs {
	return &Epochs{global: 1, retired: make(map[uint64][]any)}
}

// Guard represents one active reader's membership in an epoch.
type Guard struct {
	e        *Epochs
	state    *readerState
	readerID uint64
}

// Enter records the current epoch and returns a Guard; the caller must
// call Leave when done reading. While held, the reader is guaranteed a
// consistent view of whatever was published as of Enter.
func (e *Epochs) Enter() *Guard {
	id := atomic.AddUint64(&e.nextReaderID, 1)
	st := &readerState{epoch: atomic.LoadUint64(&e.global), active: 1}
	e.readers.Store(id, st)
	return &Guard{e: e, state: st, readerID: id}
}

// Leave releases the reader's membership.
func (g *Guard) Leave() {
	if g == nil || g.state == nil {
		return
	}
	atomic.StoreInt32(&g.state.active, 0)
	g.e.readers.Delete(g.readerID)
}

// Advance increments the global epoch; call after publishing a new
// version so future Retire calls are attributed after this point.
func (e *Epochs) Advance() uint64 {
	return atomic.AddUint64(&e.global, 1)
}

// Retire marks a value as superseded; it becomes eligible for
// reclamation once no reader remains in an epoch where it was visible.
func (e *Epochs) Retire(v any) {
	if v == nil {
		return
	}
	epoch := atomic.LoadUint64(&e.global)
	e.retiredMu.Lock()
	e.retired[epoch] = append(e.retired[epoch], v)
	e.retiredMu.Unlock()
}

// Reclaim drops retired values from epochs strictly older than the
// oldest active reader's epoch, invoking free for each; with no active
// reader, every retired value is dropped. Returns the number reclaimed.
func (e *Epochs) Reclaim(free func(any)) int {
	min := e.minActiveEpoch()

	e.retiredMu.Lock()
	defer e.retiredMu.Unlock()

	n := 0
	for epoch, vals := range e.retired {
		if epoch < min {
			for _, v := range vals {
				if free != nil {
					free(v)
				}
			}
			n += len(vals)
			delete(e.retired, epoch)
		}
	}
	return n
}

func (e *Epochs) minActiveEpoch() uint64 {
	min := atomic.LoadUint64(&e.global) + 1
	e.readers.Range(func(_, val any) bool {
		st := val.(*readerState)
		if atomic.LoadInt32(&st.active) == 1 && st.epoch < min {
			min = st.epoch
		}
		return true
	})
	return min
}

// PendingCount reports how many retired values are still awaiting reclamation.
func (e *Epochs) PendingCount() int {
	e.retiredMu.Lock()
	defer e.retiredMu.Unlock()
	n := 0
	for _, vals := range e.retired {
		n += len(vals)
	}
	return n
}

// ActiveReaders reports the number of readers currently inside Enter/Leave.
func (e *Epochs) ActiveReaders() int {
	n := 0
	e.readers.Range(func(_, val any) bool {
		st := val.(*readerState)
		if atomic.LoadInt32(&st.active) == 1 {
			n++
		}
		return true
	})
	return n
}
