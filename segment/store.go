package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"lisc/leaf"
	"lisc/liscconfig"
	"lisc/row"
	"lisc/schema"

	"go.uber.org/zap"
)

// state is the immutable snapshot a Store atomically swaps: the
// current mutable segment and the ordered list of on-disk immutable
// segments (newest first, so lookups short-circuit on the most
// recently checkpointed data). Grounded on
// pkg/cowbtree/versioned_store.go's pattern of publishing a new
// pointer for every state change rather than mutating shared state
// under a single lock — here simplified to a plain atomic swap instead
// of the teacher's snapshot-isolated version chains, since LISC has no
// multi-statement transactions to isolate.
type state struct {
	mutable    *Mutable
	immutables []*Immutable // newest first
	nextSegID  uint64
}

// Store is the durable column-chunk tier for one table: a mutable
// staging segment plus zero or more immutable on-disk segments,
// published via a single atomic pointer so readers never block behind
// a checkpoint or compaction.
type Store struct {
	dir    string
	table  *schema.Table
	cfg    liscconfig.Options
	cur    atomic.Pointer[state]
	cache  *ChunkCache
	budget *MemoryBudget
	log    *zap.SugaredLogger
}

// Open creates (or reopens) a Store rooted at dir for table, with an
// empty mutable segment and every immutable segment file already on
// disk from a prior *durable* checkpoint mapped back in (newest
// first). validSegmentID bounds which on-disk segment files are
// trusted: files with a higher id were written by a checkpoint or
// compaction that never reached CHECKPOINT_END and are deleted instead
// of loaded, per spec §8's "crash mid-checkpoint" scenario — pass
// hasCheckpoint=false if no checkpoint has ever completed, which
// discards every segment file on disk (their data still lives in the
// WAL, which a checkpoint that never completed never truncated). The
// caller replays any WAL-recovered committed inserts into the mutable
// segment afterward via Insert.
func Open(dir string, table *schema.Table, cfg liscconfig.Options, hasCheckpoint bool, validSegmentID uint64) (*Store, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	budget := NewMemoryBudget(cfg.MemoryBudgetBytes)
	s := &Store{
		dir:    dir,
		table:  table,
		cfg:    cfg,
		cache:  NewChunkCache(0, budget),
		budget: budget,
		log:    cfg.Logger.Sugar(),
	}

	immutables, nextSegID, err := loadExistingSegments(dir, table, hasCheckpoint, validSegmentID, s.log)
	if err != nil {
		return nil, err
	}
	s.cur.Store(&state{mutable: NewMutable(cfg), immutables: immutables, nextSegID: nextSegID})
	return s, nil
}

// loadExistingSegments scans dir for previously-written segment files,
// opens the ones confirmed durable by the last CHECKPOINT_END
// (newest/highest id first, so Lookup/Range see the most recently
// checkpointed data before older data), and deletes any that are not.
func loadExistingSegments(dir string, table *schema.Table, hasCheckpoint bool, validSegmentID uint64, log *zap.SugaredLogger) ([]*Immutable, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 1, nil
		}
		return nil, 0, err
	}

	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "segment-%08d.lisc", &id); err == nil {
			if !hasCheckpoint || id > validSegmentID {
				path := filepath.Join(dir, e.Name())
				os.Remove(path)
				log.Warnw("discarding segment file from an incomplete checkpoint", "path", path)
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	immutables := make([]*Immutable, 0, len(ids))
	var maxID uint64
	for _, id := range ids {
		path := filepath.Join(dir, fmt.Sprintf("segment-%08d.lisc", id))
		im, err := OpenImmutable(path, id, table)
		if err != nil {
			return nil, 0, fmt.Errorf("segment: reopen %s: %w", path, err)
		}
		immutables = append(immutables, im)
		if id > maxID {
			maxID = id
		}
	}
	return immutables, maxID + 1, nil
}

// CurrentSegmentID reports the highest immutable segment id currently
// published by this store (0 if none), used by the caller to record
// the true post-compaction segment id in CHECKPOINT_END.
func (s *Store) CurrentSegmentID() uint64 {
	st := s.cur.Load()
	if st.nextSegID == 0 {
		return 0
	}
	return st.nextSegID - 1
}

// Insert stages a new row in the mutable segment. Callers are
// expected to have already made the insert durable via the WAL before
// calling this (or to be replaying an already-durable WAL record).
func (s *Store) Insert(key int64, r row.Row) error {
	st := s.cur.Load()
	return st.mutable.Insert(key, leaf.RowRef{}, r)
}

// Lookup checks the mutable segment first (most recent data), then
// each immutable segment newest-to-oldest.
func (s *Store) Lookup(key int64) (row.Row, bool) {
	st := s.cur.Load()
	if r, ok := st.mutable.Lookup(key); ok {
		return r, true
	}
	for _, im := range st.immutables {
		if r, ok := im.Lookup(key); ok {
			return r, true
		}
	}
	return row.Row{}, false
}

// Range merges the mutable segment's range with every immutable
// segment's matching rows in ascending key order, deduplicating in
// favor of the mutable/newest source (keys are globally unique, so in
// practice at most one source ever holds a given key).
func (s *Store) Range(lo, hi int64, fn func(key int64, r row.Row) bool) {
	st := s.cur.Load()

	seen := make(map[int64]bool)
	var keys []int64
	rows := make(map[int64]row.Row)
	collect := func(key int64, r row.Row) bool {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
			rows[key] = r
		}
		return true
	}
	st.mutable.Range(lo, hi, collect)
	for _, im := range st.immutables {
		im.RangeKeys(lo, hi, collect)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if !fn(k, rows[k]) {
			return
		}
	}
}

// MutableLen reports rows staged in the mutable segment (used to
// decide when to trigger a checkpoint, per spec §4.4).
func (s *Store) MutableLen() int {
	return s.cur.Load().mutable.Len()
}

// MutableDepth reports the mutable segment's learned index tree depth.
func (s *Store) MutableDepth() int {
	return s.cur.Load().mutable.Depth()
}

// ImmutableCount reports the number of on-disk segments (used to
// decide when to trigger compaction, per spec §4.6).
func (s *Store) ImmutableCount() int {
	return len(s.cur.Load().immutables)
}

// Checkpoint snapshots the mutable segment, writes it to a new
// immutable segment file, and atomically publishes a new state with an
// empty mutable segment and the new immutable prepended. Returns the
// new segment's id for the caller to record in the WAL's
// CheckpointEnd record. A nil error with segID 0 means there was
// nothing to checkpoint.
func (s *Store) Checkpoint() (uint64, error) {
	old := s.cur.Load()
	rows := old.mutable.Snapshot()
	if len(rows) == 0 {
		return 0, nil
	}

	segID := old.nextSegID
	path := s.segmentPath(segID)
	if err := WriteImmutable(path, segID, s.table, rows); err != nil {
		return 0, fmt.Errorf("segment: checkpoint write: %w", err)
	}
	im, err := OpenImmutable(path, segID, s.table)
	if err != nil {
		return 0, fmt.Errorf("segment: checkpoint reopen: %w", err)
	}

	newImmutables := make([]*Immutable, 0, len(old.immutables)+1)
	newImmutables = append(newImmutables, im)
	newImmutables = append(newImmutables, old.immutables...)

	next := &state{
		mutable:    NewMutable(s.cfg),
		immutables: newImmutables,
		nextSegID:  segID + 1,
	}
	s.cur.Store(next)
	s.log.Infow("checkpoint complete", "segmentId", segID, "rows", len(rows))
	return segID, nil
}

// Compact merges every immutable segment into one once their count
// exceeds cfg.CompactionTriggerCount, per spec §4.6, reducing read
// amplification. Superseded files are removed and their chunk cache
// entries invalidated.
func (s *Store) Compact() error {
	old := s.cur.Load()
	if len(old.immutables) <= s.cfg.CompactionTriggerCount {
		return nil
	}

	// Keys are unique and never updated in place, so merging
	// oldest-to-newest and letting later writes simply add entries
	// never produces a conflict.
	merged := map[int64]row.Row{}
	for i := len(old.immutables) - 1; i >= 0; i-- {
		im := old.immutables[i]
		im.RangeKeys(minInt64, maxInt64, func(key int64, r row.Row) bool {
			merged[key] = r
			return true
		})
	}

	rows := make([]KeyRow, 0, len(merged))
	for k, r := range merged {
		rows = append(rows, KeyRow{Key: k, Row: r})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	segID := old.nextSegID
	path := s.segmentPath(segID)
	if err := WriteImmutable(path, segID, s.table, rows); err != nil {
		return fmt.Errorf("segment: compaction write: %w", err)
	}
	im, err := OpenImmutable(path, segID, s.table)
	if err != nil {
		return fmt.Errorf("segment: compaction reopen: %w", err)
	}

	next := &state{
		mutable:    old.mutable,
		immutables: []*Immutable{im},
		nextSegID:  segID + 1,
	}
	s.cur.Store(next)

	for _, stale := range old.immutables {
		s.cache.InvalidateSegment(stale.ID())
		stalePath := stale.Path()
		stale.Close()
		os.Remove(stalePath)
	}
	s.log.Infow("compaction complete", "newSegmentId", segID, "mergedSegments", len(old.immutables), "rows", len(rows))
	return nil
}

func (s *Store) segmentPath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("segment-%08d.lisc", id))
}
