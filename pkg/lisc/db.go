// Package lisc is the top-level entry point of the learned-index
// storage engine: it ties together the schema registry, one segment
// Store per table, and a shared write-ahead log into a single crash-
// recoverable handle. Grounded on pkg/turdb/db.go's connection
// lifecycle (file lock, lazy open-or-create, mutex-guarded state,
// explicit Close) generalized from a SQL database connection to a
// table-registry-plus-segment-stores handle — the SQL executor,
// statement cache, and HNSW vector index fields have no role here and
// are dropped (see DESIGN.md).
package lisc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lisc/index"
	"lisc/liscconfig"
	"lisc/liscerr"
	"lisc/row"
	"lisc/schema"
	"lisc/segment"
	"lisc/wal"

	"go.uber.org/zap"
)

var (
	// ErrDatabaseClosed is returned when an operation runs on a closed DB.
	ErrDatabaseClosed = liscerr.New(liscerr.Closed, "database is closed")
	// ErrDatabaseLocked is returned when another process holds the file lock.
	ErrDatabaseLocked = liscerr.New(liscerr.Io, "database is locked by another process")
)

// DB is an open handle to a LISC data directory: a WAL plus a
// segment.Store per registered table. Safe for concurrent use; a
// single writer goroutine is assumed per spec §6, but Lookup/Range may
// run concurrently with it.
type DB struct {
	mu sync.RWMutex

	dir      string
	lockFile *os.File
	cfg      liscconfig.Options
	log      *zap.SugaredLogger

	wal       *wal.WAL
	schemas   *schema.Registry
	tableID   map[string]uint8
	tableByID map[uint8]*schema.Table
	stores    map[string]*segment.Store
	nextTxnID uint64

	recovered *wal.RecoveryResult // computed once at Open, consumed by RegisterTable

	closed bool
}

// Open opens or creates a LISC data directory at dir, replaying its
// WAL to recover any committed-but-not-checkpointed inserts. The
// caller must call RegisterTable before Insert/Lookup/Range for the
// tables it plans to use; tables present in the data directory but not
// (yet) registered have their WAL records held in memory until
// registered, matching spec §6's requirement that schema is supplied
// by the caller rather than stored in the data directory.
func Open(dir string, cfg liscconfig.Options) (*DB, error) {
	cfg = cfg.WithDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(dir, "LOCK")
	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, liscerr.Wrap(liscerr.Io, "open lock file", err)
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, ErrDatabaseLocked
	}

	walDir := filepath.Join(dir, "wal")
	recovered, err := wal.Recover(walDir, cfg.Logger)
	if err != nil {
		unlockFile(lf)
		lf.Close()
		return nil, liscerr.Wrap(liscerr.Corrupt, "wal recovery", err)
	}

	w, err := wal.Open(walDir, wal.Options{
		SegmentBytes:        cfg.WALSegmentBytes,
		GroupCommitWindowMs: cfg.WALGroupCommitWindowMs,
		Logger:              cfg.Logger,
	})
	if err != nil {
		unlockFile(lf)
		lf.Close()
		return nil, liscerr.Wrap(liscerr.Io, "open wal", err)
	}
	w.SetNextLSN(recovered.NextLSN)
	if recovered.TornTailBytes > 0 {
		cfg.Logger.Sugar().Warnw("discarded torn WAL tail on recovery", "bytes", recovered.TornTailBytes)
	}

	db := &DB{
		dir:       dir,
		lockFile:  lf,
		cfg:       cfg,
		log:       cfg.Logger.Sugar(),
		wal:       w,
		schemas:   schema.NewRegistry(),
		tableID:   make(map[string]uint8),
		tableByID: make(map[uint8]*schema.Table),
		stores:    make(map[string]*segment.Store),
		recovered: recovered,
	}
	return db, nil
}

// RegisterTable registers table's schema, opens (or creates) its
// segment store, and replays any WAL-recovered committed inserts for
// it. Must be called once per table before use, and before any
// concurrent Insert/Lookup/Range calls begin.
func (db *DB) RegisterTable(table *schema.Table) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	if err := db.schemas.Register(table); err != nil {
		return err
	}

	id := uint8(len(db.tableID))
	db.tableID[table.Name] = id
	db.tableByID[id] = table

	tableDir := filepath.Join(db.dir, "tables", table.Name)
	store, err := segment.Open(tableDir, table, db.cfg, db.recovered.HasCheckpoint, db.recovered.CheckpointSegmentID)
	if err != nil {
		return err
	}
	db.stores[table.Name] = store

	return db.replay(table, id, store)
}

// replay applies the WAL's recovered committed inserts belonging to
// table directly into its store, bypassing the WAL append step since
// those records are already durable. Inserts at or below a recovered
// checkpoint's high-water LSN are skipped: their data is already
// present in the immutable segment that checkpoint produced, which
// segment.Open has already mapped in, and replaying them again would
// just duplicate them into the fresh mutable segment.
func (db *DB) replay(table *schema.Table, id uint8, store *segment.Store) error {
	applied := 0
	for _, ins := range db.recovered.CommittedInserts {
		if ins.TableID != id {
			continue
		}
		if db.recovered.HasCheckpoint && ins.LSN <= db.recovered.CheckpointHigh {
			continue
		}
		r := row.FromRaw(ins.RowBytes)
		if err := store.Insert(ins.Key, r); err != nil {
			if !errors.Is(err, index.ErrKeyConflict) {
				db.log.Warnw("replay insert failed", "table", table.Name, "key", ins.Key, "error", err)
			}
			continue
		}
		applied++
	}
	if applied > 0 {
		db.log.Infow("recovered committed inserts", "table", table.Name, "count", applied)
	}
	return nil
}

// Insert appends and commits a new row under key in table, durable to
// the WAL before it is staged in the mutable segment. Once the WAL
// commit record is fsynced the insert is considered durable and ctx
// cancellation is no longer honored, matching spec §5's atomic-commit
// guarantee: a client that cancels mid-commit must not observe a
// partially-applied write.
func (db *DB) Insert(ctx context.Context, tableName string, values []row.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	table, err := db.schemas.Get(tableName)
	if err != nil {
		return liscerr.Wrap(liscerr.SchemaMismatch, fmt.Sprintf("table %q", tableName), err)
	}
	store, ok := db.stores[tableName]
	if !ok {
		return liscerr.New(liscerr.SchemaMismatch, fmt.Sprintf("table %q not registered", tableName))
	}

	keyIdx := table.KeyColumnIndex()
	key := values[keyIdx].Int()

	r, err := row.Encode(table, values)
	if err != nil {
		return liscerr.Wrap(liscerr.SchemaMismatch, "encode row", err)
	}

	if err := ctx.Err(); err != nil {
		return liscerr.Wrap(liscerr.Timeout, "insert deadline", err)
	}

	// Reject a duplicate key before touching the WAL at all: spec's
	// boundary behavior requires the WAL to contain no INSERT record
	// for a failed conflicting attempt, not merely one that recovery
	// later discards as uncommitted.
	if _, exists := store.Lookup(key); exists {
		return liscerr.New(liscerr.KeyConflict, fmt.Sprintf("key %d", key))
	}

	db.nextTxnID++
	txnID := db.nextTxnID
	tableID := db.tableID[tableName]

	if _, err := db.wal.AppendInsert(txnID, tableID, key, r.Raw()); err != nil {
		return liscerr.Wrap(liscerr.Io, "append wal insert", err)
	}
	if _, err := db.wal.Commit(txnID); err != nil {
		return liscerr.Wrap(liscerr.Io, "commit wal", err)
	}
	if err := store.Insert(key, r); err != nil {
		if errors.Is(err, index.ErrKeyConflict) {
			return liscerr.Wrap(liscerr.KeyConflict, fmt.Sprintf("key %d", key), err)
		}
		return liscerr.Wrap(liscerr.Io, "stage insert", err)
	}
	return nil
}

// Lookup returns the row stored under key in table, if any.
func (db *DB) Lookup(tableName string, key int64) (row.Row, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return row.Row{}, false, ErrDatabaseClosed
	}
	store, ok := db.stores[tableName]
	if !ok {
		return row.Row{}, false, liscerr.New(liscerr.SchemaMismatch, fmt.Sprintf("table %q not registered", tableName))
	}
	r, ok := store.Lookup(key)
	return r, ok, nil
}

// Range yields every row in table whose key is in [lo, hi), in
// ascending key order, until fn returns false.
func (db *DB) Range(tableName string, lo, hi int64, fn func(key int64, r row.Row) bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	store, ok := db.stores[tableName]
	if !ok {
		return liscerr.New(liscerr.SchemaMismatch, fmt.Sprintf("table %q not registered", tableName))
	}
	store.Range(lo, hi, fn)
	return nil
}

// TableDepth reports the current learned index depth of table's
// mutable segment, for tests and diagnostics asserting spec §4.3's
// depth bound.
func (db *DB) TableDepth(tableName string) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	store, ok := db.stores[tableName]
	if !ok {
		return 0, liscerr.New(liscerr.SchemaMismatch, fmt.Sprintf("table %q not registered", tableName))
	}
	return store.MutableDepth(), nil
}

// Checkpoint flushes every table's mutable segment to an immutable
// segment file and records a durable checkpoint boundary in the WAL,
// per spec §4.4/§4.5. Checkpoint holds the DB lock exclusively, so
// writers and readers (Lookup, Range) wait for it to finish.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}

	lowLSN := db.wal.NextLSN()
	if _, err := db.wal.CheckpointBegin(lowLSN); err != nil {
		return liscerr.Wrap(liscerr.Io, "checkpoint begin", err)
	}

	var lastSegID uint64
	for name, store := range db.stores {
		if _, err := store.Checkpoint(); err != nil {
			return liscerr.Wrap(liscerr.Io, fmt.Sprintf("checkpoint table %q", name), err)
		}
		if err := store.Compact(); err != nil {
			db.log.Warnw("compaction failed", "table", name, "error", err)
		}
		// Read back the store's current segment id after both Checkpoint
		// and Compact have run, so CHECKPOINT_END records the true final
		// state instead of the pre-compaction id Checkpoint() returned.
		if id := store.CurrentSegmentID(); id > lastSegID {
			lastSegID = id
		}
	}

	highLSN := db.wal.NextLSN()
	if _, err := db.wal.CheckpointEnd(lastSegID, highLSN); err != nil {
		return liscerr.Wrap(liscerr.Io, "checkpoint end", err)
	}
	if err := db.wal.TruncatePrefix(lowLSN); err != nil {
		return liscerr.Wrap(liscerr.Io, "truncate wal prefix", err)
	}
	return nil
}

// Close flushes and closes the WAL and releases the directory lock.
// It is an error to call Close more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true

	walErr := db.wal.Close()
	unlockFile(db.lockFile)
	lockErr := db.lockFile.Close()

	if walErr != nil {
		return liscerr.Wrap(liscerr.Io, "close wal", walErr)
	}
	if lockErr != nil {
		return liscerr.Wrap(liscerr.Io, "close lock file", lockErr)
	}
	return nil
}

// Path returns the data directory this DB was opened on.
func (db *DB) Path() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.dir
}
