// Package sqlite implements the persistent cache tier on SQLite, with JSONL
// snapshot files as the durable copy.
//
// SQLite is the query engine and is rebuilt from the JSONL files on Attach.
// Every write is mirrored to the files according to the configured sync
// strategy: immediately, on Detach, or in batches by size and interval.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// dbFile is the SQLite file created in DataDir.
const dbFile = "tablesync.db"

// Backend implements types.Store.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	dataDir  string
	db       *sql.DB
	logger   *slog.Logger

	syncStrategy  string
	batchSize     int
	batchInterval time.Duration
	pendingWrites []pendingWrite
	batchTimer    *time.Timer
	batchMu       sync.Mutex
}

// pendingWrite is a deferred JSONL snapshot used by the on_close and batch
// strategies. Writes of the same kind coalesce into one snapshot.
type pendingWrite struct {
	kind    string
	persist func() error
}

// NewBackend creates a detached backend. Call Attach before use.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{logger: logger.With("component", "sqlite")}
}

// Attach creates DataDir, builds the SQLite schema and loads the JSONL
// snapshots into it.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// The database is rebuilt from JSONL on every attach.
	dbPath := filepath.Join(dataDir, dbFile)
	_ = os.Remove(dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	for _, ddl := range append(append([]string(nil), schemaDDL...), indexDDL...) {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	if err := initJSONLFiles(dataDir); err != nil {
		db.Close()
		return err
	}
	skipped, err := loadAllJSONL(db, dataDir)
	if err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}
	for file, n := range skipped {
		b.logger.Warn("skipped unreadable cache lines", "file", file, "lines", n)
	}

	b.db = db
	b.config = config
	b.dataDir = dataDir
	b.syncStrategy = config.GetSyncStrategy()
	b.batchSize = config.GetBatchSize()
	b.batchInterval = time.Duration(config.GetBatchInterval()) * time.Second
	b.pendingWrites = nil
	b.attached = true

	if b.syncStrategy == types.SyncBatch && b.batchInterval > 0 {
		b.startBatchTimer()
	}
	b.logger.Debug("attached", "data_dir", dataDir, "sync", b.syncStrategy)
	return nil
}

// Detach flushes pending writes and closes the database. It is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.stopBatchTimer()
	if err := b.flushPendingWritesLocked(); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}

	if err := b.db.Close(); err != nil {
		return err
	}
	b.db = nil
	b.attached = false
	return nil
}

// Close implements types.Store.
func (b *Backend) Close() error {
	return b.Detach()
}

// persist mirrors a write of kind to JSONL per the sync strategy. The caller
// must hold b.mu.
func (b *Backend) persist(kind string) error {
	fn := b.persistFunc(kind)
	if b.syncStrategy == types.SyncImmediate || b.syncStrategy == "" {
		return fn()
	}
	b.queueWrite(kind, fn)
	return nil
}

func (b *Backend) persistFunc(kind string) func() error {
	db, dir := b.db, b.dataDir
	switch kind {
	case "records":
		return func() error { return persistRecordsJSONL(db, dir) }
	case "lists":
		return func() error { return persistListsJSONL(db, dir) }
	case "counters":
		return func() error { return persistCountersJSONL(db, dir) }
	default:
		return func() error {
			if err := persistRecordsJSONL(db, dir); err != nil {
				return err
			}
			if err := persistListsJSONL(db, dir); err != nil {
				return err
			}
			return persistCountersJSONL(db, dir)
		}
	}
}

// queueWrite adds a snapshot to the pending queue, replacing a queued
// snapshot of the same kind. For the batch strategy the queue flushes when it
// reaches the batch size.
func (b *Backend) queueWrite(kind string, persist func() error) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	for i, pw := range b.pendingWrites {
		if pw.kind == kind {
			b.pendingWrites = append(b.pendingWrites[:i], b.pendingWrites[i+1:]...)
			break
		}
	}
	b.pendingWrites = append(b.pendingWrites, pendingWrite{kind: kind, persist: persist})

	if b.syncStrategy == types.SyncBatch && b.batchSize > 0 && len(b.pendingWrites) >= b.batchSize {
		if err := b.flushPendingWritesBatchLocked(); err != nil {
			b.logger.Error("batch flush failed", "error", err)
		}
	}
}

// flushPendingWritesLocked flushes the queue. The caller must hold b.mu.
func (b *Backend) flushPendingWritesLocked() error {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.flushPendingWritesBatchLocked()
}

// flushPendingWritesBatchLocked runs the queued snapshots. The caller must
// hold b.batchMu.
func (b *Backend) flushPendingWritesBatchLocked() error {
	if len(b.pendingWrites) == 0 {
		return nil
	}
	for _, pw := range b.pendingWrites {
		if err := pw.persist(); err != nil {
			return fmt.Errorf("flush %s: %w", pw.kind, err)
		}
	}
	b.pendingWrites = nil
	return nil
}

// pendingCount returns the number of queued snapshots.
func (b *Backend) pendingCount() int {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return len(b.pendingWrites)
}

func (b *Backend) startBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		return
	}
	b.batchTimer = time.AfterFunc(b.batchInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.attached {
			return
		}
		if err := b.flushPendingWritesLocked(); err != nil {
			b.logger.Error("interval flush failed", "error", err)
		}

		b.batchMu.Lock()
		if b.batchTimer != nil {
			b.batchTimer.Reset(b.batchInterval)
		}
		b.batchMu.Unlock()
	})
}

func (b *Backend) stopBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
}
