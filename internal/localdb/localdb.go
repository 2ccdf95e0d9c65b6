// Package localdb implements the local cache reconciler of a table: an
// in-memory tier shared by every entity of the table, in front of an optional
// persistent tier.
//
// The memory tier is always read first and always written first, before the
// persistent tier is awaited, so that entities of the same process observe a
// save immediately. The persistent tier is used only when the table's cache
// policy is enabled.
package localdb

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Tier names used in metrics.
const (
	tierMemory     = "memory"
	tierPersistent = "persistent"
)

// Option configures a LocalDB.
type Option func(*LocalDB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *LocalDB) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithMetrics records cache activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(db *LocalDB) { db.metrics = m }
}

// WithClock overrides the time source used for SavedTime.
func WithClock(now func() time.Time) Option {
	return func(db *LocalDB) {
		if now != nil {
			db.now = now
		}
	}
}

// LocalDB is the two-tier cache of one table.
type LocalDB struct {
	table   string
	cache   types.CacheSpec
	indices *indices.Indices
	store   types.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	records  map[string]types.RecordEntry      // primary key -> entry
	keys     map[string]map[string]string      // index -> key -> primary key
	owned    map[string]map[string]string      // primary key -> index -> key
	lists    map[string]types.ListCache
	counters map[string]types.CounterEntry
}

// New creates the cache of the table described by spec. store may be nil,
// in which case only the memory tier is used.
func New(spec types.TableSpec, x *indices.Indices, store types.Store, opts ...Option) *LocalDB {
	db := &LocalDB{
		table:    spec.Name,
		cache:    spec.Cache,
		indices:  x,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		records:  make(map[string]types.RecordEntry),
		keys:     make(map[string]map[string]string),
		owned:    make(map[string]map[string]string),
		lists:    make(map[string]types.ListCache),
		counters: make(map[string]types.CounterEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(db)
		}
	}
	db.logger = db.logger.With("table", spec.Name, "component", "localdb")
	return db
}

// Persistent reports whether the persistent tier is in use.
func (db *LocalDB) Persistent() bool {
	return db.cache.Enabled && db.store != nil
}

// SaveRecord writes fields at version. The primary key must be present in
// fields. known is the version the caller last saw for the record, zero when
// none; a version that does not exceed both known and the stored version is
// logged as an anomaly but still written, the remote being authoritative.
func (db *LocalDB) SaveRecord(ctx context.Context, fields map[string]any, version, known int64) error {
	const op = "LocalDB.SaveRecord"
	pk, ok := indices.Key(db.indices.Primary(), fields)
	if !ok {
		db.metrics.Anomaly(db.table, metrics.AnomalyMissingPK)
		return types.ConsistencyError(types.ErrPrimaryKeyMissing, op, "table %q", db.table)
	}
	indexKeys := db.indices.Keys(fields)
	entry := types.RecordEntry{Fields: maps.Clone(fields), Version: version, SavedTime: db.now()}

	db.mu.Lock()
	if prev, ok := db.records[pk]; ok && prev.Version > known {
		known = prev.Version
	}
	db.dropKeysLocked(pk)
	db.records[pk] = entry
	for index, key := range indexKeys {
		if db.keys[index] == nil {
			db.keys[index] = make(map[string]string)
		}
		db.keys[index][key] = pk
	}
	db.owned[pk] = maps.Clone(indexKeys)
	db.mu.Unlock()

	if known > 0 && version <= known {
		db.metrics.Anomaly(db.table, metrics.AnomalyVersionNotImproved)
		db.logger.Warn("record version is not improved",
			"pk", pk, "cached_version", known, "received_version", version)
	}

	if !db.Persistent() {
		return nil
	}
	if err := db.store.SaveRecord(ctx, db.table, pk, indexKeys, entry); err != nil {
		db.metrics.CacheError(db.table, "save_record")
		return types.TransportError(err, op, "pk %s", pk)
	}
	return nil
}

// LoadRecord returns the cached record addressed by the index fields, or nil.
// The memory tier answers first; the persistent tier is consulted when the
// cache is enabled.
func (db *LocalDB) LoadRecord(ctx context.Context, index string, fields map[string]any) (*types.RecordEntry, error) {
	const op = "LocalDB.LoadRecord"
	idx, ok := db.indices.Get(index)
	if !ok {
		return nil, types.ConfigError(types.ErrIndexNotFound, op, "index %q on table %q", index, db.table)
	}
	if !idx.Primary && !idx.Unique {
		return nil, nil
	}
	key, ok := indices.Key(idx, fields)
	if !ok {
		return nil, types.ConfigError(types.ErrUnknownField, op, "fields %v do not cover index %q", fields, index)
	}

	db.mu.RLock()
	pk, ok := db.keys[index][key]
	var entry types.RecordEntry
	if ok {
		entry, ok = db.records[pk]
	}
	db.mu.RUnlock()
	if ok {
		db.metrics.CacheHit(db.table, tierMemory)
		entry.Fields = maps.Clone(entry.Fields)
		return &entry, nil
	}

	if !db.Persistent() {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	stored, err := db.store.LoadRecord(ctx, db.table, index, key)
	if err != nil {
		db.metrics.CacheError(db.table, "load_record")
		return nil, types.TransportError(err, op, "index %s key %s", index, key)
	}
	if stored == nil {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	db.metrics.CacheHit(db.table, tierPersistent)
	return stored, nil
}

// MemoryRecord returns the memory tier entry of the record whose primary key
// fields are in fields.
func (db *LocalDB) MemoryRecord(fields map[string]any) (types.RecordEntry, bool) {
	pk, ok := indices.Key(db.indices.Primary(), fields)
	if !ok {
		return types.RecordEntry{}, false
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.records[pk]
	if ok {
		e.Fields = maps.Clone(e.Fields)
	}
	return e, ok
}

// RemoveRecord drops the record whose primary key is in fields from both
// tiers.
func (db *LocalDB) RemoveRecord(ctx context.Context, fields map[string]any) error {
	const op = "LocalDB.RemoveRecord"
	pk, ok := indices.Key(db.indices.Primary(), fields)
	if !ok {
		return types.ConsistencyError(types.ErrPrimaryKeyMissing, op, "table %q", db.table)
	}

	db.mu.Lock()
	db.dropKeysLocked(pk)
	delete(db.records, pk)
	db.mu.Unlock()

	if !db.Persistent() {
		return nil
	}
	if err := db.store.RemoveRecord(ctx, db.table, pk); err != nil {
		db.metrics.CacheError(db.table, "remove_record")
		return types.TransportError(err, op, "pk %s", pk)
	}
	return nil
}

// dropKeysLocked removes the index keys pk holds. A unique key since taken
// over by another record is left alone.
func (db *LocalDB) dropKeysLocked(pk string) {
	for index, key := range db.owned[pk] {
		if db.keys[index][key] == pk {
			delete(db.keys[index], key)
		}
	}
	delete(db.owned, pk)
}

// SaveList stores a list result under its canonical key.
func (db *LocalDB) SaveList(ctx context.Context, key string, identifiers []any, versions map[string]int64) error {
	l := types.ListCache{
		Identifiers: append([]any(nil), identifiers...),
		Versions:    maps.Clone(versions),
		SavedTime:   db.now(),
	}

	db.mu.Lock()
	db.lists[key] = l
	db.mu.Unlock()

	if !db.Persistent() {
		return nil
	}
	if err := db.store.SaveList(ctx, db.table, key, l, db.cache.Limit); err != nil {
		db.metrics.CacheError(db.table, "save_list")
		return types.TransportError(err, "LocalDB.SaveList", "list %s", key)
	}
	return nil
}

// LoadList returns the cached list stored under key, or nil.
func (db *LocalDB) LoadList(ctx context.Context, key string) (*types.ListCache, error) {
	db.mu.RLock()
	l, ok := db.lists[key]
	db.mu.RUnlock()
	if ok {
		db.metrics.CacheHit(db.table, tierMemory)
		l.Identifiers = append([]any(nil), l.Identifiers...)
		l.Versions = maps.Clone(l.Versions)
		return &l, nil
	}

	if !db.Persistent() {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	stored, err := db.store.LoadList(ctx, db.table, key)
	if err != nil {
		db.metrics.CacheError(db.table, "load_list")
		return nil, types.TransportError(err, "LocalDB.LoadList", "list %s", key)
	}
	if stored == nil {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	db.metrics.CacheHit(db.table, tierPersistent)
	return stored, nil
}

// SaveCounter stores a counter value under its canonical key.
func (db *LocalDB) SaveCounter(ctx context.Context, key string, count int64) error {
	c := types.CounterEntry{Count: count, SavedTime: db.now()}

	db.mu.Lock()
	db.counters[key] = c
	db.mu.Unlock()

	if !db.Persistent() {
		return nil
	}
	if err := db.store.SaveCounter(ctx, db.table, key, c); err != nil {
		db.metrics.CacheError(db.table, "save_counter")
		return types.TransportError(err, "LocalDB.SaveCounter", "counter %s", key)
	}
	return nil
}

// LoadCounter returns the cached counter stored under key, or nil.
func (db *LocalDB) LoadCounter(ctx context.Context, key string) (*types.CounterEntry, error) {
	db.mu.RLock()
	c, ok := db.counters[key]
	db.mu.RUnlock()
	if ok {
		db.metrics.CacheHit(db.table, tierMemory)
		return &c, nil
	}

	if !db.Persistent() {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	stored, err := db.store.LoadCounter(ctx, db.table, key)
	if err != nil {
		db.metrics.CacheError(db.table, "load_counter")
		return nil, types.TransportError(err, "LocalDB.LoadCounter", "counter %s", key)
	}
	if stored == nil {
		db.metrics.CacheMiss(db.table)
		return nil, nil
	}
	db.metrics.CacheHit(db.table, tierPersistent)
	return stored, nil
}

// Clear drops every cached entry of the table from both tiers.
func (db *LocalDB) Clear(ctx context.Context) error {
	db.mu.Lock()
	db.records = make(map[string]types.RecordEntry)
	db.keys = make(map[string]map[string]string)
	db.owned = make(map[string]map[string]string)
	db.lists = make(map[string]types.ListCache)
	db.counters = make(map[string]types.CounterEntry)
	db.mu.Unlock()

	if db.store == nil {
		return nil
	}
	if err := db.store.Clear(ctx, db.table); err != nil {
		db.metrics.CacheError(db.table, "clear")
		return types.TransportError(err, "LocalDB.Clear", "table %q", db.table)
	}
	return nil
}
