package types

import (
	"context"
	"time"
)

// RecordEntry is the cached state of one record.
type RecordEntry struct {
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	SavedTime time.Time      `json:"saved_time"`
}

// ListCache is the cached result of a list: the ordered identifiers and the
// version each one had when the list was saved, keyed by CanonicalKey(pk).
type ListCache struct {
	Identifiers []any            `json:"identifiers"`
	Versions    map[string]int64 `json:"versions,omitempty"`
	SavedTime   time.Time        `json:"saved_time"`
}

// CounterEntry is the cached value of a counter.
type CounterEntry struct {
	Count     int64     `json:"count"`
	SavedTime time.Time `json:"saved_time"`
}

// Store is the persistent tier of the local cache: a keyed object store with
// one logical partition per table. Records are addressed by index name and
// the canonical key of that index's field values; IndexKeys passed to
// SaveRecord must include the primary index.
//
// Load methods return (nil, nil) when the entry is absent.
type Store interface {
	SaveRecord(ctx context.Context, table, pk string, indexKeys map[string]string, e RecordEntry) error
	LoadRecord(ctx context.Context, table, index, key string) (*RecordEntry, error)
	RemoveRecord(ctx context.Context, table, pk string) error

	// SaveList keeps at most limit lists per table, dropping the least
	// recently saved. A limit of zero or less keeps everything.
	SaveList(ctx context.Context, table, key string, l ListCache, limit int) error
	LoadList(ctx context.Context, table, key string) (*ListCache, error)

	SaveCounter(ctx context.Context, table, key string, c CounterEntry) error
	LoadCounter(ctx context.Context, table, key string) (*CounterEntry, error)

	// Clear drops every entry of a table.
	Clear(ctx context.Context, table string) error

	Close() error
}
