package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

var _ types.Store = (*Backend)(nil)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SaveRecord stores the entry under pk and points every index key at it.
// Index keys previously held by pk are dropped; a key held by another record
// moves to pk.
func (b *Backend) SaveRecord(ctx context.Context, table, pk string, indexKeys map[string]string, e types.RecordEntry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (table_name, pk, fields, version, saved_at) VALUES (?, ?, ?, ?, ?)`,
		table, pk, string(fields), e.Version, formatTime(e.SavedTime)); err != nil {
		return fmt.Errorf("saving record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_keys WHERE table_name = ? AND pk = ?`, table, pk); err != nil {
		return fmt.Errorf("clearing record keys: %w", err)
	}
	for index, key := range indexKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO record_keys (table_name, index_name, key, pk) VALUES (?, ?, ?, ?)`,
			table, index, key, pk); err != nil {
			return fmt.Errorf("saving record key %s: %w", index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return b.persist("records")
}

// LoadRecord returns the record whose index key matches.
func (b *Backend) LoadRecord(ctx context.Context, table, index, key string) (*types.RecordEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	var fields, savedAt string
	var e types.RecordEntry
	err := b.db.QueryRowContext(ctx,
		`SELECT r.fields, r.version, r.saved_at FROM record_keys k
		 JOIN records r ON r.table_name = k.table_name AND r.pk = k.pk
		 WHERE k.table_name = ? AND k.index_name = ? AND k.key = ?`,
		table, index, key).Scan(&fields, &e.Version, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("decoding record fields: %w", err)
	}
	e.SavedTime = parseTime(savedAt)
	return &e, nil
}

// RemoveRecord deletes the record stored under pk and its index keys.
func (b *Backend) RemoveRecord(ctx context.Context, table, pk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND pk = ?`, table, pk); err != nil {
		return fmt.Errorf("removing record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_keys WHERE table_name = ? AND pk = ?`, table, pk); err != nil {
		return fmt.Errorf("removing record keys: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return b.persist("records")
}

// SaveList stores the list and evicts the least recently saved lists of the
// table beyond limit.
func (b *Backend) SaveList(ctx context.Context, table, key string, l types.ListCache, limit int) error {
	identifiers, err := json.Marshal(l.Identifiers)
	if err != nil {
		return fmt.Errorf("encoding identifiers: %w", err)
	}
	var versions sql.NullString
	if l.Versions != nil {
		v, err := json.Marshal(l.Versions)
		if err != nil {
			return fmt.Errorf("encoding versions: %w", err)
		}
		versions = sql.NullString{String: string(v), Valid: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// REPLACE deletes and reinserts, so rowid orders lists by last save.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO lists (table_name, list_key, identifiers, versions, saved_at) VALUES (?, ?, ?, ?, ?)`,
		table, key, string(identifiers), versions, formatTime(l.SavedTime)); err != nil {
		return fmt.Errorf("saving list: %w", err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lists WHERE table_name = ? AND rowid NOT IN (
				SELECT rowid FROM lists WHERE table_name = ? ORDER BY rowid DESC LIMIT ?)`,
			table, table, limit); err != nil {
			return fmt.Errorf("evicting lists: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return b.persist("lists")
}

// LoadList returns the cached list stored under key.
func (b *Backend) LoadList(ctx context.Context, table, key string) (*types.ListCache, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	var identifiers, savedAt string
	var versions sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT identifiers, versions, saved_at FROM lists WHERE table_name = ? AND list_key = ?`,
		table, key).Scan(&identifiers, &versions, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading list: %w", err)
	}

	l := &types.ListCache{SavedTime: parseTime(savedAt)}
	if err := json.Unmarshal([]byte(identifiers), &l.Identifiers); err != nil {
		return nil, fmt.Errorf("decoding identifiers: %w", err)
	}
	if versions.Valid && versions.String != "" {
		if err := json.Unmarshal([]byte(versions.String), &l.Versions); err != nil {
			return nil, fmt.Errorf("decoding versions: %w", err)
		}
	}
	return l, nil
}

// SaveCounter stores the counter value under key.
func (b *Backend) SaveCounter(ctx context.Context, table, key string, c types.CounterEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO counters (table_name, counter_key, count, saved_at) VALUES (?, ?, ?, ?)`,
		table, key, c.Count, formatTime(c.SavedTime)); err != nil {
		return fmt.Errorf("saving counter: %w", err)
	}
	return b.persist("counters")
}

// LoadCounter returns the counter stored under key.
func (b *Backend) LoadCounter(ctx context.Context, table, key string) (*types.CounterEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	var c types.CounterEntry
	var savedAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT count, saved_at FROM counters WHERE table_name = ? AND counter_key = ?`,
		table, key).Scan(&c.Count, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading counter: %w", err)
	}
	c.SavedTime = parseTime(savedAt)
	return &c, nil
}

// Clear drops every cached entry of table.
func (b *Backend) Clear(ctx context.Context, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range []string{"records", "record_keys", "lists", "counters"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE table_name = ?", name), table); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return b.persist("all")
}
