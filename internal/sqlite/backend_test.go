package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mesh-intelligence/tablesync/internal/storetest"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

func setupBackend(t *testing.T, config types.Config) *Backend {
	t.Helper()
	if config.Backend == "" {
		config.Backend = types.BackendSQLite
	}
	if config.DataDir == "" {
		config.DataDir = t.TempDir()
	}
	b := NewBackend(nil)
	require.NoError(t, b.Attach(config))
	t.Cleanup(func() { b.Detach() })
	return b
}

func TestStoreConformance(t *testing.T) {
	suite.Run(t, &storetest.StoreSuite{Open: func() types.Store {
		b := NewBackend(nil)
		if err := b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		return b
	}})
}

func TestBackendAttach(t *testing.T) {
	dir := t.TempDir()
	config := types.Config{Backend: types.BackendSQLite, DataDir: dir}
	b := setupBackend(t, config)

	_, err := os.Stat(filepath.Join(dir, dbFile))
	require.NoError(t, err, "database file created")
	for _, name := range jsonlFiles {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "%s created", name)
		assert.Zero(t, info.Size())
	}

	assert.ErrorIs(t, b.Attach(config), types.ErrAlreadyAttached)
}

func TestBackendAttachInvalidConfig(t *testing.T) {
	b := NewBackend(nil)
	err := b.Attach(types.Config{Backend: "postgres", DataDir: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}

func TestBackendDetach(t *testing.T) {
	b := setupBackend(t, types.Config{})
	ctx := context.Background()

	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach(), "detach is idempotent")

	_, err := b.LoadRecord(ctx, "users", "primary", "[1]")
	assert.ErrorIs(t, err, types.ErrStoreDetached)
	err = b.SaveCounter(ctx, "users", "c", types.CounterEntry{})
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestBackendPersistsAcrossAttach(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := types.Config{Backend: types.BackendSQLite, DataDir: dir}

	b := NewBackend(nil)
	require.NoError(t, b.Attach(config))
	require.NoError(t, b.SaveRecord(ctx, "users", "1",
		map[string]string{"primary": "[1]", "email": `["a@x"]`},
		types.RecordEntry{Fields: map[string]any{"id": 1, "email": "a@x"}, Version: 4, SavedTime: time.Now()}))
	require.NoError(t, b.SaveList(ctx, "users", "all",
		types.ListCache{Identifiers: []any{1}, Versions: map[string]int64{"1": 4}}, 0))
	require.NoError(t, b.SaveCounter(ctx, "users", "all", types.CounterEntry{Count: 1}))
	require.NoError(t, b.Detach())

	reopened := setupBackend(t, config)

	e, err := reopened.LoadRecord(ctx, "users", "email", `["a@x"]`)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(4), e.Version)
	assert.Equal(t, float64(1), e.Fields["id"])

	l, err := reopened.LoadList(ctx, "users", "all")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []any{float64(1)}, l.Identifiers)
	assert.Equal(t, map[string]int64{"1": 4}, l.Versions)

	c, err := reopened.LoadCounter(ctx, "users", "all")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.Count)
}

func TestBackendSyncStrategies(t *testing.T) {
	tests := []struct {
		name          string
		config        types.Config
		wantImmediate bool
	}{
		{name: "immediate", config: types.Config{SyncStrategy: types.SyncImmediate}, wantImmediate: true},
		{name: "default is immediate", config: types.Config{}, wantImmediate: true},
		{name: "on close", config: types.Config{SyncStrategy: types.SyncOnClose}},
		{name: "batch", config: types.Config{SyncStrategy: types.SyncBatch, BatchSize: 100, BatchInterval: 3600}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			tt.config.DataDir = dir
			b := setupBackend(t, tt.config)

			require.NoError(t, b.SaveCounter(ctx, "users", "all", types.CounterEntry{Count: 7}))
			lines, err := readJSONL(filepath.Join(dir, countersJSONL))
			require.NoError(t, err)
			if tt.wantImmediate {
				assert.Len(t, lines, 1)
				assert.Zero(t, b.pendingCount())
				return
			}
			assert.Empty(t, lines, "write is deferred")
			assert.Equal(t, 1, b.pendingCount())

			require.NoError(t, b.Detach())
			lines, err = readJSONL(filepath.Join(dir, countersJSONL))
			require.NoError(t, err)
			assert.Len(t, lines, 1, "pending writes flush on detach")
		})
	}
}

func TestBackendBatchSizeFlush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := setupBackend(t, types.Config{DataDir: dir, SyncStrategy: types.SyncBatch, BatchSize: 2, BatchInterval: 3600})

	require.NoError(t, b.SaveCounter(ctx, "users", "a", types.CounterEntry{Count: 1}))
	require.NoError(t, b.SaveCounter(ctx, "users", "b", types.CounterEntry{Count: 2}))
	assert.Equal(t, 1, b.pendingCount(), "snapshots of the same kind coalesce")

	require.NoError(t, b.SaveList(ctx, "users", "l", types.ListCache{Identifiers: []any{}}, 0))
	assert.Zero(t, b.pendingCount(), "queue flushed at batch size")

	lines, err := readJSONL(filepath.Join(dir, countersJSONL))
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}
