package localdb

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/memstore"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

func usersSpec(cache bool) types.TableSpec {
	return types.TableSpec{
		Name:   "users",
		Fields: []string{"id", "email", "name"},
		Indices: []types.IndexSpec{
			{Name: "primary", Fields: []string{"id"}, Primary: true},
			{Name: "email", Fields: []string{"email"}, Unique: true},
		},
		Cache: types.CacheSpec{Enabled: cache, Limit: 2},
	}
}

type fixture struct {
	db    *LocalDB
	store *memstore.Store
	logs  *bytes.Buffer
	reg   *prometheus.Registry
}

func setupLocalDB(t *testing.T, cache bool) *fixture {
	t.Helper()
	spec := usersSpec(cache)
	logs := &bytes.Buffer{}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	db := New(spec, indices.New(spec), store,
		WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
		WithMetrics(m))
	return &fixture{db: db, store: store, logs: logs, reg: reg}
}

func TestSaveAndLoadRecordFromMemory(t *testing.T) {
	f := setupLocalDB(t, false)
	ctx := context.Background()

	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "email": "a@x", "name": "A"}, 1, 0))

	for index, fields := range map[string]map[string]any{
		"primary": {"id": 1},
		"email":   {"email": "a@x"},
	} {
		e, err := f.db.LoadRecord(ctx, index, fields)
		require.NoError(t, err)
		require.NotNil(t, e, index)
		assert.Equal(t, int64(1), e.Version)
		assert.Equal(t, "A", e.Fields["name"])
	}

	mem, ok := f.db.MemoryRecord(map[string]any{"id": 1.0})
	require.True(t, ok, "numeric keys are canonical")
	assert.False(t, mem.SavedTime.IsZero())

	// Cache disabled: nothing reaches the persistent tier.
	stored, err := f.store.LoadRecord(ctx, "users", "primary", "[1]")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSaveRecordVersionPolicy(t *testing.T) {
	f := setupLocalDB(t, false)
	ctx := context.Background()

	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "name": "A"}, 1, 0))
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "name": "B"}, 2, 1))
	assert.NotContains(t, f.logs.String(), "not improved")

	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "name": "C"}, 2, 0))
	assert.Contains(t, f.logs.String(), "record version is not improved")

	e, err := f.db.LoadRecord(ctx, "primary", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "C", e.Fields["name"], "remote payload wins even when the version is not improved")

	count, err := testutil.GatherAndCount(f.reg, "tablesync_cache_anomalies_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveRecordKnownVersionAnomaly(t *testing.T) {
	f := setupLocalDB(t, false)

	require.NoError(t, f.db.SaveRecord(context.Background(), map[string]any{"id": 1}, 3, 5))
	assert.Contains(t, f.logs.String(), "cached_version=5")
}

func TestSaveRecordWithoutPrimaryKey(t *testing.T) {
	f := setupLocalDB(t, true)

	err := f.db.SaveRecord(context.Background(), map[string]any{"email": "a@x"}, 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPrimaryKeyMissing)
	assert.True(t, types.IsConsistency(err))
}

func TestLoadRecordErrors(t *testing.T) {
	f := setupLocalDB(t, false)
	ctx := context.Background()

	_, err := f.db.LoadRecord(ctx, "missing", map[string]any{"id": 1})
	assert.ErrorIs(t, err, types.ErrIndexNotFound)
	assert.True(t, types.IsConfig(err))

	_, err = f.db.LoadRecord(ctx, "email", map[string]any{"id": 1})
	assert.ErrorIs(t, err, types.ErrUnknownField)
}

func TestPersistentTier(t *testing.T) {
	f := setupLocalDB(t, true)
	ctx := context.Background()
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "email": "a@x"}, 1, 0))

	stored, err := f.store.LoadRecord(ctx, "users", "email", `["a@x"]`)
	require.NoError(t, err)
	require.NotNil(t, stored)

	// A fresh LocalDB over the same store finds the record in the persistent tier.
	spec := usersSpec(true)
	reopened := New(spec, indices.New(spec), f.store)
	e, err := reopened.LoadRecord(ctx, "primary", map[string]any{"id": 1})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(1), e.Version)

	require.NoError(t, f.db.RemoveRecord(ctx, map[string]any{"id": 1}))
	e, err = reopened.LoadRecord(ctx, "primary", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Nil(t, e)

	_, ok := f.db.MemoryRecord(map[string]any{"id": 1})
	assert.False(t, ok)
}

func TestRemoveRecordDropsAlternateKeys(t *testing.T) {
	f := setupLocalDB(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "email": "a@x"}, 1, 0))
	require.NoError(t, f.db.RemoveRecord(ctx, map[string]any{"id": 1}))

	e, err := f.db.LoadRecord(ctx, "email", map[string]any{"email": "a@x"})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestUniqueKeyMovesBetweenRecords(t *testing.T) {
	f := setupLocalDB(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "email": "a@x"}, 1, 0))
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 2, "email": "a@x"}, 1, 0))

	// Resaving and removing the old holder leaves the moved key in place.
	require.NoError(t, f.db.SaveRecord(ctx, map[string]any{"id": 1, "email": "b@x"}, 2, 1))
	require.NoError(t, f.db.RemoveRecord(ctx, map[string]any{"id": 1}))

	e, err := f.db.LoadRecord(ctx, "email", map[string]any{"email": "a@x"})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Fields["id"])

	e, err = f.db.LoadRecord(ctx, "email", map[string]any{"email": "b@x"})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestListsAndCounters(t *testing.T) {
	f := setupLocalDB(t, true)
	ctx := context.Background()

	require.NoError(t, f.db.SaveList(ctx, "k", []any{2, 1}, map[string]int64{"1": 1, "2": 3}))
	l, err := f.db.LoadList(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []any{2, 1}, l.Identifiers)
	assert.Equal(t, int64(3), l.Versions["2"])

	require.NoError(t, f.db.SaveCounter(ctx, "c", 9))
	c, err := f.db.LoadCounter(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(9), c.Count)

	missing, err := f.db.LoadList(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, f.db.Clear(ctx))
	l, err = f.db.LoadList(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, l)
	stored, err := f.store.LoadCounter(ctx, "users", "c")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestListLimitAppliesToPersistentTier(t *testing.T) {
	f := setupLocalDB(t, true)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, f.db.SaveList(ctx, key, []any{key}, nil))
	}

	stored, err := f.store.LoadList(ctx, "users", "a")
	require.NoError(t, err)
	assert.Nil(t, stored, "limit of 2 evicts the oldest list")

	l, err := f.db.LoadList(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, l, "the memory tier keeps it")
}

type failingStore struct{ *memstore.Store }

var errDisk = errors.New("disk full")

func (failingStore) SaveRecord(context.Context, string, string, map[string]string, types.RecordEntry) error {
	return errDisk
}

func TestPersistentFailureKeepsMemoryTier(t *testing.T) {
	spec := usersSpec(true)
	db := New(spec, indices.New(spec), failingStore{memstore.New()})
	ctx := context.Background()

	err := db.SaveRecord(ctx, map[string]any{"id": 1}, 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)
	assert.True(t, types.IsTransport(err))

	_, ok := db.MemoryRecord(map[string]any{"id": 1})
	assert.True(t, ok, "memory tier is written before the persistent tier")
}
