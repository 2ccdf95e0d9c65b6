package list

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/query"
	"github.com/mesh-intelligence/tablesync/internal/reader"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

func usersSpec() types.TableSpec {
	return types.TableSpec{
		Name:   "users",
		Fields: []string{"id", "team", "name", "age"},
		Indices: []types.IndexSpec{
			{Name: "primary", Fields: []string{"id"}, Primary: true},
			{Name: "team", Fields: []string{"team", "name"}},
		},
	}
}

type fixture struct {
	manager *Manager
	db      *localdb.LocalDB
	logs    *bytes.Buffer

	mu      sync.Mutex
	queries []types.Query
	records []types.ListEntry
	err     error
}

func (f *fixture) read(_ context.Context, _ string, queries []types.Query) ([]types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queries...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Response, len(queries))
	for i, q := range queries {
		out[i] = types.Response{Request: q.ID, Records: f.records}
	}
	return out, nil
}

func (f *fixture) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func setup(t *testing.T) *fixture {
	t.Helper()
	spec := usersSpec()
	f := &fixture{logs: &bytes.Buffer{}, records: []types.ListEntry{}}
	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	x := indices.New(spec)
	f.db = localdb.New(spec, x, nil, localdb.WithLogger(logger))
	sched := query.New(spec.Name, f.read, query.WithLogger(logger))
	t.Cleanup(func() { sched.Close() })

	f.manager = NewManager(Deps{
		Spec:    spec,
		Indices: x,
		LocalDB: f.db,
		Reader: reader.NewListReader(reader.Deps{
			Table: spec.Name, Indices: x, LocalDB: f.db, Executor: sched, Logger: logger,
		}),
		Logger: logger,
	})
	t.Cleanup(func() { f.manager.Close() })
	return f
}

func TestListWithoutQualifyingIndexFailsBeforeRemoteCall(t *testing.T) {
	f := setup(t)

	_, err := f.manager.Get(types.Filter{{Field: "age", Value: 30}}, nil)
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))
	assert.ErrorIs(t, err, types.ErrNoQualifyingIndex)
	assert.Zero(t, f.calls())
	assert.Zero(t, f.manager.Len())

	_, err = f.manager.Get(types.Filter{{Field: "salary", Value: 1}}, nil)
	assert.ErrorIs(t, err, types.ErrUnknownField)
	_, err = f.manager.Get(nil, types.Order{{Field: "salary"}})
	assert.ErrorIs(t, err, types.ErrUnknownField)
}

func TestSameFilterSharesList(t *testing.T) {
	f := setup(t)
	a, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}, {Field: "name", Value: "A"}}, nil)
	require.NoError(t, err)
	b, err := f.manager.Get(types.Filter{{Field: "name", Value: "A"}, {Field: "team", Value: "x"}}, nil)
	require.NoError(t, err)
	assert.Same(t, a, b, "condition order does not matter")

	c, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}, {Field: "name", Value: "A"}},
		types.Order{{Field: "name", Desc: true}})
	require.NoError(t, err)
	assert.NotSame(t, a, c, "ordering is part of the key")
	assert.Equal(t, 2, f.manager.Len())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	require.NoError(t, c.Release())
	assert.Zero(t, f.manager.Len())
}

func TestFetchAndLoad(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.records = []types.ListEntry{
		{Data: map[string]any{"id": 2, "team": "x"}, Version: 1},
		{Data: map[string]any{"id": 1, "team": "x"}, Version: 1},
	}

	l, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}}, nil)
	require.NoError(t, err)
	var updated int
	l.On(types.EventUpdated, func() { updated++ })

	require.NoError(t, l.Fetch(ctx))
	assert.True(t, l.Fetched())
	assert.False(t, l.Fetching())
	assert.Equal(t, []any{2, 1}, l.Identifiers())
	assert.Equal(t, 1, updated)
	require.NoError(t, l.Release())

	// A new instance of the same list loads the cached identifiers.
	again, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}}, nil)
	require.NoError(t, err)
	require.NotSame(t, l, again)
	require.NoError(t, again.Load(ctx))
	assert.True(t, again.Loaded())
	assert.Equal(t, []any{2, 1}, again.Identifiers())
	assert.Equal(t, 1, f.calls())
}

func TestFetchFailureKeepsIdentifiers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.records = []types.ListEntry{{Data: map[string]any{"id": 1}, Version: 1}}
	l, err := f.manager.Get(nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Fetch(ctx))

	f.err = errors.New("timeout")
	err = l.Fetch(ctx)
	require.Error(t, err)
	assert.True(t, types.IsTransport(err))
	assert.Equal(t, err, l.Err())
	assert.Equal(t, []any{1}, l.Identifiers())
}

func TestInvalidateRoutesByFilterField(t *testing.T) {
	f := setup(t)
	byTeam, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}}, nil)
	require.NoError(t, err)
	byID, err := f.manager.Get(types.Filter{{Field: "id", Operator: ">", Value: 3}}, nil)
	require.NoError(t, err)
	all, err := f.manager.Get(nil, nil)
	require.NoError(t, err)

	hits := map[string]int{}
	for name, l := range map[string]*List{"team": byTeam, "id": byID, "all": all} {
		l.On(types.EventInvalidated, func() { hits[name]++ })
	}

	assert.Equal(t, 2, f.manager.Invalidate("team"))
	assert.Equal(t, map[string]int{"team": 1, "all": 1}, hits)

	assert.Equal(t, 3, f.manager.Invalidate())
	assert.Equal(t, map[string]int{"team": 2, "id": 1, "all": 2}, hits)

	require.NoError(t, byTeam.Release())
	assert.Equal(t, 1, f.manager.Invalidate("team"), "released lists leave the registry")
}

func TestReleaseTwiceIsMisuse(t *testing.T) {
	f := setup(t)
	l, err := f.manager.Get(nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	err = l.Release()
	assert.True(t, types.IsMisuse(err))
	assert.ErrorIs(t, err, types.ErrNotRegistered)
}
