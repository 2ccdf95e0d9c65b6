package counter

import (
	"context"
	"errors"
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
		Fields: []string{"id", "team", "age"},
		Indices: []types.IndexSpec{
			{Name: "primary", Fields: []string{"id"}, Primary: true},
			{Name: "team", Fields: []string{"team"}},
		},
	}
}

type fixture struct {
	manager *Manager
	db      *localdb.LocalDB

	mu    sync.Mutex
	calls int
	count int64
	err   error
}

func (f *fixture) read(_ context.Context, _ string, queries []types.Query) ([]types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls += len(queries)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Response, len(queries))
	for i, q := range queries {
		n := f.count
		out[i] = types.Response{Request: q.ID, Count: &n}
	}
	return out, nil
}

func setup(t *testing.T) *fixture {
	t.Helper()
	spec := usersSpec()
	f := &fixture{}
	x := indices.New(spec)
	f.db = localdb.New(spec, x, nil)
	sched := query.New(spec.Name, f.read)
	t.Cleanup(func() { sched.Close() })

	f.manager = NewManager(Deps{
		Spec:    spec,
		Indices: x,
		LocalDB: f.db,
		Reader: reader.NewCounterReader(reader.Deps{
			Table: spec.Name, Indices: x, LocalDB: f.db, Executor: sched,
		}),
	})
	t.Cleanup(func() { f.manager.Close() })
	return f
}

func TestCounterFetchAndLoad(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.count = 12
	filter := types.Filter{{Field: "team", Value: "x"}}

	c, err := f.manager.Get(filter)
	require.NoError(t, err)
	_, known := c.Value()
	assert.False(t, known)

	require.NoError(t, c.Fetch(ctx))
	n, known := c.Value()
	assert.True(t, known)
	assert.Equal(t, int64(12), n)
	assert.True(t, c.Fetched())
	require.NoError(t, c.Release())

	again, err := f.manager.Get(filter)
	require.NoError(t, err)
	require.NoError(t, again.Load(ctx))
	assert.True(t, again.Loaded())
	n, _ = again.Value()
	assert.Equal(t, int64(12), n)
	assert.Equal(t, 1, f.calls)
}

func TestCounterSharedPerFilter(t *testing.T) {
	f := setup(t)
	a, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}})
	require.NoError(t, err)
	b, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, f.manager.Len())
}

func TestCounterWithoutQualifyingIndex(t *testing.T) {
	f := setup(t)
	_, err := f.manager.Get(types.Filter{{Field: "age", Value: 3}})
	assert.ErrorIs(t, err, types.ErrNoQualifyingIndex)
	assert.True(t, types.IsConfig(err))
	assert.Zero(t, f.calls)
}

func TestCounterFetchFailureKeepsValue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.count = 3
	c, err := f.manager.Get(nil)
	require.NoError(t, err)
	require.NoError(t, c.Fetch(ctx))

	f.err = errors.New("unreachable")
	err = c.Fetch(ctx)
	require.Error(t, err)
	assert.True(t, types.IsTransport(err))
	n, known := c.Value()
	assert.True(t, known)
	assert.Equal(t, int64(3), n)
	assert.Error(t, c.Err())
}

func TestCounterInvalidate(t *testing.T) {
	f := setup(t)
	byTeam, err := f.manager.Get(types.Filter{{Field: "team", Value: "x"}})
	require.NoError(t, err)
	all, err := f.manager.Get(nil)
	require.NoError(t, err)

	var team, every int
	byTeam.On(types.EventInvalidated, func() { team++ })
	all.On(types.EventInvalidated, func() { every++ })

	assert.Equal(t, 1, f.manager.Invalidate("id"))
	assert.Equal(t, 2, f.manager.Invalidate("team"))
	assert.Equal(t, 1, team)
	assert.Equal(t, 2, every)
}
