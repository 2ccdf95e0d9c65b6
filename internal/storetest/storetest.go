// Package storetest provides the conformance suite every types.Store
// implementation runs in its own tests.
package storetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// StoreSuite exercises the types.Store contract. Set Open to a constructor
// returning a fresh, empty store; the suite closes it after each test.
type StoreSuite struct {
	suite.Suite
	Open  func() types.Store
	store types.Store
	ctx   context.Context
}

// SetupTest opens a fresh store.
func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.Open()
}

// TearDownTest closes the store.
func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

// Store returns the store under test.
func (s *StoreSuite) Store() types.Store { return s.store }

func entry(version int64, fields map[string]any) types.RecordEntry {
	return types.RecordEntry{Fields: fields, Version: version, SavedTime: time.Now()}
}

func (s *StoreSuite) TestRecordByEveryIndex() {
	keys := map[string]string{"primary": "[1]", "email": `["a@x"]`}
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1", keys,
		entry(3, map[string]any{"id": float64(1), "email": "a@x"})))

	for index, key := range keys {
		e, err := s.store.LoadRecord(s.ctx, "users", index, key)
		s.Require().NoError(err)
		s.Require().NotNil(e, "index %s", index)
		s.Equal(int64(3), e.Version)
		s.Equal("a@x", e.Fields["email"])
		s.False(e.SavedTime.IsZero())
	}

	e, err := s.store.LoadRecord(s.ctx, "users", "primary", "[2]")
	s.Require().NoError(err)
	s.Nil(e)

	e, err = s.store.LoadRecord(s.ctx, "orders", "primary", "[1]")
	s.Require().NoError(err)
	s.Nil(e, "tables are partitioned")
}

func (s *StoreSuite) TestRecordOverwriteReplacesKeys() {
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1",
		map[string]string{"primary": "[1]", "email": `["old@x"]`},
		entry(1, map[string]any{"id": float64(1), "email": "old@x"})))
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1",
		map[string]string{"primary": "[1]", "email": `["new@x"]`},
		entry(2, map[string]any{"id": float64(1), "email": "new@x"})))

	old, err := s.store.LoadRecord(s.ctx, "users", "email", `["old@x"]`)
	s.Require().NoError(err)
	s.Nil(old)

	cur, err := s.store.LoadRecord(s.ctx, "users", "email", `["new@x"]`)
	s.Require().NoError(err)
	s.Require().NotNil(cur)
	s.Equal(int64(2), cur.Version)
}

func (s *StoreSuite) TestRecordUniqueKeyMoves() {
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1",
		map[string]string{"primary": "[1]", "email": `["a@x"]`}, entry(1, map[string]any{"id": float64(1)})))
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "2",
		map[string]string{"primary": "[2]", "email": `["a@x"]`}, entry(1, map[string]any{"id": float64(2)})))

	e, err := s.store.LoadRecord(s.ctx, "users", "email", `["a@x"]`)
	s.Require().NoError(err)
	s.Require().NotNil(e)
	s.Equal(float64(2), e.Fields["id"])

	first, err := s.store.LoadRecord(s.ctx, "users", "primary", "[1]")
	s.Require().NoError(err)
	s.NotNil(first)
}

func (s *StoreSuite) TestRemoveRecord() {
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1",
		map[string]string{"primary": "[1]", "email": `["a@x"]`}, entry(1, map[string]any{"id": float64(1)})))
	s.Require().NoError(s.store.RemoveRecord(s.ctx, "users", "1"))

	for _, lookup := range [][2]string{{"primary", "[1]"}, {"email", `["a@x"]`}} {
		e, err := s.store.LoadRecord(s.ctx, "users", lookup[0], lookup[1])
		s.Require().NoError(err)
		s.Nil(e)
	}
	s.NoError(s.store.RemoveRecord(s.ctx, "users", "missing"))
}

func (s *StoreSuite) TestListRoundTrip() {
	l := types.ListCache{
		Identifiers: []any{"b", "a"},
		Versions:    map[string]int64{`"a"`: 2, `"b"`: 5},
		SavedTime:   time.Now(),
	}
	s.Require().NoError(s.store.SaveList(s.ctx, "users", "k", l, 0))

	got, err := s.store.LoadList(s.ctx, "users", "k")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal([]any{"b", "a"}, got.Identifiers)
	s.Equal(map[string]int64{`"a"`: 2, `"b"`: 5}, got.Versions)

	missing, err := s.store.LoadList(s.ctx, "users", "other")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *StoreSuite) TestListLimitEvictsOldest() {
	for _, key := range []string{"k1", "k2", "k3"} {
		s.Require().NoError(s.store.SaveList(s.ctx, "users", key,
			types.ListCache{Identifiers: []any{key}, SavedTime: time.Now()}, 2))
	}
	// Saving k2 again makes k3 the oldest.
	s.Require().NoError(s.store.SaveList(s.ctx, "users", "k2",
		types.ListCache{Identifiers: []any{"k2"}, SavedTime: time.Now()}, 2))
	s.Require().NoError(s.store.SaveList(s.ctx, "users", "k4",
		types.ListCache{Identifiers: []any{"k4"}, SavedTime: time.Now()}, 2))

	present := map[string]bool{}
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		l, err := s.store.LoadList(s.ctx, "users", key)
		s.Require().NoError(err)
		present[key] = l != nil
	}
	s.Equal(map[string]bool{"k1": false, "k2": true, "k3": false, "k4": true}, present)
}

func (s *StoreSuite) TestCounterRoundTrip() {
	s.Require().NoError(s.store.SaveCounter(s.ctx, "users", "all", types.CounterEntry{Count: 42, SavedTime: time.Now()}))

	c, err := s.store.LoadCounter(s.ctx, "users", "all")
	s.Require().NoError(err)
	s.Require().NotNil(c)
	s.Equal(int64(42), c.Count)

	missing, err := s.store.LoadCounter(s.ctx, "users", "none")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *StoreSuite) TestClearTable() {
	s.Require().NoError(s.store.SaveRecord(s.ctx, "users", "1", map[string]string{"primary": "[1]"}, entry(1, map[string]any{"id": float64(1)})))
	s.Require().NoError(s.store.SaveRecord(s.ctx, "orders", "1", map[string]string{"primary": "[1]"}, entry(1, map[string]any{"id": float64(1)})))
	s.Require().NoError(s.store.SaveList(s.ctx, "users", "k", types.ListCache{Identifiers: []any{}}, 0))
	s.Require().NoError(s.store.SaveCounter(s.ctx, "users", "c", types.CounterEntry{Count: 1}))

	s.Require().NoError(s.store.Clear(s.ctx, "users"))

	r, err := s.store.LoadRecord(s.ctx, "users", "primary", "[1]")
	s.Require().NoError(err)
	s.Nil(r)
	l, err := s.store.LoadList(s.ctx, "users", "k")
	s.Require().NoError(err)
	s.Nil(l)
	c, err := s.store.LoadCounter(s.ctx, "users", "c")
	s.Require().NoError(err)
	s.Nil(c)

	other, err := s.store.LoadRecord(s.ctx, "orders", "primary", "[1]")
	s.Require().NoError(err)
	s.NotNil(other, "other tables are kept")
}
