// Package memstore implements the persistent cache tier in process memory.
// It backs the memory backend and tests; nothing survives Close.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

var _ types.Store = (*Store)(nil)

type partition struct {
	records  map[string]types.RecordEntry
	keys     map[string]map[string]string // index -> key -> pk
	pkKeys   map[string]map[string]string // pk -> index -> key
	lists    map[string]types.ListCache
	listSeq  map[string]uint64
	counters map[string]types.CounterEntry
}

func newPartition() *partition {
	return &partition{
		records:  make(map[string]types.RecordEntry),
		keys:     make(map[string]map[string]string),
		pkKeys:   make(map[string]map[string]string),
		lists:    make(map[string]types.ListCache),
		listSeq:  make(map[string]uint64),
		counters: make(map[string]types.CounterEntry),
	}
}

// Store is an in-memory types.Store.
type Store struct {
	mu     sync.RWMutex
	seq    uint64
	tables map[string]*partition
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*partition)}
}

func (s *Store) partition(table string) *partition {
	p, ok := s.tables[table]
	if !ok {
		p = newPartition()
		s.tables[table] = p
	}
	return p
}

func (p *partition) dropKeys(pk string) {
	for index, key := range p.pkKeys[pk] {
		if p.keys[index][key] == pk {
			delete(p.keys[index], key)
		}
	}
	delete(p.pkKeys, pk)
}

// SaveRecord implements types.Store.
func (s *Store) SaveRecord(_ context.Context, table, pk string, indexKeys map[string]string, e types.RecordEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreDetached
	}

	p := s.partition(table)
	e.Fields = maps.Clone(e.Fields)
	p.records[pk] = e
	p.dropKeys(pk)
	p.pkKeys[pk] = maps.Clone(indexKeys)
	for index, key := range indexKeys {
		if p.keys[index] == nil {
			p.keys[index] = make(map[string]string)
		}
		if prev, ok := p.keys[index][key]; ok && prev != pk {
			delete(p.pkKeys[prev], index)
		}
		p.keys[index][key] = pk
	}
	return nil
}

// LoadRecord implements types.Store.
func (s *Store) LoadRecord(_ context.Context, table, index, key string) (*types.RecordEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreDetached
	}

	p, ok := s.tables[table]
	if !ok {
		return nil, nil
	}
	pk, ok := p.keys[index][key]
	if !ok {
		return nil, nil
	}
	e, ok := p.records[pk]
	if !ok {
		return nil, nil
	}
	e.Fields = maps.Clone(e.Fields)
	return &e, nil
}

// RemoveRecord implements types.Store.
func (s *Store) RemoveRecord(_ context.Context, table, pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreDetached
	}

	if p, ok := s.tables[table]; ok {
		delete(p.records, pk)
		p.dropKeys(pk)
	}
	return nil
}

// SaveList implements types.Store.
func (s *Store) SaveList(_ context.Context, table, key string, l types.ListCache, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreDetached
	}

	p := s.partition(table)
	l.Identifiers = append([]any(nil), l.Identifiers...)
	l.Versions = maps.Clone(l.Versions)
	s.seq++
	p.lists[key] = l
	p.listSeq[key] = s.seq

	for limit > 0 && len(p.lists) > limit {
		oldest, oldestSeq := "", uint64(0)
		for k, seq := range p.listSeq {
			if oldest == "" || seq < oldestSeq {
				oldest, oldestSeq = k, seq
			}
		}
		delete(p.lists, oldest)
		delete(p.listSeq, oldest)
	}
	return nil
}

// LoadList implements types.Store.
func (s *Store) LoadList(_ context.Context, table, key string) (*types.ListCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreDetached
	}

	p, ok := s.tables[table]
	if !ok {
		return nil, nil
	}
	l, ok := p.lists[key]
	if !ok {
		return nil, nil
	}
	l.Identifiers = append([]any(nil), l.Identifiers...)
	l.Versions = maps.Clone(l.Versions)
	return &l, nil
}

// SaveCounter implements types.Store.
func (s *Store) SaveCounter(_ context.Context, table, key string, c types.CounterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreDetached
	}
	s.partition(table).counters[key] = c
	return nil
}

// LoadCounter implements types.Store.
func (s *Store) LoadCounter(_ context.Context, table, key string) (*types.CounterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreDetached
	}

	p, ok := s.tables[table]
	if !ok {
		return nil, nil
	}
	c, ok := p.counters[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Clear implements types.Store.
func (s *Store) Clear(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreDetached
	}
	delete(s.tables, table)
	return nil
}

// Close implements types.Store. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	return nil
}
