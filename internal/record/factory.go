package record

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/tablesync/internal/events"
	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

const localPrefix = "local:"

// rebindEvent is triggered on the DataFactory when the record held under a
// wrapped key changes.
func rebindEvent(key string) string { return "rebind:" + key }

// DataFactory maps identifiers to canonical records. Two identifiers that
// turn out to denote the same remote row are unified onto one Data: the
// record just fetched absorbs the other, and the wrapped handles of the
// absorbed record are told to rebind.
type DataFactory struct {
	events.Emitter

	deps *Deps

	mu          sync.Mutex
	records     map[string]*Data // identifier key -> record
	unpublished map[string]*Data // local id -> record
	holders     map[string]*Data // wrapped key -> record
}

// NewDataFactory creates an empty DataFactory.
func NewDataFactory(deps Deps) *DataFactory {
	deps = deps.withDefaults()
	return &DataFactory{
		deps:        &deps,
		records:     make(map[string]*Data),
		unpublished: make(map[string]*Data),
		holders:     make(map[string]*Data),
	}
}

// Create registers a new locally created record and returns its local id.
func (f *DataFactory) Create() string {
	id := uuid.NewString()
	d := newData(f.deps, nil, id, f.register)
	f.mu.Lock()
	f.unpublished[id] = d
	f.mu.Unlock()
	f.deps.Metrics.Live(f.deps.Spec.Name, "record", 1)
	return id
}

// HasUnpublished reports whether a locally created record is registered.
func (f *DataFactory) HasUnpublished(localID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.unpublished[localID]
	return ok
}

// acquire returns the record for ref and records key as one of its holders.
func (f *DataFactory) acquire(ref Ref, key string) (*Data, error) {
	f.mu.Lock()
	var d *Data
	created := false
	if ref.LocalID != "" {
		d = f.unpublished[ref.LocalID]
		if d == nil {
			f.mu.Unlock()
			return nil, types.MisuseError(types.ErrNotRegistered, "DataFactory.acquire", "local id %s", ref.LocalID)
		}
	} else {
		ik := types.IdentifierKey(ref.Identifier)
		d = f.records[ik]
		if d == nil {
			d = newData(f.deps, ref.Identifier, "", f.register)
			f.records[ik] = d
			created = true
		}
	}
	d.holders[key] = true
	f.holders[key] = d
	f.mu.Unlock()

	if created {
		f.deps.Metrics.Live(f.deps.Spec.Name, "record", 1)
	}
	return d, nil
}

// lookup returns the record currently held under a wrapped key.
func (f *DataFactory) lookup(key string) (*Data, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.holders[key]
	return d, ok
}

// Find returns the live record registered under an identifier.
func (f *DataFactory) Find(identifier map[string]any) (*Data, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.records[types.IdentifierKey(identifier)]
	return d, ok
}

// release drops the hold of a wrapped key. The record is destroyed when no
// wrapped key holds it any longer, whichever identifiers still map to it.
func (f *DataFactory) release(key string) error {
	f.mu.Lock()
	d, ok := f.holders[key]
	if !ok {
		f.mu.Unlock()
		return types.MisuseError(types.ErrNotRegistered, "DataFactory.release", "key %s", key)
	}
	delete(f.holders, key)
	delete(d.holders, key)
	if len(d.holders) > 0 {
		f.mu.Unlock()
		return nil
	}
	f.forgetLocked(d)
	f.mu.Unlock()

	f.deps.Metrics.Live(f.deps.Spec.Name, "record", -1)
	return d.destroy()
}

func (f *DataFactory) forgetLocked(d *Data) {
	for k, r := range f.records {
		if r == d {
			delete(f.records, k)
		}
	}
	for k, r := range f.unpublished {
		if r == d {
			delete(f.unpublished, k)
		}
	}
}

// register maps every identifying key set of d's values to d. A different
// record already registered under one of them is absorbed into d.
func (f *DataFactory) register(d *Data) {
	var ids []string
	for _, idx := range f.deps.Indices.Identifying() {
		d.mu.Lock()
		id, ok := indices.Identifier(idx, d.published)
		d.mu.Unlock()
		if ok {
			ids = append(ids, types.IdentifierKey(id))
		}
	}

	if d.isDestroyed() {
		return
	}
	var absorbed []*Data
	var rebound []string
	f.mu.Lock()
	for _, ik := range ids {
		other, ok := f.records[ik]
		if !ok {
			f.records[ik] = d
			continue
		}
		if other == d {
			continue
		}
		for k, r := range f.records {
			if r == other {
				f.records[k] = d
			}
		}
		for k, r := range f.unpublished {
			if r == other {
				f.unpublished[k] = d
			}
		}
		for k := range other.holders {
			d.holders[k] = true
			f.holders[k] = d
			rebound = append(rebound, k)
		}
		other.holders = make(map[string]bool)
		absorbed = append(absorbed, other)
	}
	f.mu.Unlock()

	for _, other := range absorbed {
		f.deps.Logger.Debug("unified records", "identifier", other.identifier, "into", d.identifier)
		f.deps.Metrics.Live(f.deps.Spec.Name, "record", -1)
		if err := other.destroy(); err != nil {
			f.deps.Logger.Error("destroying unified record", "error", err)
		}
	}
	for _, k := range rebound {
		f.Trigger(rebindEvent(k))
	}
}

// Len returns the number of live records.
func (f *DataFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[*Data]bool)
	for _, d := range f.records {
		seen[d] = true
	}
	for _, d := range f.unpublished {
		seen[d] = true
	}
	return len(seen)
}

// Each calls fn for every live record.
func (f *DataFactory) Each(fn func(*Data)) {
	f.mu.Lock()
	seen := make(map[*Data]bool)
	var all []*Data
	for _, m := range []map[string]*Data{f.records, f.unpublished} {
		for _, d := range m {
			if !seen[d] {
				seen[d] = true
				all = append(all, d)
			}
		}
	}
	f.mu.Unlock()
	for _, d := range all {
		fn(d)
	}
}

// Close destroys every live record.
func (f *DataFactory) Close() error {
	var all []*Data
	f.Each(func(d *Data) { all = append(all, d) })

	f.mu.Lock()
	f.records = make(map[string]*Data)
	f.unpublished = make(map[string]*Data)
	f.holders = make(map[string]*Data)
	f.mu.Unlock()
	f.Clear()

	var first error
	for _, d := range all {
		f.deps.Metrics.Live(f.deps.Spec.Name, "record", -1)
		if err := d.destroy(); err != nil && first == nil {
			first = fmt.Errorf("closing records: %w", err)
		}
	}
	return first
}
