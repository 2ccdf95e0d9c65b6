package record

import (
	"context"
	"maps"
	"sync"

	"github.com/mesh-intelligence/tablesync/internal/events"
	"github.com/mesh-intelligence/tablesync/internal/factory"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

var _ types.Record = (*Wrapped)(nil)

// Ref addresses a record handle: by identifier, or by local id for a locally
// created record.
type Ref struct {
	Identifier map[string]any
	LocalID    string
}

// forwarded are the record events a Wrapped handle relays to its consumers.
var forwarded = []string{
	types.EventChange,
	types.EventUpdated,
	types.EventInvalidated,
	types.EventPublished,
	types.EventDeleted,
}

// Wrapped is the consumer handle bound to one identifier. It relays the
// events of the canonical record it currently points to and rebinds when the
// DataFactory unifies that record into another.
type Wrapped struct {
	events.Emitter

	key        string
	identifier map[string]any
	localID    string
	data       *DataFactory
	release    func() error

	mu        sync.Mutex
	record    *Data
	listeners map[string]uint64
	rebindID  uint64
	destroyed bool
}

func newWrapped(data *DataFactory, key string, ref Ref, release func() error) (*Wrapped, error) {
	w := &Wrapped{
		key:        key,
		identifier: maps.Clone(ref.Identifier),
		localID:    ref.LocalID,
		data:       data,
		release:    release,
	}
	w.rebindID = data.On(rebindEvent(key), w.rebind)

	d, err := data.acquire(ref, key)
	if err != nil {
		data.Off(rebindEvent(key), w.rebindID)
		return nil, err
	}
	w.mu.Lock()
	w.bindLocked(d)
	w.mu.Unlock()
	return w, nil
}

func (w *Wrapped) bindLocked(d *Data) {
	w.record = d
	w.listeners = make(map[string]uint64, len(forwarded))
	for _, ev := range forwarded {
		w.listeners[ev] = d.On(ev, func() { w.Trigger(ev) })
	}
}

func (w *Wrapped) unbindLocked() {
	if w.record == nil {
		return
	}
	for ev, id := range w.listeners {
		w.record.Off(ev, id)
	}
	w.listeners = nil
}

// rebind points the handle at the record now held under its key.
func (w *Wrapped) rebind() {
	d, ok := w.data.lookup(w.key)
	if !ok {
		return
	}
	w.mu.Lock()
	if w.destroyed || d == w.record {
		w.mu.Unlock()
		return
	}
	w.unbindLocked()
	w.bindLocked(d)
	w.mu.Unlock()

	w.Trigger(types.EventChange)
}

func (w *Wrapped) current() *Data {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record
}

// Key returns the canonical key of the handle.
func (w *Wrapped) Key() string { return w.key }

// Identifier returns the identifier the handle is bound to.
func (w *Wrapped) Identifier() map[string]any { return maps.Clone(w.identifier) }

// LocalID returns the local id of a locally created record.
func (w *Wrapped) LocalID() string { return w.localID }

// Data returns the canonical record the handle points to.
func (w *Wrapped) Data() *Data { return w.current() }

func (w *Wrapped) Fields() map[string]any           { return w.current().Fields() }
func (w *Wrapped) Field(name string) (any, bool)    { return w.current().Field(name) }
func (w *Wrapped) Set(name string, value any) error { return w.current().Set(name, value) }
func (w *Wrapped) Pending() map[string]any          { return w.current().Pending() }
func (w *Wrapped) Version() int64                   { return w.current().Version() }
func (w *Wrapped) Err() error                       { return w.current().Err() }
func (w *Wrapped) Loaded() bool                     { return w.current().Loaded() }
func (w *Wrapped) Fetching() bool                   { return w.current().Fetching() }
func (w *Wrapped) Fetched() bool                    { return w.current().Fetched() }
func (w *Wrapped) Found() bool                      { return w.current().Found() }
func (w *Wrapped) Publishing() bool                 { return w.current().Publishing() }
func (w *Wrapped) Published() bool                  { return w.current().Published() }
func (w *Wrapped) Deleting() bool                   { return w.current().Deleting() }
func (w *Wrapped) Deleted() bool                    { return w.current().Deleted() }
func (w *Wrapped) Landed() bool                     { return w.current().Landed() }
func (w *Wrapped) Invalidate()                      { w.current().Invalidate() }

func (w *Wrapped) Load(ctx context.Context) error    { return w.current().Load(ctx) }
func (w *Wrapped) Fetch(ctx context.Context) error   { return w.current().Fetch(ctx) }
func (w *Wrapped) Publish(ctx context.Context) error { return w.current().Publish(ctx) }
func (w *Wrapped) Delete(ctx context.Context) error  { return w.current().Delete(ctx) }

// Release drops this consumer's hold on the handle.
func (w *Wrapped) Release() error { return w.release() }

// Destroy unbinds the handle and releases its hold on the canonical record.
// It is called by the wrapped factory when the last consumer releases.
func (w *Wrapped) Destroy() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return types.ErrAlreadyDestroyed
	}
	w.destroyed = true
	w.unbindLocked()
	w.mu.Unlock()

	w.data.Off(rebindEvent(w.key), w.rebindID)
	w.Clear()
	return w.data.release(w.key)
}

// Manager hands out record handles. It owns the wrapped factory, which keeps
// one handle per identifier, and the DataFactory behind it.
type Manager struct {
	data    *DataFactory
	wrapped *factory.Factory[Ref, *Wrapped]
}

// NewManager creates the record manager of a table.
func NewManager(deps Deps) *Manager {
	m := &Manager{data: NewDataFactory(deps)}
	m.wrapped = factory.New[Ref, *Wrapped](m.key, m.build)
	return m
}

func (m *Manager) key(ref Ref) (string, error) {
	const op = "Manager.Get"
	if ref.LocalID != "" {
		return localPrefix + ref.LocalID, nil
	}
	if len(ref.Identifier) == 0 {
		return "", types.ConfigError(types.ErrNoQualifyingIndex, op, "empty identifier")
	}
	spec := m.data.deps.Spec
	for name, v := range ref.Identifier {
		if !spec.HasField(name) {
			return "", types.ConfigError(types.ErrUnknownField, op, "field %q on table %q", name, spec.Name)
		}
		if v == nil {
			return "", types.ConfigError(types.ErrNoQualifyingIndex, op, "field %q has no value", name)
		}
	}
	if _, err := m.data.deps.Indices.Select(types.KindRecord, fieldNames(ref.Identifier)); err != nil {
		return "", err
	}
	return types.IdentifierKey(ref.Identifier), nil
}

func (m *Manager) build(key string, ref Ref) (*Wrapped, error) {
	return newWrapped(m.data, key, ref, func() error {
		_, err := m.wrapped.Release(key)
		return err
	})
}

// Get returns the handle bound to identifier and takes a reference on it.
func (m *Manager) Get(identifier map[string]any) (*Wrapped, error) {
	w, _, err := m.wrapped.Get(Ref{Identifier: identifier})
	return w, err
}

// Create returns a handle on a new locally created record.
func (m *Manager) Create() (*Wrapped, error) {
	id := m.data.Create()
	w, _, err := m.wrapped.Get(Ref{LocalID: id})
	return w, err
}

// Unpublished returns a handle on a locally created record by local id.
func (m *Manager) Unpublished(localID string) (*Wrapped, bool) {
	if !m.data.HasUnpublished(localID) {
		return nil, false
	}
	w, _, err := m.wrapped.Get(Ref{LocalID: localID})
	if err != nil {
		return nil, false
	}
	return w, true
}

// IdentifierOf turns a primary key value into a primary identifier. A
// composite key is given as a slice ordered like the primary index fields.
func (m *Manager) IdentifierOf(pk any) (map[string]any, bool) {
	primary := m.data.deps.Indices.Primary()
	id := make(map[string]any, len(primary.Fields))
	if len(primary.Fields) == 1 {
		if pk == nil {
			return nil, false
		}
		id[primary.Fields[0]] = pk
		return id, true
	}
	values, ok := pk.([]any)
	if !ok || len(values) != len(primary.Fields) {
		return nil, false
	}
	for i, f := range primary.Fields {
		id[f] = values[i]
	}
	return id, true
}

// Invalidate marks the live record with the given primary key stale.
func (m *Manager) Invalidate(pk any) bool {
	id, ok := m.IdentifierOf(pk)
	if !ok {
		return false
	}
	d, ok := m.data.Find(id)
	if !ok {
		return false
	}
	d.Invalidate()
	return true
}

// Handles returns the number of live handles.
func (m *Manager) Handles() int { return m.wrapped.Len() }

// Records returns the number of live canonical records.
func (m *Manager) Records() int { return m.data.Len() }

// Close destroys every handle and record.
func (m *Manager) Close() error {
	err := m.wrapped.Drain()
	if cerr := m.data.Close(); err == nil {
		err = cerr
	}
	return err
}
