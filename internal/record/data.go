// Package record implements the record entity of a table: the canonical Data
// instance with its load, fetch, publish and delete state machines, the
// DataFactory that unifies identifiers resolving to the same record, and the
// Wrapped handles consumers hold.
package record

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/tablesync/internal/events"
	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/reader"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Deps are the collaborators of the records of one table.
type Deps struct {
	Spec    types.TableSpec
	Indices *indices.Indices
	LocalDB *localdb.LocalDB
	Reader  *reader.RecordReader
	Publish types.PublishFunc
	Delete  types.DeleteFunc

	// Freshness is how long a cached record answers a fetch without a
	// remote call. Zero disables the snapshot.
	Freshness time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("table", d.Spec.Name, "component", "record")
	return d
}

// Data is the canonical instance of one record. Exactly one Data lives per
// remote row; every identifier resolving to that row shares it.
type Data struct {
	events.Emitter

	deps       *Deps
	identifier map[string]any
	localID    string
	resolved   func(*Data)

	sf singleflight.Group

	mu          sync.Mutex
	published   map[string]any
	pending     map[string]any
	version     int64
	err         error
	loaded      bool
	fetching    bool
	fetched     bool
	found       bool
	publishing  bool
	isPublished bool
	deleting    bool
	deleted     bool
	invalidated bool
	destroyed   bool

	// holders are the wrapped keys holding this record; guarded by the
	// DataFactory lock.
	holders map[string]bool
}

func newData(deps *Deps, identifier map[string]any, localID string, resolved func(*Data)) *Data {
	d := &Data{
		deps:       deps,
		identifier: maps.Clone(identifier),
		localID:    localID,
		resolved:   resolved,
		published:  make(map[string]any),
		pending:    make(map[string]any),
		holders:    make(map[string]bool),
	}
	// Identifier values are known before anything is loaded.
	maps.Copy(d.published, identifier)
	return d
}

// Identifier returns the identifier the record was first requested by, nil
// for a locally created record.
func (d *Data) Identifier() map[string]any { return maps.Clone(d.identifier) }

// LocalID returns the local id of a locally created record.
func (d *Data) LocalID() string { return d.localID }

// Fields returns the published values overlaid with the pending ones.
func (d *Data) Fields() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := maps.Clone(d.published)
	maps.Copy(out, d.pending)
	return out
}

// Field returns the current value of one field.
func (d *Data) Field(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.pending[name]; ok {
		return v, true
	}
	v, ok := d.published[name]
	return v, ok
}

// Pending returns the unpublished changes.
func (d *Data) Pending() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.pending)
}

// Set stages an unpublished change. Setting a field back to its published
// value drops the pending change, except while a publish is in flight, when
// the published values are about to move.
func (d *Data) Set(name string, value any) error {
	const op = "Record.Set"
	if !d.deps.Spec.HasField(name) {
		return types.ConfigError(types.ErrUnknownField, op, "field %q on table %q", name, d.deps.Spec.Name)
	}

	d.mu.Lock()
	if d.destroyed || d.deleted {
		d.mu.Unlock()
		return types.MisuseError(types.ErrDestroyed, op, "")
	}
	if cur, ok := d.published[name]; ok && !d.publishing && types.CanonicalKey(cur) == types.CanonicalKey(value) {
		delete(d.pending, name)
	} else {
		d.pending[name] = value
	}
	d.mu.Unlock()

	d.Trigger(types.EventChange)
	return nil
}

// Version returns the version of the published values, zero when unknown.
func (d *Data) Version() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Err returns the error of the last failed fetch, cleared by a successful one.
func (d *Data) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Data) flag(f *bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *f
}

func (d *Data) Loaded() bool     { return d.flag(&d.loaded) }
func (d *Data) Fetching() bool   { return d.flag(&d.fetching) }
func (d *Data) Fetched() bool    { return d.flag(&d.fetched) }
func (d *Data) Found() bool      { return d.flag(&d.found) }
func (d *Data) Publishing() bool { return d.flag(&d.publishing) }
func (d *Data) Published() bool  { return d.flag(&d.isPublished) }
func (d *Data) Deleting() bool   { return d.flag(&d.deleting) }
func (d *Data) Deleted() bool    { return d.flag(&d.deleted) }

// Landed reports whether the record was loaded or fetched.
func (d *Data) Landed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded || d.fetched
}

// Persisted reports whether the record exists remotely as far as this
// process knows: it was requested by an identifier or its primary key is
// assigned.
func (d *Data) Persisted() bool {
	if d.identifier != nil {
		return true
	}
	_, ok := d.primaryKey()
	return ok
}

func (d *Data) primaryKey() (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deps.Indices.PrimaryKey(d.published)
}

// Invalidate marks the record stale: the next fetch goes to the remote
// source.
func (d *Data) Invalidate() {
	d.mu.Lock()
	d.invalidated = true
	d.mu.Unlock()
	d.Trigger(types.EventInvalidated)
}

// apply overwrites the published values with fields received from the cache
// or the remote source. Undeclared fields are skipped. Called with d.mu held.
func (d *Data) apply(fields map[string]any, version int64) {
	for name, v := range fields {
		if !d.deps.Spec.HasField(name) {
			d.deps.Logger.Warn("received field is not declared on the table", "field", name)
			continue
		}
		d.published[name] = v
	}
	d.version = version
}

// destroy releases the record. It fails when called twice.
func (d *Data) destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return types.MisuseError(types.ErrAlreadyDestroyed, "Record.destroy", "")
	}
	d.destroyed = true
	d.mu.Unlock()
	d.Clear()
	return nil
}

func (d *Data) isDestroyed() bool { return d.flag(&d.destroyed) }
