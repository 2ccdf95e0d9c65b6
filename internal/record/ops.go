package record

import (
	"context"
	"maps"

	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// fetchIdentifier is the identifier a read is issued with: the requested one,
// or the primary key once a locally created record has one.
func (d *Data) fetchIdentifier() (map[string]any, bool) {
	if d.identifier != nil {
		return d.identifier, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return indices.Identifier(d.deps.Indices.Primary(), d.published)
}

// Load reads the record from the local cache. It never calls the remote
// source. Concurrent calls share one cache read.
func (d *Data) Load(ctx context.Context) error {
	_, err, _ := d.sf.Do("load", func() (any, error) {
		return nil, d.load(ctx)
	})
	return err
}

func (d *Data) load(ctx context.Context) error {
	if d.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, "Record.Load", "")
	}
	id, ok := d.fetchIdentifier()
	if !ok {
		return nil
	}
	idx, err := d.deps.Indices.Select(types.KindRecord, fieldNames(id))
	if err != nil {
		return err
	}
	e, err := d.deps.LocalDB.LoadRecord(ctx, idx.Name, id)
	if err != nil {
		d.deps.Logger.Error("loading record from cache", "identifier", id, "error", err)
		return err
	}
	if e == nil {
		return nil
	}

	d.mu.Lock()
	if !d.fetched {
		d.apply(e.Fields, e.Version)
		d.found = true
	}
	d.loaded = true
	d.mu.Unlock()

	d.Trigger(types.EventChange)
	return nil
}

// Fetch refreshes the record from the remote source through the batch
// scheduler. A record saved to the cache within the freshness window answers
// instead, unless the record was invalidated. Concurrent calls share one
// remote query.
//
// Consistency failures are logged and recorded in Err without being
// returned; transport failures are returned. Either way the prior values are
// kept.
func (d *Data) Fetch(ctx context.Context) error {
	_, err, _ := d.sf.Do("fetch", func() (any, error) {
		return nil, d.fetch(ctx)
	})
	return err
}

func (d *Data) fetch(ctx context.Context) error {
	if d.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, "Record.Fetch", "")
	}
	id, ok := d.fetchIdentifier()
	if !ok {
		return nil
	}
	if d.fresh(ctx, id) {
		return nil
	}

	d.mu.Lock()
	d.fetching = true
	d.mu.Unlock()
	d.Trigger(types.EventChange)

	res, err := d.deps.Reader.Read(ctx, id)

	d.mu.Lock()
	d.fetching = false
	if err != nil {
		d.err = err
		d.mu.Unlock()
		d.Trigger(types.EventChange)
		if types.IsConsistency(err) {
			d.deps.Logger.Warn("record fetch returned inconsistent data", "identifier", id, "error", err)
			return nil
		}
		return err
	}

	d.err = nil
	d.fetched = true
	d.invalidated = false
	d.found = res.Found
	if res.Found {
		d.apply(res.Fields, res.Version)
	} else {
		d.published = maps.Clone(d.identifier)
		if d.published == nil {
			d.published = make(map[string]any)
		}
		d.version = 0
	}
	d.mu.Unlock()

	d.Trigger(types.EventChange)
	d.Trigger(types.EventUpdated)
	if res.Found && d.resolved != nil {
		d.resolved(d)
	}
	return nil
}

// fresh answers a fetch from a recently saved cache entry.
func (d *Data) fresh(ctx context.Context, id map[string]any) bool {
	d.mu.Lock()
	skip := d.invalidated || d.deps.Freshness <= 0
	d.mu.Unlock()
	if skip {
		return false
	}

	idx, err := d.deps.Indices.Select(types.KindRecord, fieldNames(id))
	if err != nil {
		return false
	}
	e, err := d.deps.LocalDB.LoadRecord(ctx, idx.Name, id)
	if err != nil || e == nil {
		return false
	}
	if d.deps.Now().Sub(e.SavedTime) >= d.deps.Freshness {
		return false
	}

	d.mu.Lock()
	d.apply(e.Fields, e.Version)
	d.fetched = true
	d.found = true
	d.mu.Unlock()

	d.Trigger(types.EventChange)
	d.Trigger(types.EventUpdated)
	return true
}

// Publish sends the pending changes, together with the primary key when it
// is known, to the remote publish function. It is rejected when nothing is
// pending or a publish is already in flight.
func (d *Data) Publish(ctx context.Context) error {
	const op = "Record.Publish"
	if d.deps.Publish == nil {
		return types.ConfigError(types.ErrInvalidCRUD, op, "table %q has no publish function", d.deps.Spec.Name)
	}

	d.mu.Lock()
	switch {
	case d.destroyed || d.deleted:
		d.mu.Unlock()
		return types.MisuseError(types.ErrDestroyed, op, "")
	case d.publishing:
		d.mu.Unlock()
		return types.MisuseError(types.ErrAlreadyPublishing, op, "")
	case len(d.pending) == 0:
		d.mu.Unlock()
		return types.MisuseError(types.ErrNothingToPublish, op, "")
	}
	d.publishing = true
	fields := maps.Clone(d.pending)
	for _, f := range d.deps.Indices.Primary().Fields {
		if _, ok := fields[f]; ok {
			continue
		}
		if v, ok := d.published[f]; ok {
			fields[f] = v
		}
	}
	d.mu.Unlock()
	d.Trigger(types.EventChange)

	defer func() {
		d.mu.Lock()
		d.publishing = false
		d.mu.Unlock()
		d.Trigger(types.EventChange)
	}()

	if err := d.deps.Publish(ctx, d.deps.Spec.Name, fields); err != nil {
		d.deps.Logger.Error("publishing record", "fields", fields, "error", err)
		return types.TransportError(err, op, "table %q", d.deps.Spec.Name)
	}

	// A field set again during the publish keeps its newer pending value.
	d.mu.Lock()
	for name, v := range fields {
		d.published[name] = v
		if cur, ok := d.pending[name]; ok && types.CanonicalKey(cur) == types.CanonicalKey(v) {
			delete(d.pending, name)
		}
	}
	d.isPublished = true
	d.invalidated = true
	_, hasPK := d.deps.Indices.PrimaryKey(d.published)
	d.mu.Unlock()

	d.Trigger(types.EventPublished)
	if hasPK && d.resolved != nil {
		d.resolved(d)
	}
	return nil
}

// Delete removes the record remotely by primary key. Deleting a deleted
// record succeeds without a remote call.
func (d *Data) Delete(ctx context.Context) error {
	_, err, _ := d.sf.Do("delete", func() (any, error) {
		return nil, d.delete(ctx)
	})
	return err
}

func (d *Data) delete(ctx context.Context) error {
	const op = "Record.Delete"
	if d.Deleted() {
		return nil
	}
	if d.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, op, "")
	}
	if !d.Persisted() {
		return types.MisuseError(types.ErrNotPersisted, op, "")
	}
	pk, ok := d.primaryKey()
	if !ok {
		return types.MisuseError(types.ErrPrimaryKeyMissing, op, "field %v not assigned", d.deps.Indices.Primary().Fields)
	}
	if d.deps.Delete == nil {
		return types.ConfigError(types.ErrInvalidCRUD, op, "table %q has no delete function", d.deps.Spec.Name)
	}

	d.mu.Lock()
	d.deleting = true
	d.mu.Unlock()
	d.Trigger(types.EventChange)

	if err := d.deps.Delete(ctx, d.deps.Spec.Name, pk); err != nil {
		d.mu.Lock()
		d.deleting = false
		d.mu.Unlock()
		d.Trigger(types.EventChange)
		d.deps.Logger.Error("deleting record", "pk", pk, "error", err)
		return types.TransportError(err, op, "pk %v", pk)
	}

	d.mu.Lock()
	d.deleting = false
	d.deleted = true
	fields := maps.Clone(d.published)
	d.mu.Unlock()

	if err := d.deps.LocalDB.RemoveRecord(ctx, fields); err != nil {
		d.deps.Logger.Error("removing deleted record from cache", "pk", pk, "error", err)
	}
	d.Trigger(types.EventChange)
	d.Trigger(types.EventDeleted)
	return nil
}

func fieldNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}
