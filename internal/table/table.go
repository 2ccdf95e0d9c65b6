// Package table composes the pieces of one synchronized table: the index
// registry, the local cache, the batch scheduler, the readers and the record,
// list and counter managers.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/tablesync/internal/counter"
	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/list"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/query"
	"github.com/mesh-intelligence/tablesync/internal/reader"
	"github.com/mesh-intelligence/tablesync/internal/record"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// expandLimit bounds the record fetches Expand runs at once.
const expandLimit = 8

// Option configures a Table.
type Option func(*options)

type options struct {
	store   types.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithStore sets the persistent tier. The table does not close it.
func WithStore(s types.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger shared by every component of the table.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records table activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the wall clock used for cache timestamps and the
// freshness window.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

var _ types.Table = (*Table)(nil)

// Table is a synchronized table.
type Table struct {
	spec    types.TableSpec
	indices *indices.Indices
	db      *localdb.LocalDB
	sched   *query.Scheduler
	logger  *slog.Logger

	records  *record.Manager
	lists    *list.Manager
	counters *counter.Manager
}

// New validates spec and wires a table. Only the tuning fields of cfg are
// used; backend selection is left to the caller, which passes the store with
// WithStore.
func New(spec types.TableSpec, cfg types.Config, opts ...Option) (*Table, error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if err := spec.Validate(); err != nil {
		o.logger.Error("invalid table spec", "table", spec.Name, "error", err)
		return nil, err
	}
	spec = spec.WithDefaults()

	x := indices.New(spec)
	db := localdb.New(spec, x, o.store,
		localdb.WithLogger(o.logger),
		localdb.WithMetrics(o.metrics),
		localdb.WithClock(o.now))
	sched := query.New(spec.Name, spec.CRUD.Read,
		query.WithMax(cfg.GetQueryBatchMax()),
		query.WithWindow(cfg.GetQueryWindow()),
		query.WithRateLimit(cfg.FlushRate),
		query.WithLogger(o.logger),
		query.WithMetrics(o.metrics))

	rd := reader.Deps{
		Table:    spec.Name,
		Indices:  x,
		LocalDB:  db,
		Executor: sched,
		Logger:   o.logger,
		Metrics:  o.metrics,
	}

	t := &Table{
		spec:    spec,
		indices: x,
		db:      db,
		sched:   sched,
		logger:  o.logger.With("table", spec.Name, "component", "table"),
	}
	t.records = record.NewManager(record.Deps{
		Spec:      spec,
		Indices:   x,
		LocalDB:   db,
		Reader:    reader.NewRecordReader(rd),
		Publish:   spec.CRUD.Publish,
		Delete:    spec.CRUD.Delete,
		Freshness: cfg.GetFreshness(),
		Now:       o.now,
		Logger:    o.logger,
		Metrics:   o.metrics,
	})
	t.lists = list.NewManager(list.Deps{
		Spec:    spec,
		Indices: x,
		LocalDB: db,
		Reader:  reader.NewListReader(rd),
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	t.counters = counter.NewManager(counter.Deps{
		Spec:    spec,
		Indices: x,
		LocalDB: db,
		Reader:  reader.NewCounterReader(rd),
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.spec.Name }

// Spec returns the table spec with defaults applied.
func (t *Table) Spec() types.TableSpec { return t.spec }

// Record returns the handle bound to identifier.
func (t *Table) Record(identifier map[string]any) (types.Record, error) {
	w, err := t.records.Get(identifier)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Create returns a new locally created record.
func (t *Table) Create() types.Record {
	w, err := t.records.Create()
	if err != nil {
		// The local id was registered just before the lookup.
		panic(fmt.Sprintf("table %q: creating local record: %v", t.spec.Name, err))
	}
	return w
}

// Unpublished returns a locally created record by local id.
func (t *Table) Unpublished(localID string) (types.Record, bool) {
	w, ok := t.records.Unpublished(localID)
	if !ok {
		return nil, false
	}
	return w, true
}

// List returns the list of the records matching filter in order.
func (t *Table) List(filter types.Filter, order types.Order) (types.List, error) {
	l, err := t.lists.Get(filter, order)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Counter returns the count of the records matching filter.
func (t *Table) Counter(filter types.Filter) (types.Counter, error) {
	c, err := t.counters.Get(filter)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Expand acquires a handle for every identifier of l and fetches them
// concurrently. On failure every acquired handle is released.
func (t *Table) Expand(ctx context.Context, l types.List) ([]types.Record, error) {
	ids := l.Identifiers()
	out := make([]types.Record, 0, len(ids))
	release := func() {
		for _, r := range out {
			if err := r.Release(); err != nil {
				t.logger.Error("releasing expanded record", "error", err)
			}
		}
	}

	for _, pk := range ids {
		id, ok := t.records.IdentifierOf(pk)
		if !ok {
			release()
			return nil, types.ConsistencyError(types.ErrPrimaryKeyMissing, "Table.Expand", "list identifier %v", pk)
		}
		r, err := t.Record(id)
		if err != nil {
			release()
			return nil, err
		}
		out = append(out, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expandLimit)
	for _, r := range out {
		g.Go(func() error { return r.Fetch(gctx) })
	}
	if err := g.Wait(); err != nil {
		release()
		return nil, err
	}
	return out, nil
}

// InvalidateRecord signals that the record with primary key pk changed.
func (t *Table) InvalidateRecord(pk any) {
	if !t.records.Invalidate(pk) {
		t.logger.Debug("invalidated record is not live", "pk", pk)
	}
}

// InvalidateLists signals the lists and counters a change to fields may
// affect.
func (t *Table) InvalidateLists(fields ...string) {
	n := t.lists.Invalidate(fields...)
	n += t.counters.Invalidate(fields...)
	t.logger.Debug("invalidated lists", "fields", fields, "count", n)
}

// Cached returns the cache entry of the record addressed by identifier, or
// nil when nothing is cached.
func (t *Table) Cached(ctx context.Context, identifier map[string]any) (*types.RecordEntry, error) {
	names := make([]string, 0, len(identifier))
	for name := range identifier {
		names = append(names, name)
	}
	idx, err := t.indices.Select(types.KindRecord, names)
	if err != nil {
		return nil, err
	}
	return t.db.LoadRecord(ctx, idx.Name, identifier)
}

// ClearCache drops every cached entry of the table.
func (t *Table) ClearCache(ctx context.Context) error {
	return t.db.Clear(ctx)
}

// Close destroys every handle and stops the scheduler. Queued reads fail with
// ErrSchedulerClosed.
func (t *Table) Close() error {
	return errors.Join(
		t.records.Close(),
		t.lists.Close(),
		t.counters.Close(),
		t.sched.Close(),
	)
}
