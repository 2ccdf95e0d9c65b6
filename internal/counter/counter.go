// Package counter implements the counter entity of a table: the number of
// records matching a filter, and the Manager keeping one counter per
// canonical filter.
package counter

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/tablesync/internal/events"
	"github.com/mesh-intelligence/tablesync/internal/factory"
	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/reader"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Deps are the collaborators of the counters of one table.
type Deps struct {
	Spec    types.TableSpec
	Indices *indices.Indices
	LocalDB *localdb.LocalDB
	Reader  *reader.CounterReader
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

var _ types.Counter = (*Counter)(nil)

// Counter holds the count of the records matching a filter.
type Counter struct {
	events.Emitter

	deps    *Deps
	key     string
	filter  types.Filter
	release func() error
	logger  *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	value     int64
	known     bool
	err       error
	loaded    bool
	fetching  bool
	fetched   bool
	destroyed bool
}

func (c *Counter) Filter() types.Filter { return append(types.Filter(nil), c.filter...) }

// Key returns the canonical key of the counter.
func (c *Counter) Key() string { return c.key }

// Value returns the count and whether one is known.
func (c *Counter) Value() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.known
}

func (c *Counter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Counter) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Counter) Fetching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetching
}

func (c *Counter) Fetched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

// Load reads the cached count. Cache failures are logged, not returned.
func (c *Counter) Load(ctx context.Context) error {
	_, err, _ := c.sf.Do("load", func() (any, error) {
		if c.isDestroyed() {
			return nil, types.MisuseError(types.ErrDestroyed, "Counter.Load", "")
		}
		stored, err := c.deps.LocalDB.LoadCounter(ctx, c.key)
		if err != nil {
			c.logger.Error("loading counter from cache", "error", err)
			return nil, nil
		}
		if stored == nil {
			return nil, nil
		}
		if stored.Count < 0 {
			c.logger.Warn("invalid cached counter", "count", stored.Count)
			return nil, nil
		}

		c.mu.Lock()
		if !c.fetched {
			c.value, c.known = stored.Count, true
		}
		c.loaded = true
		c.mu.Unlock()
		c.Trigger(types.EventChange)
		return nil, nil
	})
	return err
}

// Fetch reads the count from the remote source. Concurrent calls share one
// query.
func (c *Counter) Fetch(ctx context.Context) error {
	_, err, _ := c.sf.Do("fetch", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *Counter) fetch(ctx context.Context) error {
	if c.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, "Counter.Fetch", "")
	}

	c.mu.Lock()
	c.fetching = true
	c.mu.Unlock()
	c.Trigger(types.EventChange)

	n, err := c.deps.Reader.Read(ctx, c.filter)

	c.mu.Lock()
	c.fetching = false
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.Trigger(types.EventChange)
		if types.IsConsistency(err) {
			c.logger.Warn("counter fetch returned inconsistent data", "error", err)
			return nil
		}
		return err
	}
	c.err = nil
	c.fetched = true
	c.value, c.known = n, true
	c.mu.Unlock()

	c.Trigger(types.EventChange)
	c.Trigger(types.EventUpdated)
	return nil
}

// Invalidate signals that the count is stale.
func (c *Counter) Invalidate() { c.Trigger(types.EventInvalidated) }

// Release drops this consumer's hold on the counter.
func (c *Counter) Release() error { return c.release() }

// Destroy is called by the manager when the last consumer releases.
func (c *Counter) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return types.ErrAlreadyDestroyed
	}
	c.destroyed = true
	c.mu.Unlock()
	c.Clear()
	return nil
}

func (c *Counter) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Manager keeps one Counter per canonical filter.
type Manager struct {
	deps     *Deps
	counters *factory.Factory[types.Filter, *Counter]
	logger   *slog.Logger
}

// NewManager creates the counter manager of a table.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:   &deps,
		logger: deps.Logger.With("table", deps.Spec.Name, "component", "counter"),
	}
	m.counters = factory.New[types.Filter, *Counter](m.key, m.build,
		factory.WithOnCreate[types.Filter, *Counter](func(string, *Counter) {
			deps.Metrics.Live(deps.Spec.Name, "counter", 1)
		}),
		factory.WithOnDestroy[types.Filter, *Counter](func(string, *Counter) {
			deps.Metrics.Live(deps.Spec.Name, "counter", -1)
		}))
	return m
}

func (m *Manager) key(filter types.Filter) (string, error) {
	for _, c := range filter {
		if !m.deps.Spec.HasField(c.Field) {
			return "", types.ConfigError(types.ErrUnknownField, "CounterManager.Get",
				"filter field %q on table %q", c.Field, m.deps.Spec.Name)
		}
	}
	if _, err := m.deps.Indices.Select(types.KindCount, filter.FieldNames()); err != nil {
		return "", err
	}
	return filter.Key(), nil
}

func (m *Manager) build(key string, filter types.Filter) (*Counter, error) {
	return &Counter{
		deps:   m.deps,
		key:    key,
		filter: append(types.Filter(nil), filter...),
		logger: m.logger.With("counter", key),
		release: func() error {
			_, err := m.counters.Release(key)
			return err
		},
	}, nil
}

// Get returns the counter for filter and takes a reference on it.
func (m *Manager) Get(filter types.Filter) (*Counter, error) {
	c, _, err := m.counters.Get(filter)
	return c, err
}

// Invalidate signals the counters whose filter uses any of fields, plus
// the unfiltered ones. With no fields every counter is signaled.
func (m *Manager) Invalidate(fields ...string) int {
	touched := make(map[string]bool, len(fields))
	for _, f := range fields {
		touched[f] = true
	}
	n := 0
	m.counters.Each(func(_ string, c *Counter) {
		hit := len(fields) == 0 || len(c.filter) == 0
		for _, f := range c.filter.FieldNames() {
			hit = hit || touched[f]
		}
		if hit {
			c.Invalidate()
			n++
		}
	})
	return n
}

// Len returns the number of live counters.
func (m *Manager) Len() int { return m.counters.Len() }

// Close destroys every counter.
func (m *Manager) Close() error { return m.counters.Drain() }
