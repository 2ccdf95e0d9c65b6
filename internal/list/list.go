// Package list implements the list entity of a table: the ordered
// identifiers of the records matching a filter, with its loader and fetcher,
// and the Manager that keeps one list per canonical (filter, order) and
// routes realtime invalidations to the lists a change may affect.
package list

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/tablesync/internal/events"
	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/reader"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Deps are the collaborators of the lists of one table.
type Deps struct {
	Spec    types.TableSpec
	Indices *indices.Indices
	LocalDB *localdb.LocalDB
	Reader  *reader.ListReader
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

var _ types.List = (*List)(nil)

// List holds the identifiers matching one (filter, order).
type List struct {
	events.Emitter

	deps    *Deps
	key     string
	filter  types.Filter
	order   types.Order
	release func() error
	logger  *slog.Logger

	sf singleflight.Group

	mu          sync.Mutex
	identifiers []any
	err         error
	loaded      bool
	fetching    bool
	fetched     bool
	destroyed   bool
}

func (l *List) Filter() types.Filter { return append(types.Filter(nil), l.filter...) }
func (l *List) Order() types.Order   { return append(types.Order(nil), l.order...) }

// Key returns the canonical key of the list.
func (l *List) Key() string { return l.key }

// Identifiers returns the primary keys of the matching records, in order.
func (l *List) Identifiers() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.identifiers...)
}

// Err returns the error of the last failed fetch.
func (l *List) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *List) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *List) Fetching() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetching
}

func (l *List) Fetched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetched
}

// Load reads the cached identifiers. Cache failures are logged and leave the
// list unloaded.
func (l *List) Load(ctx context.Context) error {
	_, err, _ := l.sf.Do("load", func() (any, error) {
		return nil, l.load(ctx)
	})
	return err
}

func (l *List) load(ctx context.Context) error {
	if l.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, "List.Load", "")
	}
	stored, err := l.deps.LocalDB.LoadList(ctx, l.key)
	if err != nil {
		l.logger.Error("loading list from cache", "error", err)
		return nil
	}
	if stored == nil {
		return nil
	}

	l.mu.Lock()
	if !l.fetched {
		l.identifiers = stored.Identifiers
	}
	l.loaded = true
	l.mu.Unlock()
	l.Trigger(types.EventChange)
	return nil
}

// Fetch reads the identifiers from the remote source. Concurrent calls share
// one query. On failure the prior identifiers stay visible and Err is set;
// consistency failures are not returned.
func (l *List) Fetch(ctx context.Context) error {
	_, err, _ := l.sf.Do("fetch", func() (any, error) {
		return nil, l.fetch(ctx)
	})
	return err
}

func (l *List) fetch(ctx context.Context) error {
	if l.isDestroyed() {
		return types.MisuseError(types.ErrDestroyed, "List.Fetch", "")
	}

	l.mu.Lock()
	l.fetching = true
	l.mu.Unlock()
	l.Trigger(types.EventChange)

	ids, err := l.deps.Reader.Read(ctx, l.filter, l.order)

	l.mu.Lock()
	l.fetching = false
	if err != nil {
		l.err = err
		l.mu.Unlock()
		l.Trigger(types.EventChange)
		if types.IsConsistency(err) {
			l.logger.Warn("list fetch returned inconsistent data", "error", err)
			return nil
		}
		return err
	}
	l.err = nil
	l.fetched = true
	l.identifiers = ids
	l.mu.Unlock()

	l.Trigger(types.EventChange)
	l.Trigger(types.EventUpdated)
	return nil
}

// Invalidate signals that the list is stale.
func (l *List) Invalidate() {
	l.Trigger(types.EventInvalidated)
}

// Release drops this consumer's hold on the list.
func (l *List) Release() error { return l.release() }

// Destroy is called by the manager when the last consumer releases.
func (l *List) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return types.ErrAlreadyDestroyed
	}
	l.destroyed = true
	l.mu.Unlock()
	l.Clear()
	return nil
}

func (l *List) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}
