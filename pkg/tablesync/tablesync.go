// Package tablesync is the public entry point: it opens synchronized tables
// over a persistent cache store selected by configuration.
//
// Example:
//
//	tbl, err := tablesync.Open(spec, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".tablesync-db",
//	})
//	if err != nil {
//	    return err
//	}
//	defer tbl.Close()
//
//	rec, err := tbl.Record(map[string]any{"id": 42})
package tablesync

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesh-intelligence/tablesync/internal/memstore"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/sqlite"
	"github.com/mesh-intelligence/tablesync/internal/table"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Option configures Open.
type Option func(*options)

type options struct {
	store    types.Store
	logger   *slog.Logger
	registry prometheus.Registerer
	now      func() time.Time
}

// WithStore shares an existing store between tables. The caller closes it.
func WithStore(s types.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger of the table and of the store Open creates.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the table metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewStore creates and attaches the persistent store selected by
// cfg.Backend.
func NewStore(cfg types.Config, logger *slog.Logger) (types.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.ConfigError(err, "tablesync.NewStore", "")
	}
	switch cfg.Backend {
	case types.BackendMemory:
		return memstore.New(), nil
	default:
		b := sqlite.NewBackend(logger)
		if err := b.Attach(cfg); err != nil {
			return nil, types.TransportError(err, "tablesync.NewStore", "attaching sqlite in %q", cfg.DataDir)
		}
		return b, nil
	}
}

// Open validates spec and returns the synchronized table. Without WithStore
// a store is created from cfg and closed with the table. A cfg with no
// backend and no store keeps the cache in memory only.
func Open(spec types.TableSpec, cfg types.Config, opts ...Option) (types.Table, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var m *metrics.Metrics
	var err error
	if o.registry != nil {
		if m, err = metrics.New(o.registry); err != nil {
			return nil, err
		}
	}

	store := o.store
	owned := false
	if store == nil && cfg.Backend != "" {
		store, err = NewStore(cfg, o.logger)
		if err != nil {
			return nil, err
		}
		owned = true
	}

	t, err := table.New(spec, cfg,
		table.WithStore(store),
		table.WithLogger(o.logger),
		table.WithMetrics(m),
		table.WithClock(o.now))
	if err != nil {
		if owned {
			store.Close()
		}
		return nil, err
	}
	if !owned {
		return t, nil
	}
	return &ownedTable{Table: t, store: store}, nil
}

// ownedTable closes the store Open created along with the table.
type ownedTable struct {
	*table.Table
	store types.Store
}

func (t *ownedTable) Close() error {
	return errors.Join(t.Table.Close(), t.store.Close())
}
