package list

import (
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/tablesync/internal/factory"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Args are the constructor arguments of a list.
type Args struct {
	Filter types.Filter
	Order  types.Order
}

// Manager keeps one List per canonical (filter, order) and a registry of the
// live lists by filter field.
type Manager struct {
	deps   *Deps
	lists  *factory.Factory[Args, *List]
	logger *slog.Logger

	mu      sync.Mutex
	byField map[string]map[string]*List // filter field -> list key -> list
	all     map[string]*List
}

// NewManager creates the list manager of a table.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:    &deps,
		logger:  deps.Logger.With("table", deps.Spec.Name, "component", "list"),
		byField: make(map[string]map[string]*List),
		all:     make(map[string]*List),
	}
	m.lists = factory.New[Args, *List](m.key, m.build,
		factory.WithOnCreate[Args, *List](m.created),
		factory.WithOnDestroy[Args, *List](m.destroyed))
	return m
}

// key validates the filter against the table before any list exists, so an
// unservable filter fails with a configuration error and no remote call.
func (m *Manager) key(a Args) (string, error) {
	const op = "ListManager.Get"
	for _, c := range a.Filter {
		if !m.deps.Spec.HasField(c.Field) {
			return "", types.ConfigError(types.ErrUnknownField, op, "filter field %q on table %q", c.Field, m.deps.Spec.Name)
		}
	}
	for _, o := range a.Order {
		if !m.deps.Spec.HasField(o.Field) {
			return "", types.ConfigError(types.ErrUnknownField, op, "order field %q on table %q", o.Field, m.deps.Spec.Name)
		}
	}
	if _, err := m.deps.Indices.Select(types.KindList, a.Filter.FieldNames()); err != nil {
		return "", err
	}
	return types.ListKey(a.Filter, a.Order), nil
}

func (m *Manager) build(key string, a Args) (*List, error) {
	return &List{
		deps:   m.deps,
		key:    key,
		filter: append(types.Filter(nil), a.Filter...),
		order:  append(types.Order(nil), a.Order...),
		logger: m.logger.With("list", key),
		release: func() error {
			_, err := m.lists.Release(key)
			return err
		},
	}, nil
}

func (m *Manager) created(key string, l *List) {
	m.mu.Lock()
	m.all[key] = l
	for _, f := range l.filter.FieldNames() {
		if m.byField[f] == nil {
			m.byField[f] = make(map[string]*List)
		}
		m.byField[f][key] = l
	}
	m.mu.Unlock()
	m.deps.Metrics.Live(m.deps.Spec.Name, "list", 1)
}

func (m *Manager) destroyed(key string, l *List) {
	m.mu.Lock()
	delete(m.all, key)
	for _, f := range l.filter.FieldNames() {
		delete(m.byField[f], key)
		if len(m.byField[f]) == 0 {
			delete(m.byField, f)
		}
	}
	m.mu.Unlock()
	m.deps.Metrics.Live(m.deps.Spec.Name, "list", -1)
}

// Get returns the list for (filter, order) and takes a reference on it.
func (m *Manager) Get(filter types.Filter, order types.Order) (*List, error) {
	l, _, err := m.lists.Get(Args{Filter: filter, Order: order})
	return l, err
}

// Invalidate signals the lists that a change to any of fields may affect:
// those filtering on one of them and those with no filter at all. With no
// fields every list is invalidated. It returns the number of lists signaled.
func (m *Manager) Invalidate(fields ...string) int {
	m.mu.Lock()
	targets := make(map[string]*List)
	for key, l := range m.all {
		if len(fields) == 0 || len(l.filter) == 0 {
			targets[key] = l
		}
	}
	for _, f := range fields {
		for key, l := range m.byField[f] {
			targets[key] = l
		}
	}
	m.mu.Unlock()

	for _, l := range targets {
		l.Invalidate()
	}
	return len(targets)
}

// Len returns the number of live lists.
func (m *Manager) Len() int { return m.lists.Len() }

// Close destroys every list.
func (m *Manager) Close() error { return m.lists.Drain() }
