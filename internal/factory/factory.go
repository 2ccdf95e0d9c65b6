// Package factory provides the reference-counted arena that guarantees a single
// live instance per canonical key.
//
// Get derives the key from its arguments, returns the instance already held
// under that key or builds a new one, and increments the key's reference
// count. Release decrements it; the instance is removed from the arena and
// destroyed when the count reaches zero.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Product is an instance owned by a Factory. Destroy must fail with
// types.ErrAlreadyDestroyed when called twice.
type Product interface {
	Destroy() error
}

// KeyFunc derives the canonical key from constructor arguments.
type KeyFunc[A any] func(args A) (string, error)

// BuildFunc constructs the instance for a key that is not in the arena.
type BuildFunc[A any, T Product] func(key string, args A) (T, error)

type entry[T Product] struct {
	instance T
	refs     int
}

// Factory is an arena of reference-counted instances keyed by canonical key.
type Factory[A any, T Product] struct {
	mu    sync.Mutex
	key   KeyFunc[A]
	build BuildFunc[A, T]
	arena map[string]*entry[T]

	onCreate  func(key string, instance T)
	onDestroy func(key string, instance T)
}

// Option configures a Factory.
type Option[A any, T Product] func(*Factory[A, T])

// WithOnCreate registers a hook called after a new instance enters the arena.
func WithOnCreate[A any, T Product](fn func(key string, instance T)) Option[A, T] {
	return func(f *Factory[A, T]) { f.onCreate = fn }
}

// WithOnDestroy registers a hook called after an instance is destroyed.
func WithOnDestroy[A any, T Product](fn func(key string, instance T)) Option[A, T] {
	return func(f *Factory[A, T]) { f.onDestroy = fn }
}

// New creates an empty Factory.
func New[A any, T Product](key KeyFunc[A], build BuildFunc[A, T], opts ...Option[A, T]) *Factory[A, T] {
	f := &Factory[A, T]{
		key:   key,
		build: build,
		arena: make(map[string]*entry[T]),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get returns the instance for args and takes a reference on it.
func (f *Factory[A, T]) Get(args A) (T, string, error) {
	var zero T
	key, err := f.key(args)
	if err != nil {
		return zero, "", err
	}

	f.mu.Lock()
	if e, ok := f.arena[key]; ok {
		e.refs++
		f.mu.Unlock()
		return e.instance, key, nil
	}

	instance, err := f.build(key, args)
	if err != nil {
		f.mu.Unlock()
		return zero, "", err
	}
	f.arena[key] = &entry[T]{instance: instance, refs: 1}
	f.mu.Unlock()

	if f.onCreate != nil {
		f.onCreate(key, instance)
	}
	return instance, key, nil
}

// Release drops one reference on key. It reports whether the instance was
// destroyed. Releasing an unknown key is a misuse error.
func (f *Factory[A, T]) Release(key string) (bool, error) {
	f.mu.Lock()
	e, ok := f.arena[key]
	if !ok {
		f.mu.Unlock()
		return false, types.MisuseError(types.ErrNotRegistered, "Factory.Release", "key %s", key)
	}
	e.refs--
	if e.refs > 0 {
		f.mu.Unlock()
		return false, nil
	}
	delete(f.arena, key)
	f.mu.Unlock()

	// Destroy runs outside the lock: products may call back into the factory.
	if err := e.instance.Destroy(); err != nil {
		return false, types.MisuseError(err, "Factory.Release", "destroy %s", key)
	}
	if f.onDestroy != nil {
		f.onDestroy(key, e.instance)
	}
	return true, nil
}

// Lookup returns the live instance for key without taking a reference.
func (f *Factory[A, T]) Lookup(key string) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.arena[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.instance, true
}

// Has reports whether key holds a live instance.
func (f *Factory[A, T]) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.arena[key]
	return ok
}

// Refs returns the reference count of key, zero when absent.
func (f *Factory[A, T]) Refs(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.arena[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live instances.
func (f *Factory[A, T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arena)
}

// Each calls fn for a snapshot of the live instances, in key order.
func (f *Factory[A, T]) Each(fn func(key string, instance T)) {
	f.mu.Lock()
	keys := make([]string, 0, len(f.arena))
	for k := range f.arena {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	instances := make([]T, len(keys))
	for i, k := range keys {
		instances[i] = f.arena[k].instance
	}
	f.mu.Unlock()

	for i, k := range keys {
		fn(k, instances[i])
	}
}

// Drain destroys every live instance regardless of reference counts. It is
// used when the owning table closes.
func (f *Factory[A, T]) Drain() error {
	f.mu.Lock()
	arena := f.arena
	f.arena = make(map[string]*entry[T])
	f.mu.Unlock()

	var first error
	for key, e := range arena {
		if err := e.instance.Destroy(); err != nil && first == nil {
			first = fmt.Errorf("destroy %s: %w", key, err)
		}
		if f.onDestroy != nil {
			f.onDestroy(key, e.instance)
		}
	}
	return first
}
