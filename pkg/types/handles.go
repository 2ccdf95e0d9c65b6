package types

import "context"

// Events emitted by records, lists and counters.
const (
	EventChange      = "change"
	EventUpdated     = "updated"
	EventInvalidated = "invalidated"
	EventPublished   = "published"
	EventDeleted     = "deleted"
)

// Listener is called when an event fires. Listeners run on the goroutine that
// triggered the event and must not block.
type Listener func()

// Emitter lets consumers subscribe to entity events by name.
type Emitter interface {
	// On registers fn and returns an id for Off.
	On(event string, fn Listener) uint64
	// Off removes a listener. It reports whether the listener was registered.
	Off(event string, id uint64) bool
}

// Record is a consumer handle on one record, bound to the identifier it was
// requested by. The canonical record behind the handle may change when the
// identifier turns out to resolve to a record already held under another
// identifier; the handle emits "change" when that happens.
type Record interface {
	Emitter

	Identifier() map[string]any
	// LocalID is set on records created locally with Table.Create.
	LocalID() string
	Fields() map[string]any
	Field(name string) (any, bool)
	// Set stages an unpublished change.
	Set(name string, value any) error
	Pending() map[string]any
	Version() int64
	Err() error

	Loaded() bool
	Fetching() bool
	Fetched() bool
	Found() bool
	Publishing() bool
	Published() bool
	Deleting() bool
	Deleted() bool
	// Landed reports whether the record was loaded or fetched.
	Landed() bool

	Load(ctx context.Context) error
	Fetch(ctx context.Context) error
	Publish(ctx context.Context) error
	Delete(ctx context.Context) error
	Invalidate()

	// Release drops this consumer's hold on the handle.
	Release() error
}

// List is a consumer handle on the identifiers matching a filter.
type List interface {
	Emitter

	Filter() Filter
	Order() Order
	Identifiers() []any
	Err() error

	Loaded() bool
	Fetching() bool
	Fetched() bool

	Load(ctx context.Context) error
	Fetch(ctx context.Context) error
	Invalidate()
	Release() error
}

// Counter is a consumer handle on the count of records matching a filter.
type Counter interface {
	Emitter

	Filter() Filter
	// Value returns the count and whether one is known.
	Value() (int64, bool)
	Err() error

	Loaded() bool
	Fetching() bool
	Fetched() bool

	Load(ctx context.Context) error
	Fetch(ctx context.Context) error
	Invalidate()
	Release() error
}

// Table gives access to the synchronized records, lists and counters of one
// logical table. Every handle returned must be released exactly once.
type Table interface {
	Name() string
	Spec() TableSpec

	Record(identifier map[string]any) (Record, error)
	// Create returns a new locally created record with no identifier.
	Create() Record
	// Unpublished returns a locally created record by its local id.
	Unpublished(localID string) (Record, bool)
	List(filter Filter, order Order) (List, error)
	Counter(filter Filter) (Counter, error)

	// Expand acquires and fetches a record handle for every identifier of
	// the list. The caller releases the returned handles.
	Expand(ctx context.Context, list List) ([]Record, error)

	// InvalidateRecord signals that the record with the given primary key
	// changed remotely.
	InvalidateRecord(pk any)
	// InvalidateLists signals that lists filtering on any of the given
	// fields may be stale. No fields invalidates every list and counter.
	InvalidateLists(fields ...string)

	Close() error
}
