package types

import "fmt"

// Kind discriminates the three read queries.
type Kind string

// Read kinds.
const (
	KindRecord Kind = "record"
	KindList   Kind = "list"
	KindCount  Kind = "count"
)

// RecordRequest asks for one record by identifier. Version is the cached
// version, zero when nothing is cached.
type RecordRequest struct {
	Index   string         `json:"index"`
	Fields  map[string]any `json:"fields"`
	Version int64          `json:"version,omitempty"`
}

// ListRequest asks for the identifiers matching a filter. Cached maps the
// canonical key of each cached primary key (see CanonicalKey) to its cached
// version, letting the remote answer with bare up-to-date markers. The key of
// the string pk "1" is `"1"` and that of the number 1 is `1`.
type ListRequest struct {
	Index  string           `json:"index,omitempty"`
	Filter Filter           `json:"filter"`
	Order  Order            `json:"order,omitempty"`
	Cached map[string]int64 `json:"cached,omitempty"`
}

// CountRequest asks for the number of records matching a filter.
type CountRequest struct {
	Index  string `json:"index,omitempty"`
	Filter Filter `json:"filter"`
}

// Query is a tagged variant over the three read kinds. Exactly the payload
// matching Kind is set.
type Query struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Record *RecordRequest `json:"record,omitempty"`
	List   *ListRequest   `json:"list,omitempty"`
	Count  *CountRequest  `json:"count,omitempty"`
}

// NewRecordQuery builds a record query. The scheduler assigns the id.
func NewRecordQuery(req RecordRequest) Query {
	return Query{Kind: KindRecord, Record: &req}
}

// NewListQuery builds a list query.
func NewListQuery(req ListRequest) Query {
	return Query{Kind: KindList, List: &req}
}

// NewCountQuery builds a counter query.
func NewCountQuery(req CountRequest) Query {
	return Query{Kind: KindCount, Count: &req}
}

// Validate checks that the payload matches the kind.
func (q Query) Validate() error {
	var ok bool
	switch q.Kind {
	case KindRecord:
		ok = q.Record != nil && q.List == nil && q.Count == nil
	case KindList:
		ok = q.List != nil && q.Record == nil && q.Count == nil
	case KindCount:
		ok = q.Count != nil && q.Record == nil && q.List == nil
	default:
		return MisuseError(fmt.Errorf("unknown query kind %q", q.Kind), "Query.Validate", "")
	}
	if !ok {
		return MisuseError(fmt.Errorf("payload does not match kind %q", q.Kind), "Query.Validate", "")
	}
	return nil
}

// ListEntry is one record of a list response: either a full payload
// (Data with Version) or a bare PK marked up to date against the cache.
type ListEntry struct {
	PK      any            `json:"pk,omitempty"`
	Version int64          `json:"version,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// UpToDate reports whether the entry is a bare marker.
func (e ListEntry) UpToDate() bool {
	return e.Data == nil && e.PK != nil
}

// Response is the remote answer to one query, correlated by Request.
//
// Record responses carry Fields and Version; a response with NotFound set or
// without Fields means the record does not exist. List responses carry
// Records, counter responses carry Count.
type Response struct {
	Request  string         `json:"request"`
	NotFound bool           `json:"not_found,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Version  int64          `json:"version,omitempty"`
	Records  []ListEntry    `json:"records"`
	Count    *int64         `json:"count,omitempty"`
}

// Found reports whether a record response carries a record.
func (r Response) Found() bool {
	return !r.NotFound && r.Fields != nil
}

// CheckResponse validates the shape of r against the kind of q.
func (q Query) CheckResponse(r Response) error {
	const op = "Query.CheckResponse"
	switch q.Kind {
	case KindRecord:
		if r.Found() && r.Version <= 0 {
			return ConsistencyError(ErrMalformedResponse, op, "record response %s has no version", r.Request)
		}
	case KindList:
		if r.Records == nil {
			return ConsistencyError(ErrMalformedResponse, op, "list response %s has no records array", r.Request)
		}
	case KindCount:
		if r.Count == nil {
			return ConsistencyError(ErrMalformedResponse, op, "count response %s has no count", r.Request)
		}
	}
	return nil
}
