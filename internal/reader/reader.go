// Package reader turns record, list and counter reads into queries on the
// batch scheduler and reconciles the responses with the local cache.
package reader

import (
	"context"
	"log/slog"

	"github.com/mesh-intelligence/tablesync/internal/indices"
	"github.com/mesh-intelligence/tablesync/internal/localdb"
	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Executor runs one query and returns its response. *query.Scheduler
// implements it.
type Executor interface {
	Exec(ctx context.Context, q types.Query) (types.Response, error)
}

// Deps are the collaborators shared by the readers of a table.
type Deps struct {
	Table    string
	Indices  *indices.Indices
	LocalDB  *localdb.LocalDB
	Executor Executor
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (d Deps) logger(kind types.Kind) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("table", d.Table, "component", "reader", "kind", string(kind))
}

// RecordResult is the outcome of a record read.
type RecordResult struct {
	Found   bool
	Fields  map[string]any
	Version int64
}

// RecordReader reads single records.
type RecordReader struct {
	d      Deps
	logger *slog.Logger
}

// NewRecordReader creates a record reader.
func NewRecordReader(d Deps) *RecordReader {
	return &RecordReader{d: d, logger: d.logger(types.KindRecord)}
}

// Read fetches the record addressed by identifier. The index is selected
// before anything else, so an identifier no index can serve fails with a
// configuration error without a remote call. A not-found response removes the
// cached entry; a found one is written through the local cache.
func (r *RecordReader) Read(ctx context.Context, identifier map[string]any) (RecordResult, error) {
	const op = "RecordReader.Read"
	idx, err := r.d.Indices.Select(types.KindRecord, fieldNames(identifier))
	if err != nil {
		r.logger.Error("no index for record read", "identifier", identifier, "error", err)
		return RecordResult{}, err
	}

	cached, err := r.d.LocalDB.LoadRecord(ctx, idx.Name, identifier)
	if err != nil {
		r.logger.Error("loading cached record", "identifier", identifier, "error", err)
		cached = nil
	}
	var version int64
	if cached != nil {
		version = cached.Version
	}

	resp, err := r.d.Executor.Exec(ctx, types.NewRecordQuery(types.RecordRequest{
		Index:   idx.Name,
		Fields:  identifier,
		Version: version,
	}))
	if err != nil {
		return RecordResult{}, err
	}

	if !resp.Found() {
		if cached != nil {
			if err := r.d.LocalDB.RemoveRecord(ctx, cached.Fields); err != nil {
				r.logger.Error("removing cached record", "identifier", identifier, "error", err)
			}
		}
		return RecordResult{}, nil
	}

	for field, want := range identifier {
		if got, ok := resp.Fields[field]; ok && types.CanonicalKey(got) != types.CanonicalKey(want) {
			r.d.Metrics.Anomaly(r.d.Table, metrics.AnomalyMalformed)
			r.logger.Warn("response contradicts the requested identifier", "field", field, "requested", want, "received", got)
			return RecordResult{}, types.ConsistencyError(types.ErrMalformedResponse, op,
				"field %q is %v, requested %v", field, got, want)
		}
	}
	if _, ok := r.d.Indices.PrimaryKey(resp.Fields); !ok {
		r.d.Metrics.Anomaly(r.d.Table, metrics.AnomalyMissingPK)
		r.logger.Warn("record response without primary key", "identifier", identifier)
		return RecordResult{}, types.ConsistencyError(types.ErrPrimaryKeyMissing, op, "identifier %v", identifier)
	}

	if err := r.d.LocalDB.SaveRecord(ctx, resp.Fields, resp.Version, version); err != nil {
		r.logger.Error("saving record", "identifier", identifier, "error", err)
	}
	return RecordResult{Found: true, Fields: resp.Fields, Version: resp.Version}, nil
}

// ListReader reads the identifiers matching a filter.
type ListReader struct {
	d      Deps
	logger *slog.Logger
}

// NewListReader creates a list reader.
func NewListReader(d Deps) *ListReader {
	return &ListReader{d: d, logger: d.logger(types.KindList)}
}

// cached returns, for every identifier of the cached list whose record is
// still in the record cache, the version to report keyed by its canonical key.
// That is the version saved with the list, lowered to the record's when the
// record cache holds an older one.
func (r *ListReader) cached(ctx context.Context, key string) map[string]int64 {
	l, err := r.d.LocalDB.LoadList(ctx, key)
	if err != nil {
		r.logger.Error("loading cached list", "list", key, "error", err)
		return nil
	}
	if l == nil {
		return nil
	}

	primary := r.d.Indices.Primary()
	out := make(map[string]int64, len(l.Identifiers))
	for _, pk := range l.Identifiers {
		fields, ok := pkFields(primary, pk)
		if !ok {
			continue
		}
		rec, err := r.d.LocalDB.LoadRecord(ctx, primary.Name, fields)
		if err != nil {
			r.logger.Error("loading cached record of list", "list", key, "pk", pk, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		k := types.CanonicalKey(pk)
		v, ok := l.Versions[k]
		if !ok || rec.Version < v {
			v = rec.Version
		}
		out[k] = v
	}
	return out
}

// Read fetches the identifiers of the list (filter, order).
//
// Each response entry is either a full payload or a bare primary key marked
// up to date. A payload without its primary key is dropped, and a payload
// whose version does not improve on the cached one is logged but accepted.
// A bare key must be among the cached identifiers sent with the request;
// otherwise it is logged and dropped. The resulting list is saved.
func (r *ListReader) Read(ctx context.Context, filter types.Filter, order types.Order) ([]any, error) {
	idx, err := r.d.Indices.Select(types.KindList, filter.FieldNames())
	if err != nil {
		r.logger.Error("no index for list read", "filter", filter, "error", err)
		return nil, err
	}

	key := types.ListKey(filter, order)
	cached := r.cached(ctx, key)
	resp, err := r.d.Executor.Exec(ctx, types.NewListQuery(types.ListRequest{
		Index:  idx.Name,
		Filter: filter,
		Order:  order,
		Cached: cached,
	}))
	if err != nil {
		return nil, err
	}

	ids := make([]any, 0, len(resp.Records))
	versions := make(map[string]int64, len(resp.Records))
	for _, entry := range resp.Records {
		if entry.UpToDate() {
			k := types.CanonicalKey(entry.PK)
			v, ok := cached[k]
			if !ok {
				r.d.Metrics.Anomaly(r.d.Table, metrics.AnomalyCachedAbsent)
				r.logger.Warn("record claimed up to date is not cached", "pk", entry.PK)
				continue
			}
			ids = append(ids, entry.PK)
			versions[k] = v
			continue
		}

		if entry.Data == nil {
			r.d.Metrics.Anomaly(r.d.Table, metrics.AnomalyMalformed)
			r.logger.Warn("list entry carries neither data nor primary key")
			continue
		}
		pk, ok := r.d.Indices.PrimaryKey(entry.Data)
		if !ok {
			r.d.Metrics.Anomaly(r.d.Table, metrics.AnomalyMissingPK)
			r.logger.Warn("list entry without primary key", "data", entry.Data)
			continue
		}
		if err := r.d.LocalDB.SaveRecord(ctx, entry.Data, entry.Version, cached[types.CanonicalKey(pk)]); err != nil {
			r.logger.Error("saving list record", "pk", pk, "error", err)
		}
		ids = append(ids, pk)
		versions[types.CanonicalKey(pk)] = entry.Version
	}

	if err := r.d.LocalDB.SaveList(ctx, key, ids, versions); err != nil {
		r.logger.Error("saving list", "list", key, "error", err)
	}
	return ids, nil
}

// CounterReader reads the number of records matching a filter.
type CounterReader struct {
	d      Deps
	logger *slog.Logger
}

// NewCounterReader creates a counter reader.
func NewCounterReader(d Deps) *CounterReader {
	return &CounterReader{d: d, logger: d.logger(types.KindCount)}
}

// Read fetches the count of records matching filter and caches it.
func (r *CounterReader) Read(ctx context.Context, filter types.Filter) (int64, error) {
	idx, err := r.d.Indices.Select(types.KindCount, filter.FieldNames())
	if err != nil {
		r.logger.Error("no index for count read", "filter", filter, "error", err)
		return 0, err
	}

	resp, err := r.d.Executor.Exec(ctx, types.NewCountQuery(types.CountRequest{
		Index:  idx.Name,
		Filter: filter,
	}))
	if err != nil {
		return 0, err
	}

	count := *resp.Count
	if err := r.d.LocalDB.SaveCounter(ctx, filter.Key(), count); err != nil {
		r.logger.Error("saving counter", "filter", filter, "error", err)
	}
	return count, nil
}

func fieldNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

// pkFields expands a primary key value into the fields of the primary index.
func pkFields(primary types.IndexSpec, pk any) (map[string]any, bool) {
	if len(primary.Fields) == 1 {
		return map[string]any{primary.Fields[0]: pk}, pk != nil
	}
	values, ok := pk.([]any)
	if !ok || len(values) != len(primary.Fields) {
		return nil, false
	}
	fields := make(map[string]any, len(values))
	for i, f := range primary.Fields {
		fields[f] = values[i]
	}
	return fields, true
}
