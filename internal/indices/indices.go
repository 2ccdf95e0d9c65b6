// Package indices holds the index registry of a table and the deterministic
// selection of the index that serves a read.
package indices

import (
	"sort"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Indices is the immutable index registry of one table.
type Indices struct {
	table   string
	all     []types.IndexSpec
	primary types.IndexSpec
	byName  map[string]types.IndexSpec
}

// New builds the registry from a validated spec.
func New(spec types.TableSpec) *Indices {
	x := &Indices{
		table:  spec.Name,
		all:    append([]types.IndexSpec(nil), spec.Indices...),
		byName: make(map[string]types.IndexSpec, len(spec.Indices)),
	}
	for _, idx := range x.all {
		x.byName[idx.Name] = idx
		if idx.Primary {
			x.primary = idx
		}
	}
	return x
}

// Primary returns the primary index.
func (x *Indices) Primary() types.IndexSpec { return x.primary }

// Get returns the index declared under name.
func (x *Indices) Get(name string) (types.IndexSpec, bool) {
	idx, ok := x.byName[name]
	return idx, ok
}

// Identifying returns the indices that address a single record: the primary
// first, then the unique indices in declaration order.
func (x *Indices) Identifying() []types.IndexSpec {
	out := []types.IndexSpec{x.primary}
	for _, idx := range x.all {
		if idx.Unique && !idx.Primary {
			out = append(out, idx)
		}
	}
	return out
}

// Select returns the index that serves a read of kind over the given
// condition fields. An index qualifies when every field is among its fields;
// record reads further require an identifying index. With no fields the
// primary index is implied.
//
// Among qualifying indices the one whose field set equals the supplied fields
// wins, then the one with fewest fields, then the primary, then declaration
// order.
func (x *Indices) Select(kind types.Kind, fields []string) (types.IndexSpec, error) {
	if len(fields) == 0 {
		return x.primary, nil
	}

	type candidate struct {
		idx   types.IndexSpec
		exact bool
		order int
	}
	var qualifying []candidate
	for i, idx := range x.all {
		if kind == types.KindRecord && !idx.Primary && !idx.Unique {
			continue
		}
		if !covers(idx.Fields, fields) {
			continue
		}
		qualifying = append(qualifying, candidate{
			idx:   idx,
			exact: len(distinct(idx.Fields)) == len(distinct(fields)),
			order: i,
		})
	}
	if len(qualifying) == 0 {
		return types.IndexSpec{}, types.ConfigError(types.ErrNoQualifyingIndex, "Indices.Select",
			"table %q, %s read on fields %v", x.table, kind, fields)
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		a, b := qualifying[i], qualifying[j]
		if a.exact != b.exact {
			return a.exact
		}
		if len(a.idx.Fields) != len(b.idx.Fields) {
			return len(a.idx.Fields) < len(b.idx.Fields)
		}
		if a.idx.Primary != b.idx.Primary {
			return a.idx.Primary
		}
		return a.order < b.order
	})
	return qualifying[0].idx, nil
}

// Key returns the canonical key of values under idx. It reports false when
// one of the index fields has no value.
func Key(idx types.IndexSpec, values map[string]any) (string, bool) {
	ordered := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		v, ok := values[f]
		if !ok || v == nil {
			return "", false
		}
		ordered[i] = v
	}
	return types.CanonicalKey(ordered), true
}

// Keys returns the canonical key of values under every identifying index for
// which all fields are set, keyed by index name.
func (x *Indices) Keys(values map[string]any) map[string]string {
	keys := make(map[string]string)
	for _, idx := range x.Identifying() {
		if k, ok := Key(idx, values); ok {
			keys[idx.Name] = k
		}
	}
	return keys
}

// Identifier extracts the fields of idx from values. It reports false when
// one of them is missing.
func Identifier(idx types.IndexSpec, values map[string]any) (map[string]any, bool) {
	id := make(map[string]any, len(idx.Fields))
	for _, f := range idx.Fields {
		v, ok := values[f]
		if !ok || v == nil {
			return nil, false
		}
		id[f] = v
	}
	return id, true
}

// PrimaryKey returns the primary key value held in values. Composite primary
// indices yield the ordered slice of their values.
func (x *Indices) PrimaryKey(values map[string]any) (any, bool) {
	if len(x.primary.Fields) == 1 {
		v, ok := values[x.primary.Fields[0]]
		return v, ok && v != nil
	}
	ordered := make([]any, len(x.primary.Fields))
	for i, f := range x.primary.Fields {
		v, ok := values[f]
		if !ok || v == nil {
			return nil, false
		}
		ordered[i] = v
	}
	return ordered, true
}

func covers(index, fields []string) bool {
	have := make(map[string]bool, len(index))
	for _, f := range index {
		have[f] = true
	}
	for _, f := range fields {
		if !have[f] {
			return false
		}
	}
	return true
}

func distinct(fields []string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}
