package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterKey(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Filter
		equal bool
	}{
		{
			name:  "condition order does not matter",
			a:     Filter{{Field: "team", Value: "core"}, {Field: "age", Operator: ">", Value: 30}},
			b:     Filter{{Field: "age", Operator: ">", Value: 30}, {Field: "team", Value: "core"}},
			equal: true,
		},
		{
			name:  "empty operator is equality",
			a:     Filter{{Field: "team", Value: "core"}},
			b:     Filter{{Field: "team", Operator: "=", Value: "core"}},
			equal: true,
		},
		{
			name:  "integer and float values are equal",
			a:     Filter{{Field: "age", Value: 30}},
			b:     Filter{{Field: "age", Value: 30.0}},
			equal: true,
		},
		{
			name:  "string and number values differ",
			a:     Filter{{Field: "age", Value: "30"}},
			b:     Filter{{Field: "age", Value: 30}},
			equal: false,
		},
		{
			name:  "operators differ",
			a:     Filter{{Field: "age", Operator: ">", Value: 30}},
			b:     Filter{{Field: "age", Operator: ">=", Value: 30}},
			equal: false,
		},
		{
			name:  "nil and empty filters are equal",
			a:     nil,
			b:     Filter{},
			equal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.equal {
				assert.Equal(t, tt.a.Key(), tt.b.Key())
			} else {
				assert.NotEqual(t, tt.a.Key(), tt.b.Key())
			}
		})
	}
}

func TestListKeyIncludesOrder(t *testing.T) {
	f := Filter{{Field: "team", Value: "core"}}
	asc := Order{{Field: "name"}}
	desc := Order{{Field: "name", Desc: true}}

	assert.NotEqual(t, ListKey(f, asc), ListKey(f, desc))
	assert.NotEqual(t, ListKey(f, nil), ListKey(f, asc))
	assert.Equal(t, ListKey(f, nil), ListKey(f, Order{}))
	assert.NotEqual(t,
		ListKey(nil, Order{{Field: "a"}, {Field: "b"}}),
		ListKey(nil, Order{{Field: "b"}, {Field: "a"}}))
}

func TestFilterFieldNames(t *testing.T) {
	f := Filter{{Field: "team", Value: "a"}, {Field: "age", Value: 1}, {Field: "team", Value: "b"}}
	assert.Equal(t, []string{"age", "team"}, f.FieldNames())
	assert.Equal(t, map[string]any{"team": "b", "age": 1}, f.Fields())
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		same bool
	}{
		{"integer and float", 1, 1.0, true},
		{"int64 and float64", int64(7), float64(7), true},
		{"string pk and number pk", "1", 1, false},
		{"composite keys", []any{"a", 1}, []any{"a", 1.0}, true},
		{"composite order matters", []any{"a", 1}, []any{1, "a"}, false},
		{"map key order", map[string]any{"b": 2, "a": 1}, map[string]any{"a": 1, "b": 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, CanonicalKey(tt.a), CanonicalKey(tt.b))
			} else {
				assert.NotEqual(t, CanonicalKey(tt.a), CanonicalKey(tt.b))
			}
		})
	}
}
