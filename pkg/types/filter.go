package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpEqual is the operator assumed when a condition leaves it empty.
const OpEqual = "="

// Condition is a single {field, operator, value} filter term.
type Condition struct {
	Field    string `json:"field" yaml:"field" mapstructure:"field"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty" mapstructure:"operator"`
	Value    any    `json:"value" yaml:"value" mapstructure:"value"`
}

// Op returns the condition operator, defaulting to equality.
func (c Condition) Op() string {
	if c.Operator == "" {
		return OpEqual
	}
	return c.Operator
}

// Filter is an ordered set of conditions. Two filters holding the same
// conditions in a different order have the same Key.
type Filter []Condition

// Fields returns the condition values keyed by field. When a field appears
// more than once the last value wins.
func (f Filter) Fields() map[string]any {
	fields := make(map[string]any, len(f))
	for _, c := range f {
		fields[c.Field] = c.Value
	}
	return fields
}

// FieldNames returns the distinct field names used by the filter, sorted.
func (f Filter) FieldNames() []string {
	seen := make(map[string]bool, len(f))
	var names []string
	for _, c := range f {
		if seen[c.Field] {
			continue
		}
		seen[c.Field] = true
		names = append(names, c.Field)
	}
	sort.Strings(names)
	return names
}

// Key returns the canonical key of the filter.
func (f Filter) Key() string {
	terms := make([]string, 0, len(f))
	for _, c := range f {
		terms = append(terms, fmt.Sprintf("%s %s %s", c.Field, c.Op(), CanonicalKey(c.Value)))
	}
	sort.Strings(terms)
	return CanonicalKey(terms)
}

// Merge returns a new filter holding the conditions of f followed by those
// of other.
func (f Filter) Merge(other Filter) Filter {
	out := make(Filter, 0, len(f)+len(other))
	out = append(out, f...)
	return append(out, other...)
}

// OrderField sorts a list by one field.
type OrderField struct {
	Field string `json:"field" yaml:"field" mapstructure:"field"`
	Desc  bool   `json:"desc,omitempty" yaml:"desc,omitempty" mapstructure:"desc"`
}

// Order is the ordering of a list. Unlike Filter its element order matters.
type Order []OrderField

// Key returns the canonical key of the ordering.
func (o Order) Key() string {
	if len(o) == 0 {
		return "[]"
	}
	return CanonicalKey(o)
}

// ListKey is the canonical key of a (filter, order) pair.
func ListKey(f Filter, o Order) string {
	return f.Key() + "|" + o.Key()
}

// CanonicalKey returns a deterministic string for v. Map keys are sorted by
// encoding/json, and integer and float values with the same numeric value
// produce the same key.
func CanonicalKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// IdentifierKey is the canonical key of an identifier (a field/value set).
func IdentifierKey(identifier map[string]any) string {
	return CanonicalKey(identifier)
}
