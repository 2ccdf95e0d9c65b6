package types

import (
	"context"
	"fmt"
)

// DefaultCacheLimit is the number of lists the persistent tier keeps per table
// when the table spec does not set one.
const DefaultCacheLimit = 30

// CacheSpec is the table's cache policy. Only the in-memory tier is used when
// Enabled is false.
type CacheSpec struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Limit   int  `json:"limit,omitempty" yaml:"limit,omitempty" mapstructure:"limit"`
}

// IndexSpec declares a named, ordered field list. Exactly one index per table
// is primary. Unique indices identify a single record and act as alternate
// identifiers.
type IndexSpec struct {
	Name    string   `json:"name" yaml:"name" mapstructure:"name"`
	Fields  []string `json:"fields" yaml:"fields" mapstructure:"fields"`
	Primary bool     `json:"primary,omitempty" yaml:"primary,omitempty" mapstructure:"primary"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty" mapstructure:"unique"`
}

// ReadFunc is the externally supplied batched read. It must return an error
// for the whole call on transport failure rather than partial data.
type ReadFunc func(ctx context.Context, table string, queries []Query) ([]Response, error)

// PublishFunc sends the changed fields of a record to the remote source.
type PublishFunc func(ctx context.Context, table string, fields map[string]any) error

// DeleteFunc removes the record with the given primary key value.
type DeleteFunc func(ctx context.Context, table string, pk any) error

// CRUD is the function set a table uses to reach the remote source.
type CRUD struct {
	Read    ReadFunc    `json:"-" yaml:"-" mapstructure:"-"`
	Publish PublishFunc `json:"-" yaml:"-" mapstructure:"-"`
	Delete  DeleteFunc  `json:"-" yaml:"-" mapstructure:"-"`
}

// TableSpec is the configuration of one logical table.
type TableSpec struct {
	Name    string      `json:"name" yaml:"name" mapstructure:"name"`
	Version int         `json:"version,omitempty" yaml:"version,omitempty" mapstructure:"version"`
	Fields  []string    `json:"fields" yaml:"fields" mapstructure:"fields"`
	Indices []IndexSpec `json:"indices" yaml:"indices" mapstructure:"indices"`
	Cache   CacheSpec   `json:"cache" yaml:"cache" mapstructure:"cache"`
	CRUD    CRUD        `json:"-" yaml:"-" mapstructure:"-"`
}

// Validate checks the table spec and returns a configuration error describing the
// first problem found.
func (s TableSpec) Validate() error {
	const op = "TableSpec.Validate"
	if s.Name == "" {
		return ConfigError(ErrInvalidTableName, op, "")
	}
	if s.CRUD.Read == nil {
		return ConfigError(ErrInvalidCRUD, op, "table %q has no read function", s.Name)
	}
	if len(s.Fields) == 0 {
		return ConfigError(ErrInvalidFields, op, "table %q", s.Name)
	}
	if s.Version < 0 {
		return ConfigError(ErrInvalidVersion, op, "table %q", s.Name)
	}

	declared := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f == "" || declared[f] {
			return ConfigError(ErrInvalidFields, op, "table %q has an empty or repeated field %q", s.Name, f)
		}
		declared[f] = true
	}

	primaries := 0
	names := make(map[string]bool, len(s.Indices))
	for _, idx := range s.Indices {
		if idx.Name == "" || names[idx.Name] {
			return ConfigError(ErrInvalidIndices, op, "table %q has an unnamed or repeated index %q", s.Name, idx.Name)
		}
		names[idx.Name] = true
		if len(idx.Fields) == 0 {
			return ConfigError(ErrInvalidIndices, op, "index %q of table %q has no fields", idx.Name, s.Name)
		}
		for _, f := range idx.Fields {
			if !declared[f] {
				return ConfigError(ErrUnknownField, op, "index %q of table %q uses field %q", idx.Name, s.Name, f)
			}
		}
		if idx.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return ConfigError(ErrNoPrimaryIndex, op, "table %q declares %d", s.Name, primaries)
	}
	return nil
}

// WithDefaults returns a copy of the table spec with omitted settings filled in.
func (s TableSpec) WithDefaults() TableSpec {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Cache.Limit <= 0 {
		s.Cache.Limit = DefaultCacheLimit
	}
	s.Fields = append([]string(nil), s.Fields...)
	s.Indices = append([]IndexSpec(nil), s.Indices...)
	return s
}

// HasField reports whether name is a declared field.
func (s TableSpec) HasField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Primary returns the primary index. Call only on a validated spec.
func (s TableSpec) Primary() IndexSpec {
	for _, idx := range s.Indices {
		if idx.Primary {
			return idx
		}
	}
	panic(fmt.Sprintf("table %q has no primary index", s.Name))
}

// PrimaryField returns the first field of the primary index.
func (s TableSpec) PrimaryField() string {
	return s.Primary().Fields[0]
}
