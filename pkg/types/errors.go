package types

import (
	"errors"
	"fmt"
)

// ErrorClass groups errors by how callers are expected to react to them.
type ErrorClass int

const (
	// ClassConfig marks a bad table specification or an unsatisfiable read.
	// Fatal at the call that detects it; never retried.
	ClassConfig ErrorClass = iota
	// ClassTransport marks a failed remote or persistent-store call.
	ClassTransport
	// ClassConsistency marks a malformed response or a version anomaly.
	// These are logged and absorbed, not propagated as failures.
	ClassConsistency
	// ClassMisuse marks a protocol violation by the consumer.
	ClassMisuse
)

// String returns the class name used in logs.
func (c ErrorClass) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassTransport:
		return "transport"
	case ClassConsistency:
		return "consistency"
	case ClassMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Table configuration errors.
var (
	ErrInvalidTableName  = errors.New("invalid table name")
	ErrInvalidFields     = errors.New("invalid fields specification")
	ErrInvalidCRUD       = errors.New("invalid crud specification")
	ErrInvalidVersion    = errors.New("invalid table version")
	ErrInvalidIndices    = errors.New("invalid indices specification")
	ErrNoPrimaryIndex    = errors.New("table must declare exactly one primary index")
	ErrIndexNotFound     = errors.New("index not found")
	ErrNoQualifyingIndex = errors.New("no index qualifies for the request")
	ErrUnknownField      = errors.New("field is not declared on the table")
)

// Config validation errors.
var (
	ErrBackendEmpty         = errors.New("backend must not be empty")
	ErrBackendUnknown       = errors.New("unknown backend")
	ErrSyncStrategyUnknown  = errors.New("unknown sync strategy")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBatchIntervalInvalid = errors.New("batch interval must be positive")
	ErrBatchMaxInvalid      = errors.New("query batch max must be positive")
	ErrWindowInvalid        = errors.New("durations must not be negative")
)

// Batch scheduler errors.
var (
	ErrResponseMissing   = errors.New("query response not received")
	ErrMalformedResponse = errors.New("malformed query response")
	ErrBatchShape        = errors.New("batched read returned a mismatched result set")
	ErrSchedulerClosed   = errors.New("scheduler is closed")
	ErrDuplicateQuery    = errors.New("query id already in flight")
)

// Local cache errors.
var (
	ErrPrimaryKeyMissing  = errors.New("primary key not assigned")
	ErrVersionNotImproved = errors.New("record version is not improved")
	ErrCachedRecordAbsent = errors.New("record claimed up to date is not cached")
	ErrStoreDetached      = errors.New("store is detached")
	ErrAlreadyAttached    = errors.New("store is already attached")
)

// Entity lifecycle errors.
var (
	ErrAlreadyDestroyed  = errors.New("entity already destroyed")
	ErrDestroyed         = errors.New("entity is destroyed")
	ErrNotRegistered     = errors.New("key is not registered in the factory")
	ErrNothingToPublish  = errors.New("record has no unpublished changes")
	ErrAlreadyPublishing = errors.New("record is already being published")
	ErrNotPersisted      = errors.New("record is not persisted")
)

// ClassifiedError attaches an ErrorClass and the failing operation to an error.
type ClassifiedError struct {
	Class ErrorClass
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func classify(class ErrorClass, err error, op, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if format != "" {
		err = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

// ConfigError wraps err as a configuration error.
func ConfigError(err error, op, format string, args ...any) error {
	return classify(ClassConfig, err, op, format, args...)
}

// TransportError wraps err as a transport error.
func TransportError(err error, op, format string, args ...any) error {
	return classify(ClassTransport, err, op, format, args...)
}

// ConsistencyError wraps err as a shape or consistency error.
func ConsistencyError(err error, op, format string, args ...any) error {
	return classify(ClassConsistency, err, op, format, args...)
}

// MisuseError wraps err as a protocol misuse error.
func MisuseError(err error, op, format string, args ...any) error {
	return classify(ClassMisuse, err, op, format, args...)
}

// ClassOf reports the class of err. Unclassified errors are treated as
// transport errors: anything that escaped a remote or store call unlabelled.
func ClassOf(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return ClassTransport, true
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassConfig
}

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassTransport
}

// IsConsistency reports whether err is a shape or consistency error.
func IsConsistency(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassConsistency
}

// IsMisuse reports whether err is a protocol misuse error.
func IsMisuse(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassMisuse
}
