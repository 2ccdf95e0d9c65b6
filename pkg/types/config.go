package types

import "time"

// Config holds backend selection and tuning parameters for a synchronized table.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// JSONL persistence of the sqlite backend.
	SyncStrategy  string `json:"sync_strategy,omitempty" yaml:"sync_strategy,omitempty" mapstructure:"sync_strategy"`
	BatchSize     int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty" mapstructure:"batch_size"`
	BatchInterval int    `json:"batch_interval,omitempty" yaml:"batch_interval,omitempty" mapstructure:"batch_interval"` // seconds

	// Remote read batching.
	QueryBatchMax int           `json:"query_batch_max,omitempty" yaml:"query_batch_max,omitempty" mapstructure:"query_batch_max"`
	QueryWindow   time.Duration `json:"query_window,omitempty" yaml:"query_window,omitempty" mapstructure:"query_window"`
	FlushRate     float64       `json:"flush_rate,omitempty" yaml:"flush_rate,omitempty" mapstructure:"flush_rate"` // batched calls per second, 0 is unlimited

	// Freshness is how long a record held in the memory tier satisfies a
	// fetch without a remote round trip.
	Freshness time.Duration `json:"freshness,omitempty" yaml:"freshness,omitempty" mapstructure:"freshness"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Sync strategies for JSONL persistence.
const (
	SyncImmediate = "immediate"
	SyncOnClose   = "on_close"
	SyncBatch     = "batch"
)

// Defaults applied by the getters below when a field is zero.
const (
	DefaultQueryBatchMax = 30
	DefaultQueryWindow   = time.Millisecond
	DefaultFreshness     = 1000 * time.Millisecond
	DefaultBatchSize     = 10
	DefaultBatchInterval = 5
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
	BackendMemory: true,
}

var knownSyncStrategies = map[string]bool{
	"":            true,
	SyncImmediate: true,
	SyncOnClose:   true,
	SyncBatch:     true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if !knownSyncStrategies[c.SyncStrategy] {
		return ErrSyncStrategyUnknown
	}
	if c.SyncStrategy == SyncBatch {
		if c.BatchSize < 0 {
			return ErrBatchSizeInvalid
		}
		if c.BatchInterval < 0 {
			return ErrBatchIntervalInvalid
		}
	}
	if c.QueryBatchMax < 0 {
		return ErrBatchMaxInvalid
	}
	if c.QueryWindow < 0 || c.Freshness < 0 || c.FlushRate < 0 {
		return ErrWindowInvalid
	}
	return nil
}

// GetSyncStrategy returns the effective sync strategy.
func (c Config) GetSyncStrategy() string {
	if c.SyncStrategy == "" {
		return SyncImmediate
	}
	return c.SyncStrategy
}

// GetBatchSize returns the JSONL batch size, defaulting when unset.
func (c Config) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// GetBatchInterval returns the JSONL batch interval in seconds.
func (c Config) GetBatchInterval() int {
	if c.BatchInterval <= 0 {
		return DefaultBatchInterval
	}
	return c.BatchInterval
}

// GetQueryBatchMax returns how many queries a single batched read carries.
func (c Config) GetQueryBatchMax() int {
	if c.QueryBatchMax <= 0 {
		return DefaultQueryBatchMax
	}
	return c.QueryBatchMax
}

// GetQueryWindow returns the scheduling tick used to coalesce queries.
func (c Config) GetQueryWindow() time.Duration {
	if c.QueryWindow <= 0 {
		return DefaultQueryWindow
	}
	return c.QueryWindow
}

// GetFreshness returns the in-memory freshness window for record fetches.
func (c Config) GetFreshness() time.Duration {
	if c.Freshness <= 0 {
		return DefaultFreshness
	}
	return c.Freshness
}
