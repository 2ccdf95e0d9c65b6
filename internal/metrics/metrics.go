// Package metrics holds the Prometheus collectors shared by the tables of a
// process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tablesync"

// Anomaly kinds reported through Anomaly.
const (
	AnomalyVersionNotImproved = "version_not_improved"
	AnomalyCachedAbsent       = "cached_absent"
	AnomalyMalformed          = "malformed_response"
	AnomalyMissingPK          = "missing_primary_key"
)

// Metrics groups the collectors. Create one per registry with New.
type Metrics struct {
	queries       *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchFailures *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	unresolved    *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	anomalies   *prometheus.CounterVec

	live *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queries_total",
			Help:      "Queries enqueued on the batch scheduler",
		}, []string{"table", "kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batches_total",
			Help:      "Batched read calls issued",
		}, []string{"table"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_failures_total",
			Help:      "Batched read calls that failed as a whole",
		}, []string{"table"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Queries carried by each batched read call",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 50, 100},
		}, []string{"table"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "rejected_queries_total",
			Help:      "Queries rejected individually after a successful batched call",
		}, []string{"table", "reason"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Local cache lookups answered",
		}, []string{"table", "tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Local cache lookups that found nothing",
		}, []string{"table"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Persistent tier operations that failed",
		}, []string{"table", "op"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "anomalies_total",
			Help:      "Consistency anomalies detected during reconciliation",
		}, []string{"table", "kind"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "factory",
			Name:      "live_entities",
			Help:      "Entities currently held by a factory",
		}, []string{"table", "entity"}),
	}

	var err error
	if m.queries, err = register(reg, m.queries); err != nil {
		return nil, err
	}
	if m.batches, err = register(reg, m.batches); err != nil {
		return nil, err
	}
	if m.batchFailures, err = register(reg, m.batchFailures); err != nil {
		return nil, err
	}
	if m.batchSize, err = register(reg, m.batchSize); err != nil {
		return nil, err
	}
	if m.unresolved, err = register(reg, m.unresolved); err != nil {
		return nil, err
	}
	if m.cacheHits, err = register(reg, m.cacheHits); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = register(reg, m.cacheMisses); err != nil {
		return nil, err
	}
	if m.cacheErrors, err = register(reg, m.cacheErrors); err != nil {
		return nil, err
	}
	if m.anomalies, err = register(reg, m.anomalies); err != nil {
		return nil, err
	}
	if m.live, err = register(reg, m.live); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Query counts a query enqueued on the scheduler.
func (m *Metrics) Query(table, kind string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(table, kind).Inc()
}

// Batch records one batched read call of n queries.
func (m *Metrics) Batch(table string, n int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(table).Inc()
	m.batchSize.WithLabelValues(table).Observe(float64(n))
}

// BatchFailed counts a batched read that failed as a whole.
func (m *Metrics) BatchFailed(table string) {
	if m == nil {
		return
	}
	m.batchFailures.WithLabelValues(table).Inc()
}

// Rejected counts a query rejected on its own within a successful batch.
func (m *Metrics) Rejected(table, reason string) {
	if m == nil {
		return
	}
	m.unresolved.WithLabelValues(table, reason).Inc()
}

// CacheHit counts a lookup answered by the given tier.
func (m *Metrics) CacheHit(table, tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(table, tier).Inc()
}

// CacheMiss counts a lookup that found nothing.
func (m *Metrics) CacheMiss(table string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(table).Inc()
}

// CacheError counts a failed persistent tier operation.
func (m *Metrics) CacheError(table, op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(table, op).Inc()
}

// Anomaly counts a consistency anomaly.
func (m *Metrics) Anomaly(table, kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(table, kind).Inc()
}

// Live adjusts the number of live entities of a kind.
func (m *Metrics) Live(table, entity string, delta float64) {
	if m == nil {
		return
	}
	m.live.WithLabelValues(table, entity).Add(delta)
}
