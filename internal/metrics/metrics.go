// Package metrics exposes Prometheus metrics for the lock manager, the batched
// write path and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	bucketStart1ms = 0.001
	bucketStart1KB = 1024.0
	bucketFactor2  = 2
	bucketCount15  = 15
	bucketCount12  = 12
)

// Metrics satisfies store.Observer.
type Metrics struct {
	lockOutcomesTotal *prometheus.CounterVec

	batchFlushesTotal   *prometheus.CounterVec
	batchRows           *prometheus.HistogramVec
	batchStatementBytes *prometheus.HistogramVec
	batchFlushDuration  *prometheus.HistogramVec

	txTotal    *prometheus.CounterVec
	txDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	collectors []prometheus.Collector
}

func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.init()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init() {
	m.lockOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cora_lock_operations_total",
			Help: "Lock operations by entity type and outcome",
		},
		[]string{"entity_type", "outcome"}, // outcome: acquired, conflict, released
	)

	m.batchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cora_batch_flushes_total",
			Help: "Statements emitted by the batched write accumulators",
		},
		[]string{"batch", "status"},
	)
	m.batchRows = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cora_batch_rows",
			Help:    "Rows carried by one batched statement",
			Buckets: prometheus.ExponentialBuckets(1, bucketFactor2, bucketCount15),
		},
		[]string{"batch"},
	)
	m.batchStatementBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cora_batch_statement_bytes",
			Help:    "Estimated size of one batched statement including parameters",
			Buckets: prometheus.ExponentialBuckets(bucketStart1KB, bucketFactor2, bucketCount12),
		},
		[]string{"batch"},
	)
	m.batchFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cora_batch_flush_duration_seconds",
			Help:    "Time taken to execute one batched statement",
			Buckets: prometheus.ExponentialBuckets(bucketStart1ms, bucketFactor2, bucketCount15),
		},
		[]string{"batch"},
	)

	m.txTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cora_transactions_total",
			Help: "Store transactions by operation and result",
		},
		[]string{"operation", "status"}, // status: committed, rollback
	)
	m.txDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cora_transaction_duration_seconds",
			Help:    "Time taken by store transactions",
			Buckets: prometheus.ExponentialBuckets(bucketStart1ms, bucketFactor2, bucketCount15),
		},
		[]string{"operation"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cora_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cora_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.ExponentialBuckets(bucketStart1ms, bucketFactor2, bucketCount15),
		},
		[]string{"route"},
	)

	m.collectors = []prometheus.Collector{
		m.lockOutcomesTotal,
		m.batchFlushesTotal,
		m.batchRows,
		m.batchStatementBytes,
		m.batchFlushDuration,
		m.txTotal,
		m.txDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *Metrics) ObserveLock(entityType, outcome string) {
	m.lockOutcomesTotal.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) ObserveFlush(label string, rows, statementBytes int, elapsed time.Duration, err error) {
	m.batchFlushesTotal.WithLabelValues(label, status(err, "ok", "error")).Inc()
	if err != nil {
		return
	}
	m.batchRows.WithLabelValues(label).Observe(float64(rows))
	m.batchStatementBytes.WithLabelValues(label).Observe(float64(statementBytes))
	m.batchFlushDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTx(operation string, elapsed time.Duration, err error) {
	m.txTotal.WithLabelValues(operation, status(err, "committed", "rollback")).Inc()
	m.txDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func status(err error, ok, failed string) string {
	if err == nil {
		return ok
	}
	return failed
}
