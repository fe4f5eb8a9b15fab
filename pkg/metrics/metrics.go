// Package metrics exposes migration counters to Prometheus
package metrics

import (
	"net/http"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one migration process
type Metrics struct {
	registry *prometheus.Registry

	recordsTotal  *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() (*Metrics, error) {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates the collectors and registers them on registry
func NewWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmigrate_records_total",
			Help: "Records processed, by entity type and disposition",
		},
		[]string{"model", "status"}, // status: created, skipped, error
	)

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmigrate_batches_total",
			Help: "Batches submitted, by entity type and outcome",
		},
		[]string{"model", "outcome"}, // outcome: ok, partial, failed
	)

	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmigrate_rpc_retries_total",
			Help: "RPC calls retried, by fault kind",
		},
		[]string{"kind"},
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "xmigrate_batch_duration_seconds",
			Help: "Time taken by one batch create",
			// 50ms up to about 7 minutes, past the polling ceiling
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"model"},
	)
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.recordsTotal.Describe(ch)
	m.batchesTotal.Describe(ch)
	m.retriesTotal.Describe(ch)
	m.batchDuration.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.recordsTotal.Collect(ch)
	m.batchesTotal.Collect(ch)
	m.retriesTotal.Collect(ch)
	m.batchDuration.Collect(ch)
}

// ObserveRetry counts one retried RPC call
func (m *Metrics) ObserveRetry(kind string) {
	m.retriesTotal.WithLabelValues(kind).Inc()
}

// ObserveBatch records the outcome of one batch
func (m *Metrics) ObserveBatch(model string, result models.BatchResult, err error, elapsed time.Duration) {
	m.batchDuration.WithLabelValues(model).Observe(elapsed.Seconds())

	m.recordsTotal.WithLabelValues(model, string(models.StatusCreated)).Add(float64(len(result.Created)))
	m.recordsTotal.WithLabelValues(model, string(models.StatusSkipped)).Add(float64(len(result.Skipped)))
	m.recordsTotal.WithLabelValues(model, string(models.StatusError)).Add(float64(len(result.Errors)))

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
	case len(result.Errors) > 0:
		outcome = "partial"
	}
	m.batchesTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveRejected counts records refused before any batch was sent
func (m *Metrics) ObserveRejected(model string, n int) {
	if n > 0 {
		m.recordsTotal.WithLabelValues(model, string(models.StatusError)).Add(float64(n))
	}
}

// Records returns the record counter of model and status
func (m *Metrics) Records(model string, status models.Status) prometheus.Counter {
	return m.recordsTotal.WithLabelValues(model, string(status))
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
