// Package exporter owns the Prometheus gauge registry and the pull
// endpoint. Every Exporter instance has its own registry, so repeated
// construction (tests included) never collides on metric names.
package exporter

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Default metric names.
const (
	MetricConnectionStatus = "dbprom_connection_status"
	MetricQueryTimeout     = "dbprom_query_timeout"
	MetricQueryDuration    = "dbprom_query_duration_seconds"
	MetricQueryLastSuccess = "dbprom_query_last_success_timestamp"
	MetricQueryRowsDropped = "dbprom_query_rows_dropped"
)

// Exporter holds named gauges in a process-local registry and exposes them
// over HTTP text exposition. Safe for concurrent use by multiple scheduler
// loops.
type Exporter struct {
	mu       sync.RWMutex
	registry *prometheus.Registry
	gauges   map[string]*prometheus.GaugeVec
	log      logrus.FieldLogger
}

// New creates an Exporter with an isolated registry and the default
// query-level series pre-initialized to zero for every configured query, so
// the series exist before the first successful run.
func New(log logrus.FieldLogger, connLabelKeys []string, queryNames []string) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
		log:      log,
	}
	e.registry.MustRegister(collectors.NewGoCollector())
	e.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e.CreateGauge(MetricConnectionStatus,
		"Whether the database is reachable (1 = reachable, 0 = unreachable)",
		connLabelKeys)
	e.CreateGauge(MetricQueryTimeout,
		"Whether the last execution of a query timed out (1 = timeout)",
		[]string{"query"})
	e.CreateGauge(MetricQueryDuration,
		"Duration of the last execution of a query in seconds",
		[]string{"query"})
	e.CreateGauge(MetricQueryLastSuccess,
		"Unix timestamp of the last successful execution of a query",
		[]string{"query"})
	e.CreateGauge(MetricQueryRowsDropped,
		"Rows discarded during the last execution of a query due to backpressure",
		[]string{"query"})

	for _, q := range queryNames {
		labels := map[string]string{"query": q}
		e.SetGauge(MetricQueryTimeout, 0, labels)
		e.SetGauge(MetricQueryDuration, 0, labels)
		e.SetGauge(MetricQueryLastSuccess, 0, labels)
		e.SetGauge(MetricQueryRowsDropped, 0, labels)
	}

	return e
}

// CreateGauge registers a new gauge. Registration is idempotent: a second
// registration under the same name logs a warning and keeps the existing
// handle, whatever its label keys.
func (e *Exporter) CreateGauge(name, desc string, labelKeys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.gauges[name]; ok {
		e.log.WithField("gauge", name).Warn("gauge already exists, reusing")
		return
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: desc,
	}, labelKeys)

	if err := e.registry.Register(vec); err != nil {
		e.log.WithField("gauge", name).WithError(err).Error("failed to register gauge")
		return
	}
	e.gauges[name] = vec
	e.log.WithField("gauge", name).Debug("gauge created")
}

// SetGauge updates a gauge by name and exact label set. Unknown names and
// label mismatches are reported as errors, never fatal to the process.
func (e *Exporter) SetGauge(name string, value float64, labels map[string]string) {
	e.mu.RLock()
	vec, ok := e.gauges[name]
	e.mu.RUnlock()

	if !ok {
		e.log.WithField("gauge", name).Error("set on unknown gauge")
		return
	}

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		e.log.WithField("gauge", name).WithError(err).Error("failed to resolve gauge labels")
		return
	}
	g.Set(value)
	e.log.WithFields(logrus.Fields{"gauge": name, "value": value}).Debug("gauge updated")
}

// RecordQueryDuration records execution time for a query, success or not.
func (e *Exporter) RecordQueryDuration(query string, d time.Duration) {
	e.SetGauge(MetricQueryDuration, d.Seconds(), map[string]string{"query": query})
}

// RecordQuerySuccess updates the last-success timestamp for a query and
// clears its timeout flag.
func (e *Exporter) RecordQuerySuccess(query string) {
	labels := map[string]string{"query": query}
	e.SetGauge(MetricQueryLastSuccess, float64(time.Now().Unix()), labels)
	e.SetGauge(MetricQueryTimeout, 0, labels)
}

// RecordQueryTimeout flags a query execution as timed out.
func (e *Exporter) RecordQueryTimeout(query string) {
	e.SetGauge(MetricQueryTimeout, 1, map[string]string{"query": query})
}

// RecordRowsDropped publishes the backpressure discard count for a query.
func (e *Exporter) RecordRowsDropped(query string, n int64) {
	e.SetGauge(MetricQueryRowsDropped, float64(n), map[string]string{"query": query})
}

// SetConnectionStatus publishes database reachability under the full
// connection label set.
func (e *Exporter) SetConnectionStatus(up bool, connLabels map[string]string) {
	v := 0.0
	if up {
		v = 1.0
	}
	e.SetGauge(MetricConnectionStatus, v, connLabels)
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the HTTP handler serving this instance's metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Server builds the exposition HTTP server bound to host:port with /metrics
// wired to this exporter.
func (e *Exporter) Server(host string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
