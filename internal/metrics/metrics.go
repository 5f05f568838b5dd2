// Package metrics provides Prometheus metrics for the lineage pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lineage"

// Metrics holds all pipeline metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	StageRuns       *prometheus.CounterVec
	StageRecords    *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RecoveryActions *prometheus.CounterVec
	CronHealthy     *prometheus.GaugeVec
	WarehouseBytes  prometheus.Counter
	SearchRequests  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage invocations by result",
		},
		[]string{"stage", "result"}, // "ran", "skipped_unhealthy", "error"
	)

	m.StageRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_records_total",
			Help:      "Records handled by a stage by outcome",
		},
		[]string{"stage", "outcome"}, // "done", "invalid", "transient", "failed", "lost_claim"
	)

	m.StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_record_duration_seconds",
			Help:      "Time spent enriching one record",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"stage"},
	)

	m.RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Stuck-record recovery actions",
		},
		[]string{"kind", "action"},
	)

	m.CronHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cron_healthy",
			Help:      "1 when the stage cron is healthy, 0 when blocked",
		},
		[]string{"stage"},
	)

	m.WarehouseBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warehouse_bytes_read_total",
			Help:      "Bytes read by warehouse queries",
		},
	)

	m.SearchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Account searches by result",
		},
		[]string{"result"}, // "created", "fresh", "re_inquiry", "in_progress", "terminal"
	)

	m.registry.MustRegister(
		m.StageRuns,
		m.StageRecords,
		m.StageDuration,
		m.RecoveryActions,
		m.CronHealthy,
		m.WarehouseBytes,
		m.SearchRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StageRun counts one stage invocation
func (m *Metrics) StageRun(stage, result string) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, result).Inc()
}

// StageRecord counts one record outcome and observes its duration
func (m *Metrics) StageRecord(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRecords.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecoveryAction counts one recovery action
func (m *Metrics) RecoveryAction(kind, action string) {
	if m == nil {
		return
	}
	m.RecoveryActions.WithLabelValues(kind, action).Inc()
}

// SetCronHealthy sets the health gauge of stage
func (m *Metrics) SetCronHealthy(stage string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.CronHealthy.WithLabelValues(stage).Set(v)
}

// AddWarehouseBytes adds bytes read by a warehouse query
func (m *Metrics) AddWarehouseBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.WarehouseBytes.Add(float64(n))
}

// SearchRequest counts one search by result
func (m *Metrics) SearchRequest(result string) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(result).Inc()
}
