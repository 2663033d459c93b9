package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder counts service operations and their latency.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers operation metrics with reg. A nil
// registerer leaves the collectors unregistered.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	rec := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmonitor",
			Name:      "operations_total",
			Help:      "Command surface invocations by operation and status.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cellmonitor",
			Name:      "operation_duration_seconds",
			Help:      "Command surface latency by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"operation"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{rec.operations, rec.durations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := AuditStatusError
	if success {
		status = AuditStatusSuccess
	}
	r.operations.WithLabelValues(operation, string(status)).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// Operations exposes the operation counter for inspection.
func (r *PrometheusMetricsRecorder) Operations() *prometheus.CounterVec {
	return r.operations
}

var (
	sessionsOpenDesc = prometheus.NewDesc(
		"cellmonitor_sessions_open", "Open sessions.", nil, nil)
	sessionCellsDesc = prometheus.NewDesc(
		"cellmonitor_session_cells", "Live cells per session.", []string{"session"}, nil)
	sessionCapacityDesc = prometheus.NewDesc(
		"cellmonitor_session_capacity_wh", "Total capacity per session.", []string{"session"}, nil)
	sessionCurrentDesc = prometheus.NewDesc(
		"cellmonitor_session_current_amperes", "Total current per session.", []string{"session"}, nil)
	sessionTemperatureDesc = prometheus.NewDesc(
		"cellmonitor_session_temperature_celsius", "Average temperature per session.", []string{"session"}, nil)
)

// SessionCollector exposes per-session aggregates computed at scrape time.
type SessionCollector struct {
	sessions *Sessions
}

// NewSessionCollector builds a collector over sessions.
func NewSessionCollector(sessions *Sessions) *SessionCollector {
	return &SessionCollector{sessions: sessions}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsOpenDesc
	ch <- sessionCellsDesc
	ch <- sessionCapacityDesc
	ch <- sessionCurrentDesc
	ch <- sessionTemperatureDesc
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(sessionsOpenDesc, prometheus.GaugeValue, float64(c.sessions.Len()))
	c.sessions.Each(func(id string, svc *Service) {
		sum := svc.Summary()
		ch <- prometheus.MustNewConstMetric(sessionCellsDesc, prometheus.GaugeValue, float64(sum.TotalCells), id)
		ch <- prometheus.MustNewConstMetric(sessionCapacityDesc, prometheus.GaugeValue, sum.TotalCapacity, id)
		ch <- prometheus.MustNewConstMetric(sessionCurrentDesc, prometheus.GaugeValue, sum.TotalCurrent, id)
		ch <- prometheus.MustNewConstMetric(sessionTemperatureDesc, prometheus.GaugeValue, sum.AverageTemperature, id)
	})
}
