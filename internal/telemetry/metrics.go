// Package telemetry provides application-level observability for the audit engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served by
// the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<T360_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit write path: events logged, events dropped by reason, metrics fold errors
//   - Deferred fold job throughput
//   - Report generation duration, expiry sweep deletions
//   - Shipper delivery errors
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Tenant, property and user ids are never used as labels. Categories come from the
// seeded event type taxonomy, which is small and closed.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit write path metrics.
//
// AuditEventsDroppedTotal reasons: "unknown_type", "invalid_context", "write_error".
// A sustained non-zero rate of write_error means feature actions are completing
// without an audit trail.
//
// Example PromQL queries:
//   - Drop ratio:  sum(rate(audit_events_dropped_total[5m])) / (sum(rate(audit_events_logged_total[5m])) + sum(rate(audit_events_dropped_total[5m])))
//   - Taxonomy gaps: increase(audit_events_dropped_total{reason="unknown_type"}[1h]) > 0
var (
	AuditEventsLoggedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_logged_total",
			Help: "Total number of audit events durably written, by category.",
		},
		[]string{"category"},
	)

	AuditEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events that were not written, by reason.",
		},
		[]string{"reason"},
	)

	AuditMetricsFoldErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_metrics_fold_errors_total",
			Help: "Total number of failed operational metrics folds outside the write transaction.",
		},
	)

	AuditEventsFoldedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_folded_total",
			Help: "Total number of audit events folded into daily metrics by the background fold job.",
		},
	)

	AuditShipErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_ship_errors_total",
			Help: "Total number of failed deliveries of committed audit entries, by shipper type.",
		},
		[]string{"shipper"},
	)
)

// Report metrics.
//
// Example PromQL queries:
//   - p95 generation time:  histogram_quantile(0.95, rate(report_generation_duration_seconds_bucket[1h]))
var (
	ReportGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_generation_duration_seconds",
			Help:    "Duration of report generation, by template category.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"category"},
	)

	ReportsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reports_expired_total",
			Help: "Total number of generated reports deleted after their expiry.",
		},
	)
)

// BackgroundPanicsTotal counts panics recovered by safego, by goroutine name.
// Any increase means a background task lost work.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_panics_total",
		Help: "Total number of panics recovered in background goroutines, by goroutine name.",
	},
	[]string{"goroutine"},
)

// DBOpenConnections tracks the number of open connections held by the pool.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}

// CounterValue reads the current value of cv for the series matching labels,
// or 0 when that series has not been created yet.
func CounterValue(cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	ch := make(chan prometheus.Metric)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var value float64
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		if labelsMatch(dm.GetLabel(), labels) {
			value = dm.GetCounter().GetValue()
		}
	}
	return value
}

// PlainCounterValue reads the value of a counter without labels.
func PlainCounterValue(c prometheus.Counter) float64 {
	var dm dto.Metric
	if err := c.Write(&dm); err != nil {
		return 0
	}
	return dm.GetCounter().GetValue()
}

func labelsMatch(got []*dto.LabelPair, want prometheus.Labels) bool {
	for k, v := range want {
		found := false
		for _, lp := range got {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
