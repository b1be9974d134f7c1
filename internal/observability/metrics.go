// Package observability holds the gateway's Prometheus metrics and the
// optional OpenTelemetry bootstrap.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for toolgate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	InFlightRequests      prometheus.Gauge
	ActiveSessions        prometheus.Gauge
	DecisionsTotal        *prometheus.CounterVec
	BundleRebuildsTotal   *prometheus.CounterVec
	BundleRevision        prometheus.Gauge
	GovernanceTransitions *prometheus.CounterVec
}

// NewRegistry creates a registry pre-loaded with the standard process and
// Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		InFlightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "in_flight_requests",
				Help:      "Number of requests currently being served",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "active_sessions",
				Help:      "Number of active aggregated MCP sessions",
			},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "decisions_total",
				Help:      "Total authorization decisions by request class and outcome",
			},
			[]string{"class", "outcome"}, // class=stream-setup/meta-call/tool-call, outcome=allow/deny
		),
		BundleRebuildsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "bundle_rebuilds_total",
				Help:      "Total policy bundle rebuilds by trigger",
			},
			[]string{"trigger"}, // trigger=initial/change/reconcile
		),
		BundleRevision: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "bundle_revision",
				Help:      "Revision of the currently loaded policy bundle",
			},
		),
		GovernanceTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "governance_transitions_total",
				Help:      "Total governance request state transitions",
			},
			[]string{"state"}, // state=pending/approved/denied
		),
	}
}
