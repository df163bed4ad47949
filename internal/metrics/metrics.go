package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Flow metrics
	FlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_flows_total",
			Help: "Total number of intercepted flows by kind",
		},
		[]string{"kind"},
	)

	FlowBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tap_flow_bytes_total",
			Help: "Total bytes of captured flow bodies",
		},
	)

	// Decode and parse metrics
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_decode_errors_total",
			Help: "Total number of bodies that failed to decode",
		},
		[]string{"encoding"},
	)

	ParseDiagnostics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_parse_diagnostics_total",
			Help: "Total number of normalizer diagnostics",
		},
		[]string{"reason"},
	)

	// Routing metrics
	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_events_routed_total",
			Help: "Total number of canonical events routed by handler",
		},
		[]string{"handler"},
	)

	EventsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_events_filtered_total",
			Help: "Total number of events a handler declined to persist",
		},
		[]string{"handler"},
	)

	// Sink metrics
	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_sink_writes_total",
			Help: "Total number of sink writes by sink and status",
		},
		[]string{"sink", "status"},
	)

	SinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tap_sink_write_duration_seconds",
			Help:    "Duration of sink writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	DLQPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_dlq_publishes_total",
			Help: "Total number of failed writes published to the dead-letter queue",
		},
		[]string{"status"},
	)

	// Access control metrics
	AuthRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tap_auth_rejections_total",
			Help: "Total number of requests rejected for missing or invalid credentials",
		},
	)

	URLFilterRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tap_url_filter_rejections_total",
			Help: "Total number of requests rejected by the URL allow-list",
		},
	)

	LoginGuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tap_login_guard_rejections_total",
			Help: "Total number of github logins rejected by the account suffix guard",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tap_active_connections",
			Help: "Current number of client connections held by the proxy",
		},
	)
)

// Flow kinds.
const (
	KindTelemetry = "telemetry"
	KindTraffic   = "traffic"
	KindIgnored   = "ignored"
)

// Sink write statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
