// Package metrics defines Prometheus metrics for the dashsync server and sync engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_errors_total",
			Help: "Total errors by type",
		},
		[]string{"type"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_websocket_connections",
			Help: "Active WebSocket connections",
		},
	)

	WidgetWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_widget_writes_total",
			Help: "Conditional widget writes handled by the server, by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_notifications_forwarded_total",
			Help: "Change notifications forwarded from Postgres, by event type",
		},
		[]string{"event"},
	)

	EngineWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_engine_writes_total",
			Help: "Conditional writes issued by the sync engine, by outcome",
		},
		[]string{"outcome"},
	)

	DebouncedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_engine_debounced_writes_total",
			Help: "Quiet periods that elapsed, by whether a write was issued or suppressed",
		},
		[]string{"result"},
	)

	EngineResyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashsync_engine_resyncs_total",
			Help: "Snapshot resyncs performed by the sync engine, by result",
		},
		[]string{"result"},
	)

	FeedSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashsync_engine_feed_subscriptions",
			Help: "Open change-feed subscriptions held by sync engines",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, ErrorsTotal,
		WSConnections, WidgetWrites, NotificationsForwarded,
		EngineWrites, DebouncedWrites, EngineResyncs, FeedSubscriptions,
	)
}
