// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks total conversations opened.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations opened",
		},
	)

	// MessagesTotal tracks total messages posted, by type.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages posted",
		},
		[]string{"type"},
	)

	// DeliveryTransitions tracks delivery ledger transitions that changed
	// state, by target state.
	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_transitions_total",
			Help: "Delivery ledger state transitions",
		},
		[]string{"state"},
	)

	// SessionsActive tracks currently live WebSocket sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Number of live WebSocket sessions",
		},
	)

	// BackfillDeliveries tracks messages delivered by backfill sweeps.
	BackfillDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_deliveries_total",
			Help: "Messages delivered by reconnect backfill sweeps",
		},
	)

	// PushFailures tracks failed pushes to live sessions.
	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_failures_total",
			Help: "Failed envelope pushes to live sessions",
		},
	)

	// AuditPublishFailures tracks audit records that could not be published.
	AuditPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_publish_failures_total",
			Help: "Audit records that failed to publish",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}
