package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesa_erp_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Mutation metrics
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_mutations_total",
			Help: "Total number of mutations by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesa_erp_mutation_duration_seconds",
			Help:    "Duration of mutation execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	IdempotentReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_idempotent_replays_total",
			Help: "Total number of mutations answered from the idempotency store",
		},
		[]string{"module"},
	)

	// Broadcast metrics
	BroadcastsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_broadcasts_published_total",
			Help: "Total number of realtime events published",
		},
		[]string{"event", "transport"},
	)

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_broadcast_errors_total",
			Help: "Total number of realtime events that failed to publish",
		},
		[]string{"event"},
	)

	// Realtime gateway metrics
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesa_erp_websocket_connections",
			Help: "Current number of connected realtime clients",
		},
	)

	WebsocketDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesa_erp_websocket_dropped_total",
			Help: "Total number of slow realtime clients disconnected",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesa_erp_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"user"},
	)

	AuditErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesa_erp_audit_errors_total",
			Help: "Total number of audit records that could not be written",
		},
	)
)
