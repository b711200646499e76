package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketcast_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RateLimitDecisions counts admission decisions per endpoint (allowed|rejected|error).
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_ratelimit_decisions_total",
			Help: "Admission control decisions",
		},
		[]string{"endpoint", "result"},
	)

	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_messages_created_total",
			Help: "Messages accepted by delivery type",
		},
		[]string{"delivery_type"},
	)

	// DeliveryAttempts counts per-device dispatch attempts by transport and resulting state.
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_delivery_attempts_total",
			Help: "Per-device dispatch attempts",
		},
		[]string{"transport", "state"},
	)

	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketcast_delivery_latency_seconds",
			Help:    "Time spent in a transport send",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketcast_dispatch_queue_depth",
			Help: "Jobs waiting in dispatcher shards",
		},
	)

	// RelayCalls counts passthrough relay outcomes (ok|quota_exhausted|unauthorized|remote_error|unreachable).
	RelayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_relay_calls_total",
			Help: "Passthrough relay calls by outcome",
		},
		[]string{"outcome"},
	)

	LiveSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bucketcast_live_subscribers",
			Help: "Open live subscriptions by transport",
		},
		[]string{"transport"},
	)

	LiveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_live_events_total",
			Help: "Events published to the live broker",
		},
		[]string{"event"},
	)

	// LiveEventsDropped counts events dropped because a subscriber buffer was full.
	LiveEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bucketcast_live_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// MaintenanceRuns counts background job runs by outcome.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketcast_maintenance_runs_total",
			Help: "Maintenance job runs",
		},
		[]string{"job", "status"},
	)
)
