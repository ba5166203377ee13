package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	BroadcastSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "broadcast_sessions_active", Help: "Broadcast sessions currently running"})
	BroadcastCyclesTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_cycles_total", Help: "Broadcast cycles by outcome"},
		[]string{"outcome"},
	)
	BroadcastCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "broadcast_cycle_seconds", Help: "Broadcast cycle latency seconds"})

	PushDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_deliveries_total", Help: "Push deliveries by result"},
		[]string{"result"},
	)
	RenderFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "render_failures_total", Help: "Recipients skipped because their notification could not be rendered"})
	InvalidTokensCleared = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_tokens_cleared_total", Help: "Device tokens purged after the provider rejected them"})

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver assignment attempts by result"},
		[]string{"result"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Committed trip status transitions"},
		[]string{"status"},
	)

	LedgerCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ledger_entries_total", Help: "Ledger entries appended"})
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Trip lifecycle events by backend and result"},
		[]string{"backend", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
