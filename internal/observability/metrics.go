package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of committed matches"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from tryMatch start to commit", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)})
	MatchDistance  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_pickup_distance", Help: "Manhattan distance between driver and pickup", Buckets: prometheus.LinearBuckets(0, 2, 16)})
	MatchFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "match_commit_failures_total", Help: "Commit protocol failures by step and rollback outcome"}, []string{"step", "rollback"})
	ScansTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "scans_total", Help: "Completed scans of the pending queue"})
	ExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_expired_total", Help: "Pending requests cancelled after their window closed"})
	IndexedDrivers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "indexed_drivers", Help: "Drivers currently in the spatial index"})

	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Number of available drivers"})
	PendingRequests  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_requests", Help: "Number of pending ride requests"})
	ActiveTrips      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_trips", Help: "Number of ongoing trips"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events handed to the event bus"}, []string{"type", "result"})
	WSDeliveries    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ws_deliveries_total", Help: "Websocket event deliveries"}, []string{"result"})

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
