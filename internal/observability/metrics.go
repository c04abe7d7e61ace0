package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsWon = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "assignments_won_total", Help: "Accept attempts that won the assignment race"})
	AssignmentsLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "assignments_lost_total", Help: "Accept attempts that lost to another driver"})
	AssignmentRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "assignment_retries_total", Help: "Idempotent accept retries detected"})
	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "assign_latency_seconds", Help: "Lock-and-assign latency", Buckets: prometheus.DefBuckets})

	OTPMismatches = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "otp_mismatches_total", Help: "Pickup/return confirmations rejected on code mismatch"})

	RadiusExpansions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "radius_expansions_total", Help: "Candidate searches that widened past the seed radius"})
	MatchQueries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "match_queries_total", Help: "Candidate list queries served"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_published_total", Help: "Lifecycle events pushed to the fast channel"},
		[]string{"event"},
	)
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "event_publish_errors_total", Help: "Best-effort publishes that failed and were swallowed"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Drivers with a live location"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
