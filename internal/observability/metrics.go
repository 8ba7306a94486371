package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "rides_requested_total", Help: "Total rides created"})
	ClaimsWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "claims_won_total", Help: "Accept/reject claims that won the conditional write"})
	ClaimsLost     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "claims_lost_total", Help: "Claims that lost a concurrent race"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "transitions_total", Help: "Successful ride transitions by target status"},
		[]string{"status"},
	)
	EarningsRecorded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "earnings_recorded_total", Help: "Ledger entries written on completion"})
	LocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "location_updates_total", Help: "Driver location pings accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_lifecycle",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
