package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total rides requested"})
	RidesAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Total rides accepted"})
	RidesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled"})
	ConflictsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transition_conflicts_total", Help: "Conditional updates rejected on precondition"})

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections_open", Help: "Open gateway connections"})

	PushesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pushes_sent_total", Help: "Notifications delivered to a live connection"},
		[]string{"event"},
	)
	PushesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pushes_skipped_total", Help: "Notifications skipped because the target was offline"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
