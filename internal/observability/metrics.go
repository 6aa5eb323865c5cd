package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_created_total", Help: "Offers issued to drivers"})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_rejected_total", Help: "Offer attempts rejected because the candidate was unavailable"})
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_resolved_total", Help: "Offers reaching a terminal status"},
		[]string{"status"},
	)
	RidesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_dispatched_total", Help: "Rides leaving dispatch, by final dispatch state"},
		[]string{"state"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_latency_seconds", Help: "Time from dispatch request to assignment", Buckets: []float64{1, 5, 15, 30, 60, 120, 300}})
	SweepDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Expiry sweep duration"})
	SweepExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sweep_expired_total", Help: "Offers expired by the sweeper"})
	PendingReleases = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "pending_driver_releases", Help: "Drivers whose busy flag could not be cleared yet"})
	NotifyFailures  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_failures_total", Help: "Notification deliveries that failed"},
		[]string{"channel"},
	)

	// APIDriversOnline is per process: it moves only on availability changes
	// made through this process's HTTP API. Location updates the consumer
	// applies straight to the directory are not counted; sum across API
	// replicas for a fleet view.
	APIDriversOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ride_dispatch",
		Name:      "api_drivers_online",
		Help:      "Drivers brought online through this process's HTTP API and not taken offline through it",
	})

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
