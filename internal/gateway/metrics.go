package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxstack_gateway_requests_total",
			Help: "Requests forwarded per service and backend",
		},
		[]string{"service", "backend", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxstack_gateway_request_duration_seconds",
			Help:    "Forwarded request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"service"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxstack_gateway_retries_total",
			Help: "Requests replayed on another replica after a backend failure",
		},
		[]string{"service"},
	)

	unavailableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxstack_gateway_unavailable_total",
			Help: "Requests rejected because no backend could serve them",
		},
		[]string{"service"},
	)

	backendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxstack_gateway_backend_up",
			Help: "Backend health as seen by the active checker (1 up, 0 down)",
		},
		[]string{"service", "backend"},
	)
)
