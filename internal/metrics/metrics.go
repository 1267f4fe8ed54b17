// Package metrics holds the prometheus collectors shared by the API and the
// session core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JoinAttempts counts join authorisations by party and outcome code.
	JoinAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_join_attempts_total",
			Help: "Join authorisations by participant type and outcome",
		},
		[]string{"participant_type", "outcome"},
	)

	// RoomTransitions counts rooms entering each status.
	RoomTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_room_transitions_total",
			Help: "Room status transitions by target status",
		},
		[]string{"status"},
	)

	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_provider_errors_total",
			Help: "Failed calls to the video provider by operation",
		},
		[]string{"operation"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telehealth_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	WatchConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telehealth_room_watch_connections",
			Help: "Open room watch websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JoinAttempts,
		RoomTransitions,
		ProviderErrors,
		HTTPRequestDuration,
		WatchConnections,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
