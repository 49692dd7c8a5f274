package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bakkerme/repology-notify/internal/core"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repology_notify_deliveries_total",
			Help: "Delivery attempts per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repology_notify_send_duration_seconds",
			Help:    "Channel send duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"channel"},
	)

	breakerOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repology_notify_circuit_breaker_open_total",
			Help: "Times a channel circuit breaker opened",
		},
		[]string{"channel"},
	)
)

func recordOutcome(channel string, outcome core.Outcome) {
	deliveriesTotal.WithLabelValues(channel, string(outcome)).Inc()
}

func observeDuration(channel string, d time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func recordBreakerOpen(channel string) {
	breakerOpenTotal.WithLabelValues(channel).Inc()
}
