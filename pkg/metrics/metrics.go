// Package metrics exposes prometheus collectors for the request path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "norbert"

var (
	// RequestsTotal counts completed requests by message name and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed",
		},
		[]string{"message", "status"}, // status: ok/timeout/error/rejected/no_handler
	)

	// RequestDuration measures handler service time.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Handler service time in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"message"},
	)

	// QueueWait measures time between receipt and dequeue.
	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a request spent in the admission queue",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"message"},
	)

	// QueueDepth tracks the admission queue backlog.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_depth",
			Help:      "Requests waiting in the admission queue",
		},
	)

	// ActiveWorkers tracks live request workers.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Live request worker goroutines",
		},
	)

	// Connections tracks open client connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections",
		},
	)
)
