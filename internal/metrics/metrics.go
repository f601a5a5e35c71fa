// Package metrics defines the Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaypost_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypost_connections_rejected_total",
			Help: "SMTP connections rejected before a session was created",
		},
		[]string{"reason"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypost_connections_current",
			Help: "Current number of active SMTP sessions",
		},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypost_authentication_attempts_total",
			Help: "Total number of AUTH attempts",
		},
		[]string{"result"},
	)
)

// Message and queue metrics
var (
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaypost_messages_received_total",
			Help: "Messages accepted over SMTP and enqueued for delivery",
		},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypost_deliveries_total",
			Help: "Delivery attempts by terminal status",
		},
		[]string{"status"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaypost_delivery_duration_seconds",
			Help:    "Duration of delivery adapter calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypost_queue_depth",
			Help: "Number of pending items in the delivery queue",
		},
	)
)
