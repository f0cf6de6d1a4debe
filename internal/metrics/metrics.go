// Package metrics defines the Prometheus collectors for the delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Consumer metrics
	EnvelopesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_envelopes_processed_total",
			Help: "Delivery envelopes processed by outcome",
		},
		[]string{"outcome"},
	)

	EnvelopeProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskrelay_envelope_processing_seconds",
			Help:    "Time from receive to acknowledgment of one envelope",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_queue_errors_total",
			Help: "Work queue operation failures",
		},
		[]string{"op"},
	)

	// Fan-out metrics
	FanoutWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_fanout_writes_total",
			Help: "Push channel writes during fan-out by result",
		},
		[]string{"result"},
	)

	OpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskrelay_push_connections",
			Help: "Open push connections by transport",
		},
		[]string{"transport"},
	)

	// Intake metrics
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_chat_requests_total",
			Help: "Chat requests accepted or rejected at intake",
		},
		[]string{"result"},
	)
)
