package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts delivery queue outcomes: sent, failed, cancelled,
	// dropped.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wablast",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Delivery queue jobs by outcome",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wablast",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs currently waiting in the delivery queue",
	})

	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wablast",
		Subsystem: "channel",
		Name:      "send_seconds",
		Help:      "Latency of channel send operations",
		Buckets:   prometheus.DefBuckets,
	})

	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wablast",
		Subsystem: "session",
		Name:      "state",
		Help:      "Per-tenant session state (0 disconnected, 1 connecting, 2 connected, 3 simulated)",
	}, []string{"tenant"})

	ReceiptsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wablast",
		Subsystem: "session",
		Name:      "receipts_applied_total",
		Help:      "Provider delivery receipts merged into campaign records",
	}, []string{"status"})
)
