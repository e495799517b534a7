package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RatchetOperations tracks sender-key ratchet encrypt/decrypt calls.
	RatchetOperations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratchet",
			Name:      "operations_total",
			Help:      "Total number of ratchet encrypt/decrypt operations",
		},
		[]string{"operation"}, // encrypt, decrypt
	)

	// RatchetErrors tracks ratchet failures by cause.
	RatchetErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratchet",
			Name:      "errors_total",
			Help:      "Total number of ratchet errors",
		},
		[]string{"reason"}, // unknown_sender, skip_window_exceeded, auth_failed
	)

	// RatchetOperationDuration tracks ratchet operation latency.
	RatchetOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratchet",
			Name:      "operation_duration_seconds",
			Help:      "Ratchet operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10us to 163ms
		},
		[]string{"operation"},
	)

	// MlsCommitsProcessed tracks MLS epoch transitions.
	MlsCommitsProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mls",
			Name:      "commits_processed_total",
			Help:      "Total number of MLS commits processed",
		},
		[]string{"origin"}, // local, remote
	)
)
