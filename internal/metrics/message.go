package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed tracks frames that reached the RoomManager sequencer.
	FramesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processed_total",
			Help:      "Total number of frames processed",
		},
		[]string{"opcode", "status"}, // app_message/commit/proposal/welcome, accepted/rejected
	)

	// FramesRejected tracks rejections by reason.
	FramesRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Total number of frames rejected, by reason",
		},
		[]string{"reason"}, // wrong_epoch, not_member, room_not_found, mls_validation, signature_invalid, invalid_frame
	)

	// FrameSequencingDuration tracks time spent in RoomManager.ProcessFrame.
	FrameSequencingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sequencing_duration_seconds",
			Help:      "Frame sequencing duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~205ms
		},
	)

	// FrameSize tracks wire frame payload sizes.
	FrameSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "size_bytes",
			Help:      "Frame payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
	)

	// BroadcastFanout tracks how many sessions a BroadcastToRoom action reached.
	BroadcastFanout = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "fanout_size",
			Help:      "Number of sessions a broadcast was delivered to",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
	)

	// BroadcastRetries tracks retry attempts consumed by BroadcastPolicy.
	BroadcastRetries = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "retries_total",
			Help:      "Total number of broadcast delivery retries",
		},
	)
)
