package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated tracks ConnectionAccepted events.
	SessionsCreated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of sessions created",
		},
	)

	// SessionsActive tracks currently open sessions.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently active sessions",
		},
	)

	// SessionsClosed tracks sessions closed, by reason.
	SessionsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of sessions closed",
		},
		[]string{"reason"}, // goodbye, handshake_timeout, idle_timeout, error
	)

	// RoomsActive tracks rooms currently tracked by the RoomManager.
	RoomsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Number of rooms currently tracked",
		},
	)

	// RoomEpoch tracks each room's current MLS epoch.
	RoomEpoch = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "epoch",
			Help:      "Current MLS epoch for a room",
		},
		[]string{"room_id"},
	)
)
