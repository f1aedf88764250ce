// Package metrics holds the Prometheus collectors shared across the
// scheduling core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SlotReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_slot_reservations_total",
			Help: "Slot reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	SlotReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_slot_releases_total",
			Help: "Slot releases by outcome.",
		},
		[]string{"outcome"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_appointment_transitions_total",
			Help: "Appointment lifecycle transitions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_notification_dispatch_total",
			Help: "Channel deliveries attempted by the notification dispatcher.",
		},
		[]string{"channel", "outcome"},
	)

	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medibook_realtime_connections",
			Help: "Live realtime connections registered with the hub.",
		},
	)

	HubDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medibook_realtime_dropped_total",
			Help: "Realtime deliveries dropped because a connection buffer was full.",
		},
	)

	EscalationCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medibook_escalation_candidates",
			Help:    "Number of providers alerted per emergency escalation.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	StreamPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_event_stream_publishes_total",
			Help: "Lifecycle events written to the event stream by outcome.",
		},
		[]string{"outcome"},
	)
)
