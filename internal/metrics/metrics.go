// Package metrics holds the Prometheus instrumentation shared by the event
// router and the delivery transports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beeper/asmux/internal/events"
)

var (
	// ReceivedEvents counts every event on an inbound homeserver transaction.
	ReceivedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_received_events",
			Help: "Number of incoming events",
		},
		[]string{"type"},
	)

	// DroppedEvents counts events that resolved to no target appservice.
	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_dropped_events",
			Help: "Number of events with no target appservice",
		},
		[]string{"type"},
	)

	// AcceptedEvents counts events that have a target appservice.
	AcceptedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_accepted_events",
			Help: "Number of events that have a target appservice",
		},
		[]string{"owner", "bridge", "type"},
	)

	// SuccessfulEvents counts events delivered to the target appservice.
	SuccessfulEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_successful_events",
			Help: "Number of events that were successfully sent to the target appservice",
		},
		[]string{"owner", "bridge", "type"},
	)

	// FailedEvents counts events whose delivery attempt failed.
	FailedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_failed_events",
			Help: "Number of events that could not be sent to the target appservice",
		},
		[]string{"owner", "bridge", "type"},
	)

	// ConnectedWebsockets tracks open transaction websockets per bridge.
	ConnectedWebsockets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asmux_connected_websockets",
			Help: "Bridges connected to the appservice transaction websocket",
		},
		[]string{"owner", "bridge"},
	)

	// ExpiredPDUs counts room events dropped by the stale-PDU eviction policy.
	ExpiredPDUs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asmux_expired_pdus",
			Help: "Number of PDUs dropped for exceeding the maximum delivery age",
		},
		[]string{"owner", "bridge"},
	)
)

// SendSuccessful increments the success counter for every event type in txn.
func SendSuccessful(owner, bridge string, txn *events.Events) {
	for _, evtType := range txn.Types {
		SuccessfulEvents.WithLabelValues(owner, bridge, evtType).Inc()
	}
}

// SendFailed increments the failure counter for every event type in txn.
func SendFailed(owner, bridge string, txn *events.Events) {
	for _, evtType := range txn.Types {
		FailedEvents.WithLabelValues(owner, bridge, evtType).Inc()
	}
}
