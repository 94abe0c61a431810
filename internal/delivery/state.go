// Package delivery implements the two transaction transports: outbound HTTP
// for push-mode appservices and the inbound transaction websocket for
// pull-mode appservices, plus the wakeup pusher that revives dormant
// websocket clients.
package delivery

import "time"

// Websocket close codes on the transaction socket.
const (
	// CloseConnReplaced tells a client its slot was taken by a newer
	// connection, possibly on another replica.
	CloseConnReplaced = 4001
	// CloseNotAcknowledged tells a client it stopped acking transactions.
	CloseNotAcknowledged = 4002
)

// Close status strings paired with the codes above.
const (
	StatusConnReplaced        = "conn_replaced"
	StatusNotAcknowledged     = "transactions_not_acknowledged"
	StatusServerShuttingDown  = "server_shutting_down"
	StatusQueueConsumerFailed = "queue_consumer_failed"
)

const (
	// FirstSendTimeout applies to the first transaction frame after a
	// connection has been behaving (no timeouts observed).
	FirstSendTimeout = 5 * time.Second
	// RetrySendTimeout applies once the connection has timed out before.
	RetrySendTimeout = 30 * time.Second
	// TimeoutCountLimit disconnects a client that stops acking for roughly
	// three minutes.
	TimeoutCountLimit = 7
	// PingTimeout bounds a bridge ping round-trip on either transport.
	PingTimeout = 45 * time.Second
	// CommandTimeout bounds an arbitrary websocket command round-trip.
	CommandTimeout = 10 * time.Second
	// MinWakeupPushDelay is the minimum spacing between wakeup pushes for
	// one appservice.
	MinWakeupPushDelay = 3 * time.Second
	// MinTimeSinceWSMessage suppresses wakeups while the websocket is
	// visibly alive.
	MinTimeSinceWSMessage = 30 * time.Second
)

// BridgeState is the per-bridge state object used in ping responses and
// status updates.
type BridgeState struct {
	StateEvent string `json:"state_event"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// GlobalBridgeState is the full ping response shape.
type GlobalBridgeState struct {
	RemoteStates map[string]BridgeState `json:"remote_states,omitempty"`
	BridgeState  BridgeState            `json:"bridge_state"`
}

// makePingError builds the error-shaped ping result used when a bridge could
// not be reached. code is one of the operator-visible error kinds, e.g.
// "io-timeout" or "websocket-not-connected".
func makePingError(code, message string) *GlobalBridgeState {
	return &GlobalBridgeState{
		BridgeState: BridgeState{
			StateEvent: "BRIDGE_UNREACHABLE",
			Error:      code,
			Message:    message,
			Timestamp:  time.Now().UnixMilli(),
		},
	}
}
