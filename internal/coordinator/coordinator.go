// Package coordinator keeps the single-active-websocket invariant across
// proxy replicas. When a replica accepts a new websocket for an appservice it
// broadcasts a close request; every other replica holding a connection for
// that id closes it. The broadcast is best-effort: the invariant is
// eventually single, and double delivery is prevented by the queue commit,
// not by this channel.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CloseChannel carries websocket close requests between replicas.
const CloseChannel = "asmux-ws-close-request"

// PubSub is the minimal pub/sub surface the coordinator needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Listen(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error
}

// CloseRequest asks the fleet to drop the websocket for one appservice.
// Instance identifies the sender so it can ignore its own broadcast.
type CloseRequest struct {
	AppServiceID uuid.UUID `json:"appservice_id"`
	Instance     string    `json:"instance"`
}

// Coordinator fans close requests out to peers and dispatches inbound ones
// to the local websocket deliverer.
type Coordinator struct {
	pubsub   PubSub
	instance string
	onClose  func(appserviceID uuid.UUID)
}

func New(pubsub PubSub, instance string) *Coordinator {
	return &Coordinator{pubsub: pubsub, instance: instance}
}

// OnCloseRequest registers the handler invoked for close requests from other
// replicas. Must be set before Run.
func (c *Coordinator) OnCloseRequest(fn func(appserviceID uuid.UUID)) {
	c.onClose = fn
}

// RequestClose asks all other replicas to drop their connection for the
// appservice. Failures are logged only: the request is advisory.
func (c *Coordinator) RequestClose(ctx context.Context, appserviceID uuid.UUID) {
	payload, err := json.Marshal(&CloseRequest{
		AppServiceID: appserviceID,
		Instance:     c.instance,
	})
	if err != nil {
		slog.Warn("Failed to marshal websocket close request", "error", err)
		return
	}
	if err := c.pubsub.Publish(ctx, CloseChannel, payload); err != nil {
		slog.Warn("Failed to broadcast websocket close request",
			"appservice_id", appserviceID, "error", err)
	}
}

func (c *Coordinator) handleMessage(_ string, payload []byte) {
	var req CloseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		slog.Warn("Malformed websocket close request", "error", err)
		return
	}
	if req.Instance == c.instance {
		return
	}
	slog.Debug("Received cross-instance websocket close request",
		"appservice_id", req.AppServiceID, "from", req.Instance)
	if c.onClose != nil {
		c.onClose(req.AppServiceID)
	}
}

// Run subscribes to the close channel and blocks until ctx is done,
// re-listening with a short backoff after subscription failures.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		err := c.pubsub.Listen(ctx, []string{CloseChannel}, c.handleMessage)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Websocket close listener failed, retrying", "error", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}
