// Package status relays bridge-state, ping and message-checkpoint signals to
// the external API server. Every call is fire-and-forget: failures are logged
// at warning level and never propagate to the delivery path.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/events"
)

// Bridge state events forwarded to the API server.
const (
	BridgeUnreachable = "BRIDGE_UNREACHABLE"
)

// Checkpoint field values used when the proxy itself reports a checkpoint.
const (
	CheckpointStatusTimeout  = "TIMEOUT"
	CheckpointStepBridge     = "BRIDGE"
	CheckpointReportedByMux  = "ASMUX"
	expiredPDUCheckpointInfo = "dropped old event"
)

// Checkpoint is one per-message delivery status record.
type Checkpoint struct {
	EventID    string `json:"event_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	Step       string `json:"step"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
	EventType  string `json:"event_type,omitempty"`
	ReportedBy string `json:"reported_by"`
	Info       string `json:"info,omitempty"`
}

// CheckpointsPayload is the body of a checkpoint POST.
type CheckpointsPayload struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Reporter posts status updates to the configured endpoints. Empty endpoint
// templates disable the corresponding signal.
type Reporter struct {
	remoteStatusEndpoint string
	bridgeStatusEndpoint string
	checkpointEndpoint   string
	client               *http.Client
}

func NewReporter(remoteStatusEndpoint, bridgeStatusEndpoint, checkpointEndpoint string) *Reporter {
	return &Reporter{
		remoteStatusEndpoint: remoteStatusEndpoint,
		bridgeStatusEndpoint: bridgeStatusEndpoint,
		checkpointEndpoint:   checkpointEndpoint,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func endpointFor(template string, az *database.AppService) string {
	return strings.NewReplacer("{owner}", az.Owner, "{prefix}", az.Prefix).Replace(template)
}

func (r *Reporter) post(ctx context.Context, url, token string, body any, what string, az *database.AppService) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Warn("Failed to marshal status payload", "what", what, "appservice", az.Name(), "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		slog.Warn("Failed to build status request", "what", what, "appservice", az.Name(), "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("Failed to send status update", "what", what, "appservice", az.Name(), "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Warn("Unexpected status code sending status update",
			"what", what, "appservice", az.Name(),
			"status", resp.StatusCode, "body", string(text))
	}
}

// SendRemoteStatus forwards a bridge-supplied per-bridge state object.
func (r *Reporter) SendRemoteStatus(ctx context.Context, az *database.AppService, state json.RawMessage) {
	if r.remoteStatusEndpoint == "" {
		return
	}
	url := endpointFor(r.remoteStatusEndpoint, az)
	slog.Debug("Sending remote status", "appservice", az.Name(), "url", url)
	r.post(ctx, url, az.RealASToken(), state, "remote status", az)
}

// SendBridgeStatus posts a simple state event for the bridge.
func (r *Reporter) SendBridgeStatus(ctx context.Context, az *database.AppService, stateEvent string) {
	if r.bridgeStatusEndpoint == "" {
		return
	}
	url := endpointFor(r.bridgeStatusEndpoint, az)
	slog.Debug("Sending bridge status", "appservice", az.Name(), "state_event", stateEvent)
	r.post(ctx, url, az.RealASToken(), map[string]string{"stateEvent": stateEvent}, "bridge status", az)
}

// SendMessageCheckpoints posts a batch of per-message delivery checkpoints.
func (r *Reporter) SendMessageCheckpoints(ctx context.Context, az *database.AppService, payload json.RawMessage) {
	if r.checkpointEndpoint == "" {
		return
	}
	r.post(ctx, r.checkpointEndpoint, az.RealASToken(), payload, "message checkpoints", az)
}

// ReportExpiredPDU synthesizes TIMEOUT checkpoints for PDUs dropped by the
// stale-eviction policy and posts them like bridge-reported checkpoints.
func (r *Reporter) ReportExpiredPDU(ctx context.Context, az *database.AppService, expired []events.Event) {
	if r.checkpointEndpoint == "" || len(expired) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	checkpoints := make([]Checkpoint, len(expired))
	for i, evt := range expired {
		checkpoints[i] = Checkpoint{
			EventID:    evt.EventID,
			RoomID:     evt.RoomID,
			Step:       CheckpointStepBridge,
			Timestamp:  now,
			Status:     CheckpointStatusTimeout,
			EventType:  evt.Type,
			ReportedBy: CheckpointReportedByMux,
			Info:       expiredPDUCheckpointInfo,
		}
	}
	payload, err := json.Marshal(&CheckpointsPayload{Checkpoints: checkpoints})
	if err != nil {
		slog.Warn("Failed to marshal expired PDU checkpoints", "appservice", az.Name(), "error", err)
		return
	}
	r.SendMessageCheckpoints(ctx, az, payload)
}
