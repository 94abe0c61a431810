package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/directory"
	"github.com/beeper/asmux/internal/events"
	"github.com/beeper/asmux/internal/metrics"
	"github.com/beeper/asmux/internal/queue"
	"github.com/beeper/asmux/internal/status"
	"github.com/beeper/asmux/internal/syncproxy"
)

// Subprotocol announced on the transaction websocket.
const wsSubprotocol = "fi.mau.as_sync"

// ErrWebsocketNotConnected is returned by command calls when the appservice
// has no open websocket on this replica.
var ErrWebsocketNotConnected = errors.New("websocket not connected")

// CloseRequester broadcasts websocket close requests to other replicas.
type CloseRequester interface {
	RequestClose(ctx context.Context, appserviceID uuid.UUID)
}

// Websocket is the pull-mode transport: each appservice holds one open
// websocket per fleet and this type feeds it transactions from the durable
// queue.
type Websocket struct {
	queues    *queue.Manager
	reporter  *status.Reporter
	syncProxy *syncproxy.Client
	coord     CloseRequester
	directory *directory.Directory
	pusher    *Pusher

	unreachableExempt map[string]struct{}
	upgrader          websocket.Upgrader

	firstSendTimeout time.Duration
	retrySendTimeout time.Duration

	mu             sync.Mutex
	conns          map[uuid.UUID]*Conn
	prevWakeupPush map[uuid.UUID]time.Time

	stopping atomic.Bool
}

func NewWebsocket(
	queues *queue.Manager,
	reporter *status.Reporter,
	syncProxy *syncproxy.Client,
	coord CloseRequester,
	dir *directory.Directory,
	pusher *Pusher,
	unreachableExemptPrefixes []string,
) *Websocket {
	exempt := make(map[string]struct{}, len(unreachableExemptPrefixes))
	for _, prefix := range unreachableExemptPrefixes {
		exempt[prefix] = struct{}{}
	}
	return &Websocket{
		queues:            queues,
		reporter:          reporter,
		syncProxy:         syncProxy,
		coord:             coord,
		directory:         dir,
		pusher:            pusher,
		unreachableExempt: exempt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{wsSubprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		firstSendTimeout: FirstSendTimeout,
		retrySendTimeout: RetrySendTimeout,
		conns:            make(map[uuid.UUID]*Conn),
		prevWakeupPush:   make(map[uuid.UUID]time.Time),
	}
}

func writeMatrixError(w http.ResponseWriter, httpStatus int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errcode": errcode,
		"error":   message,
	})
}

// HasWebsocket reports whether this replica holds an open websocket for the
// appservice.
func (wd *Websocket) HasWebsocket(azID uuid.UUID) bool {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	_, ok := wd.conns[azID]
	return ok
}

func (wd *Websocket) getConn(azID uuid.UUID) *Conn {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	return wd.conns[azID]
}

// CloseReplaced drops the local websocket for an appservice because a newer
// connection exists somewhere in the fleet. Removing the conn from the table
// first keeps the teardown path from stopping the sync proxy: the replacement
// connection owns it now.
func (wd *Websocket) CloseReplaced(azID uuid.UUID) {
	wd.mu.Lock()
	c := wd.conns[azID]
	delete(wd.conns, azID)
	wd.mu.Unlock()
	if c == nil {
		return
	}
	c.log.Debug("New websocket connection coming in, closing old one")
	c.Close(CloseConnReplaced, StatusConnReplaced)
}

// HandleWebsocket upgrades an authenticated GET into the transaction
// websocket and blocks until the connection dies. The caller has already
// resolved az from the request token.
func (wd *Websocket) HandleWebsocket(w http.ResponseWriter, r *http.Request, az *database.AppService) {
	if wd.stopping.Load() {
		writeMatrixError(w, http.StatusServiceUnavailable,
			"FI.MAU.SERVER_SHUTTING_DOWN", "The server is shutting down")
		return
	}
	if az.Push {
		writeMatrixError(w, http.StatusForbidden,
			"FI.MAU.AS_WS_NOT_ENABLED", "This appservice is not set to use websockets")
		return
	}
	identifier := r.Header.Get("X-Mautrix-Process-ID")
	if identifier == "" {
		identifier = "unidentified"
	}
	proto, err := strconv.Atoi(r.Header.Get("X-Mautrix-Websocket-Version"))
	if err != nil || proto < 1 {
		proto = 1
	}

	sock, err := wd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade websocket", "appservice", az.Name(), "error", err)
		return
	}
	log := slog.With("appservice", az.Name(), "identifier", identifier)
	c := NewConn(sock, log, identifier, proto)
	wd.registerHandlers(c, az)

	// Close out any other open websocket for this appservice, first locally,
	// then on the other replicas.
	wd.CloseReplaced(az.ID)
	wd.coord.RequestClose(r.Context(), az.ID)

	wd.mu.Lock()
	wd.conns[az.ID] = c
	wd.mu.Unlock()
	metrics.ConnectedWebsockets.WithLabelValues(az.Owner, az.Prefix).Inc()
	log.Info("Websocket transaction connection opened", "proto", proto)

	if err := c.Send("connect", map[string]string{"status": "connected"}); err != nil {
		log.Warn("Failed to send connect confirmation", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go wd.consumeQueue(ctx, az, c)
	c.Run(ctx)
	cancel()

	log.Debug("Websocket handler finished")
	metrics.ConnectedWebsockets.WithLabelValues(az.Owner, az.Prefix).Dec()
	wd.mu.Lock()
	current := wd.conns[az.ID] == c
	if current {
		delete(wd.conns, az.ID)
	}
	wd.mu.Unlock()
	if current {
		go wd.syncProxy.Stop(context.Background(), az)
		if !wd.stopping.Load() {
			go wd.probeBridgeUnreachable(az)
		}
	}
}

func (wd *Websocket) registerHandlers(c *Conn, az *database.AppService) {
	c.Handle("bridge_status", func(ctx context.Context, data json.RawMessage) (any, error) {
		wd.reporter.SendRemoteStatus(ctx, az, data)
		return nil, nil
	})
	c.Handle("message_checkpoint", func(ctx context.Context, data json.RawMessage) (any, error) {
		wd.reporter.SendMessageCheckpoints(ctx, az, data)
		return nil, nil
	})
	c.Handle("push_key", func(ctx context.Context, data json.RawMessage) (any, error) {
		var pushKey database.PushKey
		if err := json.Unmarshal(data, &pushKey); err != nil {
			return nil, &wsCommandError{Code: "COM.BEEPER.BAD_PUSH_KEY", Message: "invalid push key"}
		}
		c.log.Info("Setting push key")
		key := &pushKey
		if !key.IsValid() {
			key = nil
		}
		return nil, wd.directory.SetPushKey(ctx, az, key)
	})
	c.Handle("start_sync", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			AccessToken string `json:"access_token"`
			DeviceID    string `json:"device_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &wsCommandError{Code: "COM.BEEPER.BAD_REQUEST", Message: "invalid start_sync request"}
		}
		return wd.syncProxy.Start(ctx, az, req.AccessToken, req.DeviceID)
	})
	c.Handle("ping", func(ctx context.Context, data json.RawMessage) (any, error) {
		// A ping over a replaced connection must fail so the client notices
		// and reconnects.
		if wd.getConn(az.ID) != c {
			return nil, &wsCommandError{
				Code:    "FI.MAU.WS_NOT_CURRENT",
				Message: "this websocket is no longer the active connection",
			}
		}
		return map[string]int64{"timestamp": time.Now().UnixMilli()}, nil
	})
}

// transactionPayload flattens an envelope into frame fields with the ack
// status preset.
func transactionPayload(txn *events.Events) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["status"] = json.RawMessage(`"ok"`)
	return fields, nil
}

func (wd *Websocket) consumeQueue(ctx context.Context, az *database.AppService, c *Conn) {
	q := wd.queues.Get(az)
	c.log.Debug("Started consuming events from queue")
	for !c.Dead() {
		if err := wd.consumeOne(ctx, az, c, q); err != nil {
			break
		}
	}
	if !c.Dead() {
		c.log.Error("Queue consumer stopped but websocket not dead, closing")
		c.Close(websocket.CloseInternalServerErr, StatusQueueConsumerFailed)
	}
}

func (wd *Websocket) consumeOne(ctx context.Context, az *database.AppService, c *Conn, q *queue.Queue) error {
	batch, err := q.Next(ctx)
	if err != nil {
		return err
	}
	txn := batch.Txn
	payload, err := transactionPayload(txn)
	if err != nil {
		c.log.Error("Failed to serialize transaction, dropping", "txn_id", txn.TxnID, "error", err)
		if err := batch.Commit(ctx); err != nil {
			c.log.Warn("Failed to commit dropped transaction", "txn_id", txn.TxnID, "error", err)
		}
		return nil
	}

	timeout := wd.firstSendTimeout
	if c.Timeouts() > 0 {
		timeout = wd.retrySendTimeout
	}
	c.log.Debug("Sending transaction via websocket", "txn_id", txn.TxnID)

	switch {
	case c.Proto >= 3:
		_, err = c.Request(ctx, "transaction", payload, timeout)
		if errors.Is(err, errRequestTimeout) {
			c.log.Warn("No transaction ack within timeout",
				"txn_id", txn.TxnID, "timeout", timeout)
			if c.AddTimeout() >= TimeoutCountLimit {
				go c.Close(CloseNotAcknowledged, StatusNotAcknowledged)
				return nil
			}
			wd.WakeupAppservice(ctx, az, false)
			// The batch stays on the stream for the retry.
			return nil
		}
	case c.Proto == 2:
		// Legacy protocol where the client can't deduplicate transactions,
		// so a timed-out send can't be retried safely.
		_, err = c.Request(ctx, "transaction", payload, wd.retrySendTimeout)
		if errors.Is(err, errRequestTimeout) {
			c.log.Warn("No transaction ack within timeout, legacy protocol, dropping",
				"txn_id", txn.TxnID)
			c.AddTimeout()
			metrics.SendFailed(az.Owner, az.Prefix, txn)
			if err := batch.Commit(ctx); err != nil {
				c.log.Warn("Failed to commit dropped transaction", "txn_id", txn.TxnID, "error", err)
			}
			return nil
		}
	default:
		// Legacy protocol where the client doesn't send acknowledgements.
		err = c.Send("transaction", payload)
	}
	if err != nil {
		c.log.Warn("Failed to send transaction", "txn_id", txn.TxnID, "error", err)
		return nil
	}

	c.ResetTimeouts()
	c.log.Debug("Successfully sent transaction", "txn_id", txn.TxnID)
	metrics.SendSuccessful(az.Owner, az.Prefix, txn)
	if err := batch.Commit(ctx); err != nil {
		c.log.Warn("Failed to commit delivered transaction", "txn_id", txn.TxnID, "error", err)
	}
	return nil
}

// PostEvents buffers one envelope for websocket delivery. The returned bool
// reports whether this replica currently holds a websocket for the
// appservice; the envelope survives on the queue either way.
func (wd *Websocket) PostEvents(ctx context.Context, az *database.AppService, txn *events.Events) bool {
	if err := wd.queues.Get(az).Push(ctx, txn); err != nil {
		slog.Error("Failed to buffer transaction",
			"appservice", az.Name(), "txn_id", txn.TxnID, "error", err)
		metrics.SendFailed(az.Owner, az.Prefix, txn)
		return false
	}
	wd.WakeupAppservice(ctx, az, false)
	return wd.HasWebsocket(az.ID)
}

// shouldWakeup gates wakeup pushes: only appservices with a registered push
// key, never while the websocket is visibly alive, and at most one push per
// MinWakeupPushDelay. Passing the gate claims the push slot, so of two
// concurrent callers only one gets through.
func (wd *Websocket) shouldWakeup(az *database.AppService, onlyIfWSTimeout bool) bool {
	if !az.PushKey.IsValid() {
		return false
	}
	now := time.Now()
	wd.mu.Lock()
	defer wd.mu.Unlock()
	c := wd.conns[az.ID]
	if c != nil {
		if onlyIfWSTimeout && c.Timeouts() == 0 {
			return false
		}
		if now.Sub(c.LastReceived()) < MinTimeSinceWSMessage {
			return false
		}
	}
	if now.Sub(wd.prevWakeupPush[az.ID]) < MinWakeupPushDelay {
		return false
	}
	wd.prevWakeupPush[az.ID] = now
	return true
}

// WakeupAppservice fires a wakeup push when the gate allows it.
func (wd *Websocket) WakeupAppservice(ctx context.Context, az *database.AppService, onlyIfWSTimeout bool) {
	if !wd.shouldWakeup(az, onlyIfWSTimeout) {
		return
	}
	slog.Debug("Sending wakeup push", "appservice", az.Name())
	if err := wd.pusher.Push(ctx, az); err != nil {
		slog.Warn("Failed to send wakeup push", "appservice", az.Name(), "error", err)
	}
}

// Ping asks the connected client for its bridge state. Failures are folded
// into an error-shaped state object.
func (wd *Websocket) Ping(ctx context.Context, az *database.AppService) *GlobalBridgeState {
	c := wd.getConn(az.ID)
	if c == nil {
		return makePingError(ResultNoWebsocket, "The bridge is not connected to the server")
	}
	raw, err := c.Request(ctx, "ping", nil, PingTimeout)
	if errors.Is(err, errRequestTimeout) {
		return makePingError("io-timeout", "Timeout while waiting for ping response")
	} else if err != nil {
		slog.Warn("Failed to ping via websocket", "appservice", az.Name(), "error", err)
		return makePingError("websocket-fatal-error", err.Error())
	}
	var pong GlobalBridgeState
	if len(raw) == 0 || json.Unmarshal(raw, &pong) != nil {
		slog.Warn("Unparseable ping response via websocket", "appservice", az.Name())
		return makePingError("websocket-unknown-error", "Invalid ping response from bridge")
	}
	return &pong
}

// PostCommand forwards an arbitrary command to the connected client and
// returns the raw response data.
func (wd *Websocket) PostCommand(ctx context.Context, az *database.AppService, command string, data json.RawMessage) (json.RawMessage, error) {
	c := wd.getConn(az.ID)
	if c == nil {
		return nil, ErrWebsocketNotConnected
	}
	var payload any
	if len(data) > 0 {
		payload = data
	}
	return c.Request(ctx, command, payload, CommandTimeout)
}

// PostSyncproxyError forwards a sync proxy failure notification to the
// connected client. The returned string is a delivery result, never an error.
func (wd *Websocket) PostSyncproxyError(ctx context.Context, az *database.AppService, txnID string, data json.RawMessage) string {
	c := wd.getConn(az.ID)
	if c == nil {
		slog.Warn("Not sending syncproxy error: websocket not connected",
			"appservice", az.Name(), "txn_id", txnID)
		return ResultNoWebsocket
	}
	fields := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return "websocket-send-fail"
		}
	}
	fields["txn_id"], _ = json.Marshal(txnID)
	c.log.Debug("Sending syncproxy error via websocket", "txn_id", txnID)
	if c.Proto >= 2 {
		if _, err := c.Request(ctx, "syncproxy_error", fields, wd.retrySendTimeout); err != nil {
			if errors.Is(err, errRequestTimeout) {
				c.AddTimeout()
			}
			return "websocket-send-fail"
		}
	} else {
		if err := c.Send("transaction", fields); err != nil {
			return "websocket-send-fail"
		}
	}
	return ResultOK
}

// probeBridgeUnreachable reports BRIDGE_UNREACHABLE unless the client
// reconnects (and answers a ping) within the grace window. Losing the
// websocket means no events can reach the bridge, which the user should hear
// about.
func (wd *Websocket) probeBridgeUnreachable(az *database.AppService) {
	if _, exempt := wd.unreachableExempt[az.Prefix]; exempt {
		// Some bridges work through wakeup pushes alone and lose nothing
		// when the websocket drops.
		return
	}
	ctx := context.Background()
	deadline := time.Now().Add(RetrySendTimeout)
	for time.Now().Before(deadline) {
		if wd.stopping.Load() {
			return
		}
		if wd.HasWebsocket(az.ID) {
			pong := wd.Ping(ctx, az)
			if pong.BridgeState.StateEvent == status.BridgeUnreachable {
				wd.reporter.SendBridgeStatus(ctx, az, status.BridgeUnreachable)
			}
			return
		}
		time.Sleep(time.Second)
	}
	wd.reporter.SendBridgeStatus(ctx, az, status.BridgeUnreachable)
}

// Stop closes every open websocket for a clean shutdown and refuses new ones.
func (wd *Websocket) Stop(ctx context.Context) {
	wd.stopping.Store(true)
	wd.mu.Lock()
	conns := make([]*Conn, 0, len(wd.conns))
	for _, c := range wd.conns {
		conns = append(conns, c)
	}
	wd.mu.Unlock()
	slog.Debug("Disconnecting websockets", "count", len(conns))
	for _, c := range conns {
		c.Close(websocket.CloseServiceRestart, StatusServerShuttingDown)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return
		}
	}
}
