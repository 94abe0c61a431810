package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Transactions can carry large encrypted payloads.
	maxMessageSize = 32 << 20

	sendQueueSize = 256
)

// Frame commands with protocol-level meaning. Everything else is dispatched
// to a registered command handler.
const (
	cmdResponse = "response"
	cmdError    = "error"
)

var (
	errConnClosed     = errors.New("websocket connection closed")
	errRequestTimeout = errors.New("timed out waiting for response")
)

// wsMessage is one frame on the transaction websocket. Request frames carry
// their payload at the top level; response and error frames wrap it in data.
type wsMessage struct {
	Command string          `json:"command"`
	ReqID   int64           `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wsCommandError is the data payload of an error frame.
type wsCommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wsCommandError) Error() string {
	return e.Message
}

// CommandHandler processes one client-initiated command. The returned value
// is serialized into the response frame; a returned error becomes an error
// frame instead.
type CommandHandler func(ctx context.Context, data json.RawMessage) (any, error)

// Conn wraps one accepted transaction websocket. All writes go through a
// single pump goroutine; Request correlates response frames by id.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	// Identifier is the X-Mautrix-Process-ID the client announced, used only
	// for log correlation.
	Identifier string
	// Proto is the negotiated protocol version (X-Mautrix-Websocket-Version).
	Proto int

	send     chan []byte
	closeReq chan []byte
	done     chan struct{}
	once     sync.Once

	handlers map[string]CommandHandler

	pendingMu sync.Mutex
	pending   map[int64]chan *wsMessage
	nextReqID atomic.Int64

	timeouts     atomic.Int64
	lastReceived atomic.Int64
	dead         atomic.Bool
}

func NewConn(ws *websocket.Conn, log *slog.Logger, identifier string, proto int) *Conn {
	c := &Conn{
		ws:         ws,
		log:        log,
		Identifier: identifier,
		Proto:      proto,
		send:       make(chan []byte, sendQueueSize),
		closeReq:   make(chan []byte, 1),
		done:       make(chan struct{}),
		handlers:   make(map[string]CommandHandler),
		pending:    make(map[int64]chan *wsMessage),
	}
	c.lastReceived.Store(time.Now().UnixNano())
	return c
}

// Handle registers the handler for a client-initiated command. Must be called
// before Run.
func (c *Conn) Handle(command string, handler CommandHandler) {
	c.handlers[command] = handler
}

// Dead reports whether the connection has been torn down.
func (c *Conn) Dead() bool {
	return c.dead.Load()
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Timeouts returns how many transaction sends have timed out in a row.
func (c *Conn) Timeouts() int {
	return int(c.timeouts.Load())
}

// AddTimeout bumps the consecutive timeout counter and returns the new value.
func (c *Conn) AddTimeout() int {
	return int(c.timeouts.Add(1))
}

// ResetTimeouts clears the consecutive timeout counter after a successful ack.
func (c *Conn) ResetTimeouts() {
	c.timeouts.Store(0)
}

// LastReceived returns when the last frame (of any kind) arrived.
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastReceived.Load())
}

// Close tears the connection down, delivering the close frame to the client
// on a best-effort basis. Safe to call multiple times; only the first frame
// wins.
func (c *Conn) Close(code int, status string) {
	select {
	case c.closeReq <- websocket.FormatCloseMessage(code, status):
	default:
	}
	c.markClosed()
}

func (c *Conn) markClosed() {
	c.once.Do(func() {
		c.dead.Store(true)
		close(c.done)
	})
}

// marshalMessage builds a frame with the payload's fields at the top level.
// Non-object payloads land in the data field.
func marshalMessage(command string, reqID int64, payload any) ([]byte, error) {
	fields := make(map[string]json.RawMessage, 4)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, err
			}
		} else {
			fields["data"] = raw
		}
	}
	fields["command"], _ = json.Marshal(command)
	if reqID != 0 {
		fields["id"], _ = json.Marshal(reqID)
	}
	return json.Marshal(fields)
}

// Send writes a frame without waiting for any acknowledgement.
func (c *Conn) Send(command string, payload any) error {
	raw, err := marshalMessage(command, 0, payload)
	if err != nil {
		return err
	}
	return c.enqueue(raw)
}

func (c *Conn) enqueue(raw []byte) error {
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

// Request writes a frame and waits for the matching response or error frame.
// A timeout leaves the request dangling: a late response is discarded.
func (c *Conn) Request(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	reqID := c.nextReqID.Add(1)
	raw, err := marshalMessage(command, reqID, payload)
	if err != nil {
		return nil, err
	}
	ch := make(chan *wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.enqueue(raw); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg.Command == cmdError {
			cmdErr := &wsCommandError{Code: "COM.BEEPER.UNKNOWN", Message: "unknown error"}
			_ = json.Unmarshal(msg.Data, cmdErr)
			return nil, cmdErr
		}
		return msg.Data, nil
	case <-timer.C:
		return nil, errRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errConnClosed
	}
}

// Run drives the read and write pumps and blocks until the connection dies,
// either because the peer went away or because Close was called.
func (c *Conn) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
	c.markClosed()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.markClosed()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markClosed()
				return
			}
		case <-c.done:
			select {
			case frame := <-c.closeReq:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, frame)
			default:
			}
			return
		}
	}
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.lastReceived.Store(time.Now().UnixNano())
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Dead() {
				c.log.Debug("Websocket read failed", "error", err)
			}
			return
		}
		c.lastReceived.Store(time.Now().UnixNano())
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("Dropping malformed websocket frame", "error", err)
			continue
		}
		switch msg.Command {
		case cmdResponse, cmdError:
			c.resolve(&msg)
		default:
			go c.dispatch(ctx, &msg)
		}
	}
}

func (c *Conn) resolve(msg *wsMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ReqID]
	delete(c.pending, msg.ReqID)
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("Dropping response to unknown request", "req_id", msg.ReqID)
		return
	}
	ch <- msg
}

func (c *Conn) dispatch(ctx context.Context, msg *wsMessage) {
	handler, ok := c.handlers[msg.Command]
	if !ok {
		c.log.Warn("Received unknown websocket command", "command", msg.Command)
		c.reply(msg, nil, &wsCommandError{Code: "COM.BEEPER.UNKNOWN_COMMAND", Message: "unknown command"})
		return
	}
	result, err := handler(ctx, msg.Data)
	c.reply(msg, result, err)
}

func (c *Conn) reply(msg *wsMessage, result any, err error) {
	if msg.ReqID == 0 {
		return
	}
	command := cmdResponse
	payload := result
	if err != nil {
		command = cmdError
		cmdErr := &wsCommandError{}
		if !errors.As(err, &cmdErr) {
			cmdErr = &wsCommandError{Code: "COM.BEEPER.INTERNAL_ERROR", Message: err.Error()}
		}
		payload = cmdErr
	}
	raw, merr := marshalMessage(command, msg.ReqID, map[string]any{"data": payload})
	if merr != nil {
		c.log.Warn("Failed to marshal websocket reply", "command", msg.Command, "error", merr)
		return
	}
	if eerr := c.enqueue(raw); eerr != nil {
		c.log.Debug("Failed to queue websocket reply", "error", eerr)
	}
}
