package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/events"
	"github.com/beeper/asmux/internal/queue"
)

func testAppService(addr string) *database.AppService {
	return &database.AppService{
		ID:      uuid.New(),
		Owner:   "acme",
		Prefix:  "telegram",
		Bot:     "telegrambot",
		Address: addr,
		HSToken: "hs-secret",
		ASToken: "as-secret",
	}
}

func TestMarshalMessageMergesObjectPayload(t *testing.T) {
	raw, err := marshalMessage("transaction", 3, map[string]any{"txn_id": "t1", "status": "ok"})
	require.NoError(t, err)

	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.JSONEq(t, `"transaction"`, string(frame["command"]))
	assert.JSONEq(t, `3`, string(frame["id"]))
	assert.JSONEq(t, `"t1"`, string(frame["txn_id"]))
	assert.JSONEq(t, `"ok"`, string(frame["status"]))
}

func TestMarshalMessageWrapsScalarPayload(t *testing.T) {
	raw, err := marshalMessage("ping", 0, 42)
	require.NoError(t, err)

	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.JSONEq(t, `42`, string(frame["data"]))
	_, hasID := frame["id"]
	assert.False(t, hasID)
}

func TestTransactionPayload(t *testing.T) {
	txn := events.New("txn-1")
	txn.AddPDU(events.Event{Type: "m.room.message", RoomID: "!r:example.com"})

	payload, err := transactionPayload(txn)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(payload["status"]))
	assert.JSONEq(t, `"txn-1"`, string(payload["txn_id"]))
	var pdus []events.Event
	require.NoError(t, json.Unmarshal(payload["events"], &pdus))
	require.Len(t, pdus, 1)
	assert.Equal(t, "m.room.message", pdus[0].Type)
}

func TestHTTPPostEventsSuccess(t *testing.T) {
	var gotPath, gotToken string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	az := testAppService(srv.URL)
	txn := events.New("txn a,txn b")
	txn.AddPDU(events.Event{Type: "m.room.message"})

	result := NewHTTP(":example.com").PostEvents(context.Background(), az, txn)
	assert.Equal(t, ResultOK, result)
	assert.Equal(t, "/_matrix/app/v1/transactions/txn a,txn b", gotPath)
	assert.Equal(t, "hs-secret", gotToken)
	assert.Contains(t, gotBody, "events")
}

func TestHTTPPostEventsGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	az := testAppService(srv.URL)
	// EDU-only transactions get the short retry budget.
	txn := events.New("txn-1")
	txn.AddEDU(events.Event{Type: "m.typing"})

	result := NewHTTP(":example.com").PostEvents(context.Background(), az, txn)
	assert.Equal(t, ResultHTTPGaveUp, result)
	assert.EqualValues(t, httpRetriesEDUOnly, attempts.Load())
}

func TestHTTPPostEventsOnlyRetriesErrorStatus(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		// Anything below 400 counts as delivered.
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	az := testAppService(srv.URL)
	txn := events.New("txn-1")
	txn.AddEDU(events.Event{Type: "m.typing"})

	result := NewHTTP(":example.com").PostEvents(context.Background(), az, txn)
	assert.Equal(t, ResultOK, result)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestHTTPPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hs-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "@acme:example.com", r.URL.Query().Get("user_id"))
		_ = json.NewEncoder(w).Encode(&GlobalBridgeState{
			BridgeState: BridgeState{StateEvent: "CONNECTED"},
		})
	}))
	defer srv.Close()

	state := NewHTTP(":example.com").Ping(context.Background(), testAppService(srv.URL))
	assert.Equal(t, "CONNECTED", state.BridgeState.StateEvent)
}

func TestHTTPPingErrors(t *testing.T) {
	badStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer badStatus.Close()
	state := NewHTTP(":example.com").Ping(context.Background(), testAppService(badStatus.URL))
	assert.Equal(t, "BRIDGE_UNREACHABLE", state.BridgeState.StateEvent)
	assert.Equal(t, "ping-http-500", state.BridgeState.Error)

	notJSON := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer notJSON.Close()
	state = NewHTTP(":example.com").Ping(context.Background(), testAppService(notJSON.URL))
	assert.Equal(t, "http-not-json", state.BridgeState.Error)

	state = NewHTTP(":example.com").Ping(context.Background(), testAppService("http://127.0.0.1:1"))
	assert.Equal(t, "http-connection-error", state.BridgeState.Error)
}

// dialConn upgrades an incoming request, hands the server-side Conn to the
// test and returns the client side.
func dialConn(t *testing.T, ready chan<- *Conn, proto int) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn(sock, slog.Default(), "test", proto)
		ready <- c
		c.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnRequestResponse(t *testing.T) {
	ready := make(chan *Conn, 1)
	client := dialConn(t, ready, 3)
	server := <-ready

	type result struct {
		data json.RawMessage
		err  error
	}
	results := make(chan result, 1)
	go func() {
		data, err := server.Request(context.Background(), "ping", nil, 5*time.Second)
		results <- result{data, err}
	}()

	var frame map[string]json.RawMessage
	require.NoError(t, client.ReadJSON(&frame))
	assert.JSONEq(t, `"ping"`, string(frame["command"]))
	var reqID int64
	require.NoError(t, json.Unmarshal(frame["id"], &reqID))

	require.NoError(t, client.WriteJSON(map[string]any{
		"command": "response",
		"id":      reqID,
		"data":    map[string]any{"timestamp": 123},
	}))

	got := <-results
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"timestamp":123}`, string(got.data))
}

func TestConnRequestErrorFrame(t *testing.T) {
	ready := make(chan *Conn, 1)
	client := dialConn(t, ready, 3)
	server := <-ready

	errs := make(chan error, 1)
	go func() {
		_, err := server.Request(context.Background(), "ping", nil, 5*time.Second)
		errs <- err
	}()

	var frame map[string]json.RawMessage
	require.NoError(t, client.ReadJSON(&frame))
	var reqID int64
	require.NoError(t, json.Unmarshal(frame["id"], &reqID))
	require.NoError(t, client.WriteJSON(map[string]any{
		"command": "error",
		"id":      reqID,
		"data":    map[string]string{"code": "TEST", "message": "nope"},
	}))

	err := <-errs
	var cmdErr *wsCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "TEST", cmdErr.Code)
	assert.Equal(t, "nope", cmdErr.Message)
}

func TestConnRequestTimeout(t *testing.T) {
	ready := make(chan *Conn, 1)
	_ = dialConn(t, ready, 3)
	server := <-ready

	start := time.Now()
	_, err := server.Request(context.Background(), "ping", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, errRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	// The counter is the caller's job, a timed-out request alone must not
	// touch it.
	assert.Equal(t, 0, server.Timeouts())
}

func TestConnCommandDispatch(t *testing.T) {
	ready := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn(sock, slog.Default(), "test", 3)
		c.Handle("echo", func(_ context.Context, data json.RawMessage) (any, error) {
			return map[string]json.RawMessage{"echoed": data}, nil
		})
		ready <- c
		c.Run(context.Background())
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	<-ready

	require.NoError(t, client.WriteJSON(map[string]any{
		"command": "echo",
		"id":      7,
		"data":    map[string]string{"hello": "world"},
	}))

	var frame map[string]json.RawMessage
	require.NoError(t, client.ReadJSON(&frame))
	assert.JSONEq(t, `"response"`, string(frame["command"]))
	assert.JSONEq(t, `7`, string(frame["id"]))
	assert.JSONEq(t, `{"echoed":{"hello":"world"}}`, string(frame["data"]))
}

func TestShouldWakeupGate(t *testing.T) {
	wd := NewWebsocket(nil, nil, nil, nil, nil, NewPusher(), nil)
	az := testAppService("")

	// No push key registered.
	assert.False(t, wd.shouldWakeup(az, false))

	az.PushKey = &database.PushKey{URL: "http://push.example.com", AppID: "app", PushKey: "key"}
	assert.True(t, wd.shouldWakeup(az, false))

	// Passing the gate claims the push slot, so the next caller is spaced out.
	assert.False(t, wd.shouldWakeup(az, false))
	wd.prevWakeupPush[az.ID] = time.Now().Add(-MinWakeupPushDelay)
	assert.True(t, wd.shouldWakeup(az, false))

	// A live websocket suppresses wakeups.
	c := NewConn(nil, slog.Default(), "test", 3)
	wd.conns[az.ID] = c
	wd.prevWakeupPush[az.ID] = time.Now().Add(-MinWakeupPushDelay)
	assert.False(t, wd.shouldWakeup(az, false))

	// A silent websocket does not.
	c.lastReceived.Store(time.Now().Add(-MinTimeSinceWSMessage - time.Second).UnixNano())
	assert.True(t, wd.shouldWakeup(az, false))

	// Timeout-only mode needs at least one timeout.
	wd.prevWakeupPush[az.ID] = time.Now().Add(-MinWakeupPushDelay)
	assert.False(t, wd.shouldWakeup(az, true))
	c.AddTimeout()
	assert.True(t, wd.shouldWakeup(az, true))
}

func TestShouldWakeupGateClaimsOnce(t *testing.T) {
	wd := NewWebsocket(nil, nil, nil, nil, nil, NewPusher(), nil)
	az := testAppService("")
	az.PushKey = &database.PushKey{URL: "http://push.example.com", AppID: "app", PushKey: "key"}

	var passed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if wd.shouldWakeup(az, false) {
				passed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.EqualValues(t, 1, passed.Load())
}

func TestPusherPush(t *testing.T) {
	var got pushNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	az := testAppService("")
	az.PushKey = &database.PushKey{URL: srv.URL, AppID: "com.beeper.sms", PushKey: "token123"}

	require.NoError(t, NewPusher().Push(context.Background(), az))
	require.Len(t, got.Notification.Devices, 1)
	assert.Equal(t, "com.beeper.sms", got.Notification.Devices[0].AppID)
	assert.Equal(t, "token123", got.Notification.Devices[0].PushKey)

	az.PushKey = nil
	assert.Error(t, NewPusher().Push(context.Background(), az))
}

// fakeStream is an in-memory queue.StreamClient.
type fakeStream struct {
	mu      sync.Mutex
	nextID  int
	entries map[string][]queue.StreamEntry
}

func newFakeStream() *fakeStream {
	return &fakeStream{entries: make(map[string][]queue.StreamEntry)}
}

func (f *fakeStream) Append(_ context.Context, stream string, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.entries[stream] = append(f.entries[stream], queue.StreamEntry{
		ID:      strconv.Itoa(f.nextID),
		Payload: payload,
	})
	return nil
}

func (f *fakeStream) ReadBlocking(ctx context.Context, stream string, count int64, block time.Duration) ([]queue.StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.mu.Lock()
		entries := append([]queue.StreamEntry(nil), f.entries[stream]...)
		f.mu.Unlock()
		if len(entries) > 0 {
			if int64(len(entries)) > count {
				entries = entries[:count]
			}
			return entries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeStream) Delete(_ context.Context, stream string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := f.entries[stream][:0]
	for _, entry := range f.entries[stream] {
		if _, ok := drop[entry.ID]; !ok {
			kept = append(kept, entry)
		}
	}
	f.entries[stream] = kept
	return nil
}

func (f *fakeStream) Range(_ context.Context, stream string) ([]queue.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.StreamEntry(nil), f.entries[stream]...), nil
}

func (f *fakeStream) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, entries := range f.entries {
		total += len(entries)
	}
	return total
}

type fakeCloseRequester struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeCloseRequester) RequestClose(_ context.Context, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeCloseRequester) calls(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, got := range f.ids {
		if got == id {
			count++
		}
	}
	return count
}

func TestHandleWebsocketReplacesOldConnection(t *testing.T) {
	coord := &fakeCloseRequester{}
	az := testAppService("")
	wd := NewWebsocket(
		queue.NewManager(newFakeStream(), ":example.com", nil),
		nil, nil, coord, nil, NewPusher(),
		[]string{az.Prefix},
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wd.HandleWebsocket(w, r, az)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(id string) *websocket.Conn {
		hdr := http.Header{}
		hdr.Set("X-Mautrix-Websocket-Version", "3")
		hdr.Set("X-Mautrix-Process-ID", id)
		client, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		var frame map[string]json.RawMessage
		require.NoError(t, client.ReadJSON(&frame))
		assert.JSONEq(t, `"connect"`, string(frame["command"]))
		return client
	}

	first := dial("first")
	require.True(t, wd.HasWebsocket(az.ID))

	dial("second")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	var closeErr *websocket.CloseError
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, CloseConnReplaced, closeErr.Code)
	assert.Equal(t, StatusConnReplaced, closeErr.Text)

	// The table points at the replacement and both handshakes told the fleet.
	require.True(t, wd.HasWebsocket(az.ID))
	assert.Equal(t, "second", wd.getConn(az.ID).Identifier)
	assert.Equal(t, 2, coord.calls(az.ID))
}

func pushTestTransaction(t *testing.T, q *queue.Queue) {
	t.Helper()
	txn := events.New("txn-1")
	txn.AddPDU(events.Event{
		Type:           "m.room.message",
		RoomID:         "!r:example.com",
		OriginServerTS: time.Now().UnixMilli(),
	})
	require.NoError(t, q.Push(context.Background(), txn))
}

// drainFrames keeps reading (and never acknowledging) until the peer closes.
func drainFrames(client *websocket.Conn, closed chan<- *websocket.CloseError) {
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closed <- closeErr
			}
			return
		}
	}
}

func TestConsumeOneTimeoutDisconnect(t *testing.T) {
	ready := make(chan *Conn, 1)
	client := dialConn(t, ready, 3)
	c := <-ready

	stream := newFakeStream()
	az := testAppService("")
	q := queue.New(stream, az, ":example.com", nil)
	pushTestTransaction(t, q)

	wd := NewWebsocket(nil, nil, nil, nil, nil, NewPusher(), nil)
	wd.firstSendTimeout = 20 * time.Millisecond
	wd.retrySendTimeout = 20 * time.Millisecond

	closed := make(chan *websocket.CloseError, 1)
	go drainFrames(client, closed)

	for i := 0; i < TimeoutCountLimit; i++ {
		require.NoError(t, wd.consumeOne(context.Background(), az, c, q))
	}
	assert.Equal(t, TimeoutCountLimit, c.Timeouts())

	select {
	case closeErr := <-closed:
		assert.Equal(t, CloseNotAcknowledged, closeErr.Code)
		assert.Equal(t, StatusNotAcknowledged, closeErr.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("websocket was not closed after repeated unacknowledged sends")
	}
	// The undelivered batch stays on the stream for the next connection.
	assert.Equal(t, 1, stream.remaining())
}

func TestConsumeOneLegacyTimeoutDrops(t *testing.T) {
	ready := make(chan *Conn, 1)
	client := dialConn(t, ready, 2)
	c := <-ready

	stream := newFakeStream()
	az := testAppService("")
	q := queue.New(stream, az, ":example.com", nil)
	pushTestTransaction(t, q)

	wd := NewWebsocket(nil, nil, nil, nil, nil, NewPusher(), nil)
	wd.retrySendTimeout = 20 * time.Millisecond

	closed := make(chan *websocket.CloseError, 1)
	go drainFrames(client, closed)

	require.NoError(t, wd.consumeOne(context.Background(), az, c, q))

	// Old protocol clients can't deduplicate, so the timed-out batch is
	// dropped instead of retried and the connection stays up.
	assert.Equal(t, 1, c.Timeouts())
	assert.False(t, c.Dead())
	assert.Equal(t, 0, stream.remaining())
}
