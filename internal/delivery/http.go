package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/events"
)

// Delivery attempt budgets. Transactions without PDUs are not worth many
// retries: the homeserver resends typing and presence on its own.
const (
	httpRetriesWithPDUs = 10
	httpRetriesEDUOnly  = 2

	initialRetryWait  = time.Second
	retryWaitMultiply = 1.5
)

// Delivery result strings as exposed in the synchronous transaction response.
const (
	ResultOK           = "ok"
	ResultHTTPGaveUp   = "http-gave-up"
	ResultNoWebsocket  = "websocket-not-connected"
	ResultWSNotEnabled = "websocket-not-enabled"
)

// HTTP is the push-mode transport: transactions are PUT to the address each
// appservice registered.
type HTTP struct {
	client     *http.Client
	mxidSuffix string
}

func NewHTTP(mxidSuffix string) *HTTP {
	return &HTTP{
		client:     &http.Client{Timeout: time.Minute},
		mxidSuffix: mxidSuffix,
	}
}

// PostEvents pushes one envelope to the appservice, retrying with exponential
// backoff until the budget runs out. The return value is a delivery result
// string, never an error: the envelope is gone from the queue either way.
func (h *HTTP) PostEvents(ctx context.Context, az *database.AppService, txn *events.Events) string {
	payload, err := json.Marshal(txn)
	if err != nil {
		slog.Error("Failed to marshal transaction", "appservice", az.Name(), "txn_id", txn.TxnID, "error", err)
		return ResultHTTPGaveUp
	}
	attempts := httpRetriesEDUOnly
	if len(txn.PDU) > 0 {
		attempts = httpRetriesWithPDUs
	}
	target := az.Address + "/_matrix/app/v1/transactions/" + url.PathEscape(txn.TxnID) +
		"?access_token=" + url.QueryEscape(az.HSToken)

	wait := initialRetryWait
	for attempt := 1; ; attempt++ {
		err := h.putTransaction(ctx, target, payload)
		if err == nil {
			return ResultOK
		}
		if attempt >= attempts || ctx.Err() != nil {
			slog.Warn("Gave up trying to send transaction",
				"appservice", az.Name(), "txn_id", txn.TxnID, "attempts", attempt, "error", err)
			return ResultHTTPGaveUp
		}
		slog.Warn("Failed to send transaction, retrying",
			"appservice", az.Name(), "txn_id", txn.TxnID, "attempt", attempt, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ResultHTTPGaveUp
		}
		wait = time.Duration(float64(wait) * retryWaitMultiply)
	}
}

func (h *HTTP) putTransaction(ctx context.Context, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}

// Ping asks a push-mode appservice for its bridge state. Errors are folded
// into an error-shaped state object so the caller always has something to
// return to the user.
func (h *HTTP) Ping(ctx context.Context, az *database.AppService) *GlobalBridgeState {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	target := az.Address + "/_matrix/app/com.beeper.bridge_state?user_id=" +
		url.QueryEscape("@"+az.Owner+h.mxidSuffix)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return makePingError("http-fatal-error", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+az.HSToken)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return makePingError("io-timeout", "Timeout while waiting for ping response")
		}
		return makePingError("http-connection-error", err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return makePingError("ping-http-"+strconv.Itoa(resp.StatusCode), "HTTP "+resp.Status+" pinging bridge")
	}
	var state GlobalBridgeState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return makePingError("http-not-json", "Bridge returned non-JSON ping response")
	}
	return &state
}
