// Package syncproxy is the RPC client for the sibling sync proxy service,
// which acts as a Matrix client on behalf of each bridge.
package syncproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/beeper/asmux/internal/database"
)

const rpcPath = "/_matrix/client/unstable/fi.mau.syncproxy/"

// Error codes the stop call treats as "already stopped".
const (
	errcodeNotFound       = "M_NOT_FOUND"
	errcodeProxyNotActive = "FI.MAU.SYNCPROXY.NOT_ACTIVE"
)

// StartRequest is the body of a sync proxy start call.
type StartRequest struct {
	AppServiceID   string `json:"appservice_id"`
	UserID         string `json:"user_id"`
	BotAccessToken string `json:"bot_access_token"`
	DeviceID       string `json:"device_id"`
	HSToken        string `json:"hs_token"`
	Address        string `json:"address"`
	IsProxy        bool   `json:"is_proxy"`
}

type matrixError struct {
	Errcode string `json:"errcode"`
	Error   string `json:"error"`
}

// Client talks to one sync proxy deployment. There is no request timeout on
// purpose: the sync proxy may block on an initial /sync.
type Client struct {
	baseURL    string
	token      string
	ownAddress string
	hsToken    string
	mxidPrefix string
	mxidSuffix string
	http       *http.Client
}

func NewClient(baseURL, token, ownAddress, hsToken, mxidPrefix, mxidSuffix string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		ownAddress: ownAddress,
		hsToken:    hsToken,
		mxidPrefix: mxidPrefix,
		mxidSuffix: mxidSuffix,
		http:       &http.Client{},
	}
}

// Enabled reports whether a sync proxy is configured at all.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) do(ctx context.Context, method string, az *database.AppService, body any) (json.RawMessage, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	url := c.baseURL + rpcPath + az.ID.String()
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	decodeErr := json.NewDecoder(resp.Body).Decode(&raw)
	if resp.StatusCode >= 400 {
		var merr matrixError
		if decodeErr == nil {
			_ = json.Unmarshal(raw, &merr)
		}
		if merr.Errcode == errcodeNotFound || merr.Errcode == errcodeProxyNotActive {
			return nil, nil
		}
		return nil, fmt.Errorf("sync proxy returned HTTP %d (%s)", resp.StatusCode, merr.Errcode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode sync proxy response: %w", decodeErr)
	}
	return raw, nil
}

// Start asks the sync proxy to begin syncing for an appservice. accessToken
// and deviceID come from the bridge's start_sync websocket request.
func (c *Client) Start(ctx context.Context, az *database.AppService, accessToken, deviceID string) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("sync proxy is not configured")
	}
	req := &StartRequest{
		AppServiceID:   az.ID.String(),
		UserID:         c.mxidPrefix + az.Owner + "_" + az.Prefix + "_" + az.Bot + c.mxidSuffix,
		BotAccessToken: accessToken,
		DeviceID:       deviceID,
		HSToken:        c.hsToken,
		Address:        c.ownAddress,
		IsProxy:        true,
	}
	slog.Debug("Requesting sync proxy start", "appservice", az.Name())
	return c.do(ctx, http.MethodPut, az, req)
}

// Stop asks the sync proxy to stop syncing for an appservice. Failures are
// logged, not returned: stop is always best-effort.
func (c *Client) Stop(ctx context.Context, az *database.AppService) {
	if !c.Enabled() {
		return
	}
	slog.Debug("Requesting sync proxy stop", "appservice", az.Name())
	if _, err := c.do(ctx, http.MethodDelete, az, nil); err != nil {
		slog.Warn("Failed to request sync proxy stop", "appservice", az.Name(), "error", err)
	}
}
