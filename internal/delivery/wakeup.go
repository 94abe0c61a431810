package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beeper/asmux/internal/database"
)

// pushNotification is the push gateway notify body used to wake a dormant
// websocket client.
type pushNotification struct {
	Notification struct {
		Devices []pushDevice `json:"devices"`
	} `json:"notification"`
}

type pushDevice struct {
	AppID   string `json:"app_id"`
	PushKey string `json:"pushkey"`
}

// Pusher delivers wakeup pushes through the push gateway each appservice
// registered via the push_key websocket command.
type Pusher struct {
	client *http.Client
}

func NewPusher() *Pusher {
	return &Pusher{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Push sends one wakeup notification. Rate limiting and websocket-liveness
// gating happen in the caller; this only talks to the gateway.
func (p *Pusher) Push(ctx context.Context, az *database.AppService) error {
	if !az.PushKey.IsValid() {
		return fmt.Errorf("appservice %s has no valid push key", az.Name())
	}
	var body pushNotification
	body.Notification.Devices = []pushDevice{{
		AppID:   az.PushKey.AppID,
		PushKey: az.PushKey.PushKey,
	}}
	payload, err := json.Marshal(&body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, az.PushKey.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send wakeup push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned HTTP %d", resp.StatusCode)
	}
	return nil
}
