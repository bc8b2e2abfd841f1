package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultBarkGroup = "trackersched"

// BarkNotifier pushes failure alerts to a Bark device endpoint.
type BarkNotifier struct {
	endpoint string
	group    string
	client   *http.Client
}

type barkMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group"`
	Level string `json:"level"`
}

// NewBarkNotifier targets baseURL, which already carries the device key
// (https://api.day.app/<key>). Alerts are grouped under group on the device.
func NewBarkNotifier(baseURL, group string) (*BarkNotifier, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	if group == "" {
		group = defaultBarkGroup
	}
	return &BarkNotifier{
		endpoint: endpoint,
		group:    group,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send posts one alert at the timeSensitive level.
func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkMessage{
		Title: title,
		Body:  body,
		Group: b.group,
		Level: "timeSensitive",
	})
	if err != nil {
		return fmt.Errorf("encode bark message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
