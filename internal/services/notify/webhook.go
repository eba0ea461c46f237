package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	EventCompilationComplete = "ar.compilation.complete"
	EventCompilationFailed   = "ar.compilation.failed"

	SecretHeader   = "X-Webhook-Secret"
	defaultTimeout = 10 * time.Second
)

// Event is the JSON body posted to the backend.
type Event struct {
	Type      string    `json:"event"`
	ProjectID uuid.UUID `json:"projectId"`
	OrderID   *string   `json:"orderId,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`

	MarkerQuality     *float64 `json:"markerQuality,omitempty"`
	KeyPointsCount    *int     `json:"keyPointsCount,omitempty"`
	CompilationTimeMs *int64   `json:"compilationTimeMs,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Client posts compile outcomes to the storefront backend. A client with an
// empty URL does nothing.
type Client struct {
	url    string
	secret string
	client *http.Client
}

func NewClient(url, secret string) *Client {
	return &Client{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

func (c *Client) Notify(ctx context.Context, ev Event) error {
	if !c.Enabled() {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call backend webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend webhook returned status: %d", resp.StatusCode)
	}

	slog.Debug("Webhook delivered", "event", ev.Type, "projectId", ev.ProjectID)
	return nil
}
