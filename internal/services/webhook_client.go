package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"moldflow/backend/pkg/models"
)

// HTTPWebhook is an HTTP implementation of the Webhook interface.
type HTTPWebhook struct {
	url    string
	client *http.Client
}

// NewHTTPWebhook creates a new HTTPWebhook. It returns nil when url is empty.
func NewHTTPWebhook(url string, timeout time.Duration) *HTTPWebhook {
	if url == "" {
		return nil
	}
	return &HTTPWebhook{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookBody struct {
	Event         *models.TransitionEvent `json:"event"`
	Notifications []*models.Notification  `json:"notifications"`
}

// Deliver posts the event and its notifications as JSON.
func (c *HTTPWebhook) Deliver(ctx context.Context, ev *models.TransitionEvent, ns []*models.Notification) error {
	requestBody, err := json.Marshal(webhookBody{Event: ev, Notifications: ns})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Moldflow-Event", ev.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected event %s: status code %d", ev.ID, resp.StatusCode)
	}
	return nil
}
