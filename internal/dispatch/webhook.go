package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ack is the optional body a downstream automation may return on success.
type Ack struct {
	PostID  string `json:"postId"`
	PostURL string `json:"postUrl"`
}

// DeliveryResult captures what came back from one webhook call, for the
// delivery log.
type DeliveryResult struct {
	Status int
	Body   string
	Ack    Ack
}

// WebhookClient POSTs dispatch payloads to the configured automation
// endpoint with a bounded timeout.
type WebhookClient struct {
	url    string
	client *http.Client
}

// NewWebhookClient builds a client for the given endpoint.
func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver sends the payload. Any non-2xx status, transport error, or
// unparseable acknowledgement is a delivery failure. The result is non-nil
// whenever a response was received, even on failure, so callers can log it.
func (c *WebhookClient) Deliver(ctx context.Context, payload Payload) (*DeliveryResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	result := &DeliveryResult{Status: resp.StatusCode, Body: string(respBody)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	// The ack body is optional; an empty or non-JSON 2xx body still counts
	// as delivered, but a JSON body that fails to decode does not.
	if len(respBody) > 0 && json.Valid(respBody) {
		if err := json.Unmarshal(respBody, &result.Ack); err != nil {
			return result, fmt.Errorf("decode webhook ack: %w", err)
		}
	}
	return result, nil
}
