package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookCarrier posts payloads to a configured HTTP endpoint. It is the
// built-in carrier the server runs with; gateway-specific encodings live
// behind other Carrier implementations.
//
// Classification: 2xx delivered; 408, 429, and 5xx retryable; any other 4xx
// terminal; transport errors retryable.
type WebhookCarrier struct {
	endpoint string
	client   *http.Client
}

// NewWebhookCarrier creates a carrier posting to endpoint.
func NewWebhookCarrier(endpoint string) *WebhookCarrier {
	return &WebhookCarrier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements Carrier.
func (c *WebhookCarrier) Send(ctx context.Context, recipient string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Terminal(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Courier-Recipient", recipient)

	resp, err := c.client.Do(req)
	if err != nil {
		return Retryable(fmt.Sprintf("post %s: %v", c.endpoint, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Retryable(fmt.Sprintf("endpoint returned %s", resp.Status))
	default:
		return Terminal(fmt.Sprintf("endpoint returned %s", resp.Status))
	}
}
