package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Webhook posts notifications as JSON to an HTTP endpoint.
type Webhook struct {
	url    string
	apiKey string
	client *http.Client
}

// NewWebhook creates a webhook backend. apiKey is sent as x-api-key when set.
func NewWebhook(url, apiKey string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, recipient, eventType string, payload map[string]any) error {
	body, err := json.Marshal(Message{
		Recipient: recipient,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return &PermanentError{Reason: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Reason: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("x-api-key", w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("webhook status %d", resp.StatusCode)
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return &RetryAfterError{Delay: time.Duration(secs) * time.Second, Err: err}
		}
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Reason: "bad_request", Err: fmt.Errorf("webhook status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}
