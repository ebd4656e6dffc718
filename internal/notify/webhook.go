package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookChannel POSTs each notification as JSON.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

// NewWebhookChannel creates a webhook channel. An empty url yields nil.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "vn-autotrader/1.0")
	return &WebhookChannel{url: url, client: client}
}

// Name returns the channel name.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts n to the webhook.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"kind":      n.Kind,
		"level":     n.Level,
		"symbol":    n.Symbol,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
