package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"queuewatch/internal/domain"
	"queuewatch/internal/worker"
)

// URLKey overrides the webhook target per queue.
const URLKey = "webhookUrl"

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 4 << 10

// Webhook POSTs each message body to a URL. Any 4xx or 5xx response leaves
// the message for redelivery.
type Webhook struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

func (h Webhook) Handle(ctx context.Context, rec *domain.WatchRecord, ev *worker.Event) error {
	target := h.URL
	if u, ok := rec.Extra[URLKey].(string); ok && u != "" {
		target = u
	}
	if target == "" {
		return fmt.Errorf("URL is required")
	}

	client := h.Client
	if client == nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second // default 30 seconds
		}
		client = &http.Client{Timeout: timeout}
	}

	msg := ev.Message()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if json.Valid(msg.Body) {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	req.Header.Set("X-Queuewatch-Queue", rec.QueueName)
	req.Header.Set("X-Queuewatch-Message-Id", msg.ID)
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
