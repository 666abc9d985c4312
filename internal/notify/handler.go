// Package notify delivers fired alerts: per-user channel selection, external
// transport handlers matched by URL scheme, the per-user history rows, and
// the single real-time broadcast per alert event.
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

// Handler is one external delivery transport. The dispatcher walks the
// registered handlers in order and invokes the first whose Matches accepts
// the channel URL.
type Handler interface {
	Name() string
	Matches(url string) bool
	Send(ctx context.Context, url, title, message string) error
}

// WebhookHandler posts alerts as JSON to plain http/https channel URLs. It is
// the catch-all transport: most external bridges (Slack, ntfy, Gotify,
// home-automation hooks) accept a JSON POST.
type WebhookHandler struct {
	client *http.Client
}

func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{client: &http.Client{Timeout: timeout}}
}

func (h *WebhookHandler) Name() string { return "webhook" }

func (h *WebhookHandler) Matches(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func (h *WebhookHandler) Send(ctx context.Context, url, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("notify: encoding webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}
