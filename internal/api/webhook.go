// ABOUTME: Outbound webhook forwarding delivered messages to an external consumer
// ABOUTME: Fire-and-forget POSTs with a bounded timeout; failures are logged, never retried

package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/bridge"
)

const webhookTimeout = 10 * time.Second

// Webhook POSTs delivered messages to a configured URL. It is designed
// as a bridge sink: delivery failures are logged and dropped so a slow
// or dead consumer never backs up the decryption pipeline. The URL can
// be changed at runtime; an empty URL disables forwarding.
type Webhook struct {
	mu     sync.RWMutex
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook forwarder.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// SetURL replaces the destination. Empty disables forwarding.
func (h *Webhook) SetURL(url string) {
	h.mu.Lock()
	h.url = url
	h.mu.Unlock()
	if url == "" {
		h.logger.Info("webhook disabled")
	} else {
		h.logger.Info("webhook destination updated", "url", url)
	}
}

// URL returns the current destination.
func (h *Webhook) URL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

// Deliver POSTs one message as JSON. Matches the bridge.Sink signature.
func (h *Webhook) Deliver(msg *bridge.DeliveredMessage) {
	url := h.URL()
	if url == "" {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode webhook payload", "event_id", msg.EventID, "error", err)
		return
	}

	resp, err := h.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		h.logger.Warn("webhook delivery failed", "event_id", msg.EventID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		h.logger.Warn("webhook rejected message", "event_id", msg.EventID, "status", resp.StatusCode)
	}
}
