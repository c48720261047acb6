// Package webhook posts terminal session events to client callback URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/puckettventures/converse/internal/models"
)

type Dispatcher struct {
	httpClient *http.Client
	secret     string
}

// NewDispatcher signs deliveries with secret when it is non-empty.
func NewDispatcher(timeout time.Duration, secret string) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: timeout},
		secret:     secret,
	}
}

// Deliver POSTs the event to url. Transport errors and non-2xx responses
// are returned so the queue can redeliver.
func (d *Dispatcher) Deliver(ctx context.Context, url, event string, payload models.WebhookEvent) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-ID", payload.SessionID)
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	slog.Info("webhook delivered",
		"session_id", payload.SessionID,
		"event", event,
		"status", resp.StatusCode,
	)
	return nil
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
