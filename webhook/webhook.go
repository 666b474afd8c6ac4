// Package webhook posts funnel step notifications to an external HTTP
// endpoint configured in the integration settings.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SecretHeader carries the shared secret configured alongside the
// webhook URL so the receiver can authenticate deliveries.
const SecretHeader = "X-ZapOrganic-Secret"

const defaultTimeout = 10 * time.Second

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook-failed-%d", e.Status)
}

// Dispatcher delivers JSON payloads to webhook URLs.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClient replaces the HTTP client used for deliveries.
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher with a default 10s timeout client.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Post serializes body as JSON and delivers it to url. A non-2xx
// response is returned as *StatusError; the response body is drained
// and discarded.
func (d *Dispatcher) Post(ctx context.Context, url, secret string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
