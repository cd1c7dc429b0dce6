// Package webhook delivers lot announcements to an external HTTP endpoint.
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/safehttp"
)

// Notifier POSTs each notification as JSON.
type Notifier struct {
	url     string
	retries int
	backoff time.Duration
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// Config configures a webhook notifier.
type Config struct {
	URL     string
	Timeout time.Duration
	Retries int
	// Backoff is the pause between attempts. Defaults to 200ms.
	Backoff time.Duration
	Headers map[string]string
	// BlockPrivate refuses deliveries to loopback and private addresses.
	BlockPrivate bool
	Logger       *slog.Logger
}

// NewNotifier creates a new webhook notifier.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.BlockPrivate {
		transport = safehttp.NewTransport()
	}

	return &Notifier{
		url:     cfg.URL,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: cfg.Logger,
	}, nil
}

// Notify delivers n, retrying transport errors and non-2xx answers.
func (w *Notifier) Notify(ctx context.Context, n *domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	attempts := w.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
		}

		lastErr = w.doRequest(ctx, body)
		if lastErr == nil {
			return nil
		}
		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
		w.logger.Warn("webhook delivery failed",
			slog.String("lot_id", n.LotID),
			slog.Uint64("seq", n.Seq),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}
	return fmt.Errorf("webhook delivery of %s/%d failed: %w", n.LotID, n.Seq, lastErr)
}

func (w *Notifier) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Close releases idle connections.
func (w *Notifier) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
