// Package notify delivers queued label change events to downstream
// consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/inbox"
)

// Sender delivers a batch of events. A batch is delivered whole or not at
// all.
type Sender interface {
	Send(ctx context.Context, events []inbox.LabelsChanged) error
}

// LogSender writes events to a logger. It is used when no webhook is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs each event at info level.
func (s LogSender) Send(ctx context.Context, events []inbox.LabelsChanged) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range events {
		logger.InfoContext(ctx, "labels changed",
			"event", e.ID,
			"org", e.OrgID,
			"message", e.BackendID,
			"added", e.Added,
			"removed", e.Removed)
	}
	return nil
}

// WebhookConfig holds configuration for a webhook sender.
type WebhookConfig struct {
	URL           string
	APIKey        string
	AllowInsecure bool
	Timeout       time.Duration
}

// Webhook posts event batches as JSON to an HTTP endpoint.
type Webhook struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewWebhook validates cfg and creates a webhook sender.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("URL scheme must be http or https, got: %s", parsedURL.Scheme)
	}

	// Enforce HTTPS unless AllowInsecure is set
	if parsedURL.Scheme == "http" && !cfg.AllowInsecure {
		return nil, fmt.Errorf("HTTPS required for webhook delivery\n\n" +
			"Options:\n" +
			"  1. Use HTTPS: [notifications] webhook_url = \"https://hooks.example.com/labels\"\n" +
			"  2. For trusted networks: add 'allow_insecure = true' to [notifications] in config.toml")
	}

	if parsedURL.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Webhook{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// payload is the webhook request body.
type payload struct {
	Events []inbox.LabelsChanged `json:"events"`
}

// Send posts the batch. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, events []inbox.LabelsChanged) error {
	body, err := json.Marshal(payload{Events: events})
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if w.apiKey != "" {
		req.Header.Set("X-API-Key", w.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// apiError represents an error response from the receiver.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleErrorResponse reads an error response and returns an appropriate error.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("webhook error (%d): %s", resp.StatusCode, apiErr.Message)
	}

	return fmt.Errorf("webhook error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
