// Delivery of password reset links.
//
// Settings:
//   - RESET_WEBHOOK_URL: Slack-compatible incoming webhook. Empty means the
//     link is only written to the log at debug level.
//   - RESET_URL: link template, e.g. https://app/reset?token={{reset.token}}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/credgate/backend/internal/config"
	"github.com/credgate/backend/internal/model"
	"github.com/credgate/backend/internal/template"
)

const defaultResetBody = "Password reset requested for {{reset.email}}. " +
	"Open {{reset.url}} within {{reset.expires_in_minutes}} minutes to choose a new password."

// WebhookMessage is the JSON body posted to the webhook. Slack incoming
// webhooks accept it as is.
type WebhookMessage struct {
	Text  string `json:"text"`
	Email string `json:"email"`
	URL   string `json:"url"`
}

// WebhookNotifier posts reset links to an HTTP endpoint.
type WebhookNotifier struct {
	webhookURL  string
	urlTemplate string
	body        string
	httpClient  *http.Client
	now         func() time.Time
}

func NewWebhookNotifier(webhookURL, urlTemplate string) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL:  webhookURL,
		urlTemplate: urlTemplate,
		body:        defaultResetBody,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (n *WebhookNotifier) SendReset(ctx context.Context, msg model.ResetMessage) error {
	data := template.ResetDataFromMessage(msg, n.urlTemplate, n.now())
	payload, err := json.Marshal(WebhookMessage{
		Text:  template.Render(n.body, &data),
		Email: msg.Email,
		URL:   data.URL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// LogNotifier writes reset links to the log. Intended for local development.
type LogNotifier struct {
	urlTemplate string
	log         zerolog.Logger
	now         func() time.Time
}

func NewLogNotifier(urlTemplate string, log zerolog.Logger) *LogNotifier {
	return &LogNotifier{urlTemplate: urlTemplate, log: log, now: time.Now}
}

func (n *LogNotifier) SendReset(_ context.Context, msg model.ResetMessage) error {
	data := template.ResetDataFromMessage(msg, n.urlTemplate, n.now())
	n.log.Debug().
		Str("email", msg.Email).
		Str("url", data.URL).
		Time("expires_at", msg.ExpiresAt).
		Msg("password reset link")
	return nil
}

// Notifier is satisfied by both delivery implementations.
type Notifier interface {
	SendReset(ctx context.Context, msg model.ResetMessage) error
}

// NewResetNotifier picks the webhook when one is configured.
func NewResetNotifier(cfg config.ResetConfig, log zerolog.Logger) Notifier {
	if cfg.WebhookURL != "" {
		return NewWebhookNotifier(cfg.WebhookURL, cfg.URL)
	}
	return NewLogNotifier(cfg.URL, log)
}
