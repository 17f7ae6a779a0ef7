package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// webhookBody is the JSON document POSTed for every notification.
type webhookBody struct {
	RecipientID int64  `json:"recipient_id"`
	Text        string `json:"text"`
	Subject     string `json:"subject,omitempty"`
}

type webhookReply struct {
	MessageID string `json:"message_id"`
}

// Webhook POSTs notifications to a single HTTP endpoint, typically a relay
// owned by another team.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhook(cfg WebhookConfig, logger *zap.Logger) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (w *Webhook) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	body, err := json.Marshal(webhookBody{
		RecipientID: recipientID,
		Text:        content.Text,
		Subject:     content.Subject,
	})
	if err != nil {
		return Result{}, NewPermanent("webhook_encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, NewFatal("webhook_misconfigured", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Nudge/1.0.0")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, NewRetryable("webhook_unreachable", fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return Result{}, NewFatal("webhook_unauthorized", statusErr)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return Result{}, NewRetryable("webhook_unavailable", statusErr)
		default:
			return Result{}, NewPermanent("webhook_rejected", statusErr)
		}
	}

	var reply webhookReply
	_ = json.Unmarshal(bodyBytes, &reply)

	w.logger.Info("webhook delivered successfully",
		zap.Int64("recipient_id", recipientID),
		zap.Int("status_code", resp.StatusCode),
	)
	return Result{OK: true, ProviderMessageID: reply.MessageID}, nil
}
