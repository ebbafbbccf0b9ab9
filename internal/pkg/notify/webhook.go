package notify

import (
	"context"
	"fmt"
	"time"

	"stockwatcher/internal/model"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier 向任意 HTTP 端点 POST JSON。
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

type webhookPayload struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	URL        string `json:"url"`
	Target     string `json:"target"`
	DetectedAt string `json:"detected_at"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New().SetTimeout(15 * time.Second),
		url:    url,
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, alert model.Alert) error {
	if n.url == "" {
		return ErrNotConfigured
	}
	payload := webhookPayload{
		Title:      alert.Title,
		Message:    alert.Message,
		URL:        alert.URL,
		Target:     alert.TargetName,
		DetectedAt: alert.DetectedAt.UTC().Format(time.RFC3339),
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
