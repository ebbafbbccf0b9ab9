package notify

import (
	"context"
	"fmt"
	"time"

	"stockwatcher/internal/model"

	"github.com/go-resty/resty/v2"
)

const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

// PushoverNotifier 通过 Pushover 推送到手机。
type PushoverNotifier struct {
	client   *resty.Client
	endpoint string
	token    string
	user     string
}

// NewPushoverNotifier 创建 Pushover 通知器。
func NewPushoverNotifier(token, user string) *PushoverNotifier {
	return &PushoverNotifier{
		client:   resty.New().SetTimeout(15 * time.Second),
		endpoint: pushoverEndpoint,
		token:    token,
		user:     user,
	}
}

func (n *PushoverNotifier) Name() string { return "pushover" }

// Send 以表单形式提交消息，非 2xx 响应视为失败。
func (n *PushoverNotifier) Send(ctx context.Context, alert model.Alert) error {
	if n.token == "" || n.user == "" {
		return ErrNotConfigured
	}
	data := map[string]string{
		"token":   n.token,
		"user":    n.user,
		"title":   alert.Title,
		"message": alert.Message,
	}
	if alert.URL != "" {
		data["url"] = alert.URL
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(data).
		Post(n.endpoint)
	if err != nil {
		return fmt.Errorf("pushover request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("pushover status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
