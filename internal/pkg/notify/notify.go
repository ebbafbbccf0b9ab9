package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/metrics"
)

// ErrNotConfigured 通知渠道缺少必要凭据。
var ErrNotConfigured = errors.New("notifier not configured")

// Notifier 定义通知接口。
type Notifier interface {
	// Name 返回渠道名称，用于日志与指标。
	Name() string
	// Send 发送通知。
	//
	// 参数:
	//   ctx: 上下文
	//   alert: 通知内容（商品名称、链接、标题、正文）
	Send(ctx context.Context, alert model.Alert) error
}

// Multi 将同一条通知发送到所有已配置的渠道。
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti 创建组合通知器。
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

// Len 返回已启用的渠道数量。
func (m *Multi) Len() int { return len(m.notifiers) }

// Names 返回已启用的渠道名称。
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Send 依次发送到每个渠道，单个渠道失败不影响其他渠道，所有错误合并返回。
func (m *Multi) Send(ctx context.Context, alert model.Alert) error {
	if len(m.notifiers) == 0 {
		m.logger.Warn("no notifier configured, skip notification", slog.String("url", alert.URL))
		return nil
	}

	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(n.Name(), "sent").Inc()
		m.logger.Info("notification sent",
			slog.String("channel", n.Name()),
			slog.String("target", alert.TargetName))
	}
	return errors.Join(errs...)
}

// FromConfig 根据配置中存在的凭据构建通知器。
//
// 配置格式错误时返回 error。构建过程不访问网络，Telegram Bot 在首次发送时才初始化。
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Multi, error) {
	var notifiers []Notifier

	if cfg.Notify.PushoverToken != "" && cfg.Notify.PushoverUser != "" {
		notifiers = append(notifiers, NewPushoverNotifier(cfg.Notify.PushoverToken, cfg.Notify.PushoverUser))
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		d, err := NewDiscordNotifier(cfg.Notify.DiscordWebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, d)
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.Email.SMTPHost != "" && cfg.Email.SMTPUser != "" && cfg.Email.FromEmail != "" && cfg.Email.ToEmail != "" {
		notifiers = append(notifiers, NewEmailNotifier(&cfg.Email, logger))
	}

	m := NewMulti(logger, notifiers...)
	logger.Info("notifiers configured", slog.Any("channels", m.Names()))
	return m, nil
}
