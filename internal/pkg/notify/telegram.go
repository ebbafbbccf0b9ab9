package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"stockwatcher/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier 通过 Telegram Bot 发送消息到指定 chat。
//
// Bot 在首次发送时才初始化（会调用一次 getMe 校验 token），
// 初始化失败会在下一次发送时重试，启动时的网络抖动不会让渠道永久失效。
type TelegramNotifier struct {
	token    string
	endpoint string
	chatID   int64
	client   *http.Client

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return newTelegramNotifier(token, tgbotapi.APIEndpoint, chatID, &http.Client{})
}

func newTelegramNotifier(token, endpoint string, chatID int64, client *http.Client) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, ErrNotConfigured
	}
	return &TelegramNotifier{
		token:    token,
		endpoint: endpoint,
		chatID:   chatID,
		client:   client,
	}, nil
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// bot 返回已初始化的 BotAPI，未初始化时尝试初始化。
func (n *TelegramNotifier) bot() (*tgbotapi.BotAPI, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.api != nil {
		return n.api, nil
	}
	api, err := tgbotapi.NewBotAPIWithClient(n.token, n.endpoint, n.client)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	api.Debug = false
	n.api = api
	return api, nil
}

func (n *TelegramNotifier) Send(ctx context.Context, alert model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	api, err := n.bot()
	if err != nil {
		return err
	}
	text := fmt.Sprintf("%s\n%s", alert.Title, alert.Message)
	if alert.URL != "" {
		text += "\n" + alert.URL
	}
	if _, err := api.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
