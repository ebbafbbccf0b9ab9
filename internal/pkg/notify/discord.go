package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"stockwatcher/internal/model"

	"github.com/bwmarrin/discordgo"
)

const discordEmbedColor = 0x22c55e

// DiscordNotifier 通过 Discord Webhook 发送 embed 消息。
type DiscordNotifier struct {
	session   *discordgo.Session
	webhookID string
	token     string
}

// NewDiscordNotifier 解析形如 https://discord.com/api/webhooks/{id}/{token} 的地址。
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook 调用不需要 Bot token
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, webhookID: id, token: token}, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

func (n *DiscordNotifier) Send(ctx context.Context, alert model.Alert) error {
	params := &discordgo.WebhookParams{
		Username: "stockwatcher",
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       alert.Title,
				URL:         alert.URL,
				Description: alert.Message,
				Timestamp:   alert.DetectedAt.UTC().Format(time.RFC3339),
				Color:       discordEmbedColor,
			},
		},
	}
	if _, err := n.session.WebhookExecute(n.webhookID, n.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func parseDiscordWebhook(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid discord webhook url: %s", raw)
}
