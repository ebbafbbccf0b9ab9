package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"stockwatcher/internal/model"

	"github.com/spf13/viper"
)

// 通知策略
const (
	NotifyModeTransition = "transition" // 仅在状态从非有货变为有货时通知
	NotifyModeEvery      = "every"      // 每次检测到有货都通知
)

const defaultConfigPath = "configs/config.json"

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig      `json:"app"`
	Targets []model.Target `json:"targets"`
	Detect  DetectConfig   `json:"detect"`
	Browser BrowserConfig  `json:"browser"`
	Redis   RedisConfig    `json:"redis"`
	Notify  NotifyConfig   `json:"notify"`
	Email   EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env                 string        `json:"env"`                     // 运行环境: local / prod
	LogLevel            string        `json:"log_level"`               // 日志级别: debug / info / warn / error
	HTTPAddr            string        `json:"http_addr"`               // 状态服务监听地址，为空则不启动
	CheckInterval       time.Duration `json:"check_interval"`          // 轮询间隔（如 "60s"）
	NotifyMode          string        `json:"notify_mode"`             // transition / every
	RecycleEvery        int           `json:"recycle_every"`           // 每 N 轮重启浏览器，0 表示不重启
	SendTestPushOnStart bool          `json:"send_test_push_on_start"` // 启动时发送一条测试通知
}

// DetectConfig 页面库存判断使用的文案。
type DetectConfig struct {
	AddToCartTexts []string `json:"add_to_cart_texts"` // 可购买按钮文案
	SoldOutTexts   []string `json:"sold_out_texts"`    // 售罄文案
	NotifyMeTexts  []string `json:"notify_me_texts"`   // 到货提醒文案
	OverlayTexts   []string `json:"overlay_texts"`     // 需要点击关闭的弹窗按钮文案
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	BinPath           string        `json:"bin_path"`           // 浏览器可执行文件路径
	ProxyURL          string        `json:"proxy_url"`          // 代理服务器 URL
	Headless          bool          `json:"headless"`           // 是否使用无头模式
	Stealth           bool          `json:"stealth"`            // 是否注入 stealth 脚本
	LightMode         bool          `json:"light_mode"`         // 屏蔽图片/字体/媒体等重资源
	UserAgent         string        `json:"user_agent"`         // 自定义 UA
	ViewportWidth     int           `json:"viewport_width"`     // 视口宽度
	ViewportHeight    int           `json:"viewport_height"`    // 视口高度
	NavigationTimeout time.Duration `json:"navigation_timeout"` // 页面导航超时
	ActionTimeout     time.Duration `json:"action_timeout"`     // 单个页面操作超时
}

// RedisConfig 告警去重配置，Addr 为空时关闭。
type RedisConfig struct {
	Addr          string        `json:"addr"`           // Redis 地址 (host:port)
	Password      string        `json:"password"`       // Redis 密码
	AlertCooldown time.Duration `json:"alert_cooldown"` // 同一 URL 重复告警的冷却时间
}

// NotifyConfig 各通知渠道的凭据，未填写的渠道不会启用。
type NotifyConfig struct {
	PushoverToken     string `json:"pushover_token"`
	PushoverUser      string `json:"pushover_user"`
	WebhookURL        string `json:"webhook_url"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
	TelegramToken     string `json:"telegram_token"`
	TelegramChatID    int64  `json:"telegram_chat_id"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// Load 从 JSON 文件加载配置。
//
// 配置文件不存在时使用默认值；之后总会应用环境变量覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := defaultConfigPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// 在默认值之上解析，文件中未出现的字段保持默认
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate 校验运行所需的最小配置。
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	for i, t := range c.Targets {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("target %d: parse url: %w", i, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target %d: invalid url %q", i, t.URL)
		}
	}
	switch c.App.NotifyMode {
	case NotifyModeTransition, NotifyModeEvery:
	default:
		return fmt.Errorf("invalid notify_mode %q", c.App.NotifyMode)
	}
	if c.App.CheckInterval <= 0 {
		return errors.New("check_interval must be positive")
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:           "local",
			LogLevel:      "info",
			HTTPAddr:      ":8080",
			CheckInterval: 60 * time.Second,
			NotifyMode:    NotifyModeTransition,
			RecycleEvery:  200,
		},
		Detect: DetectConfig{
			AddToCartTexts: []string{"Add to Cart", "Add to Bag", "Add to Basket", "Buy Now", "Purchase"},
			SoldOutTexts:   []string{"Sold Out", "Out of Stock", "Unavailable"},
			NotifyMeTexts:  []string{"Notify Me", "Email Me When Available", "Back in Stock"},
			OverlayTexts: []string{
				"Accept All", "Accept", "Agree", "OK", "Got it",
				"Close", "Continue", "I Understand", "Allow all",
			},
		},
		Browser: BrowserConfig{
			Headless:          true,
			Stealth:           true,
			LightMode:         true,
			UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:     1024,
			ViewportHeight:    700,
			NavigationTimeout: 60 * time.Second,
			ActionTimeout:     20 * time.Second,
		},
		Redis: RedisConfig{
			AlertCooldown: time.Hour,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对显式置零的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.CheckInterval <= 0 {
		cfg.App.CheckInterval = defaults.App.CheckInterval
	}
	if cfg.App.NotifyMode == "" {
		cfg.App.NotifyMode = defaults.App.NotifyMode
	}
	if cfg.App.RecycleEvery < 0 {
		cfg.App.RecycleEvery = 0
	}
	if len(cfg.Detect.AddToCartTexts) == 0 {
		cfg.Detect.AddToCartTexts = defaults.Detect.AddToCartTexts
	}
	if cfg.Browser.UserAgent == "" {
		cfg.Browser.UserAgent = defaults.Browser.UserAgent
	}
	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = defaults.Browser.ViewportWidth
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = defaults.Browser.ViewportHeight
	}
	if cfg.Browser.NavigationTimeout <= 0 {
		cfg.Browser.NavigationTimeout = defaults.Browser.NavigationTimeout
	}
	if cfg.Browser.ActionTimeout <= 0 {
		cfg.Browser.ActionTimeout = defaults.Browser.ActionTimeout
	}
	if cfg.Redis.AlertCooldown <= 0 {
		cfg.Redis.AlertCooldown = defaults.Redis.AlertCooldown
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("pushover_token", "PUSHOVER_TOKEN")
	_ = viper.BindEnv("pushover_user", "PUSHOVER_USER")
	_ = viper.BindEnv("webhook_url", "WEBHOOK_URL")
	_ = viper.BindEnv("discord_webhook_url", "DISCORD_WEBHOOK_URL")
	_ = viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v, ok := os.LookupEnv("APP_HTTP_ADDR"); ok {
		cfg.App.HTTPAddr = v
	}
	// CHECK_EVERY_SECONDS 保持与旧部署环境变量兼容
	if v := os.Getenv("CHECK_EVERY_SECONDS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.CheckInterval = time.Duration(i) * time.Second
		}
	}
	if v := os.Getenv("APP_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.App.CheckInterval = d
		}
	}
	if v := os.Getenv("NOTIFY_MODE"); v != "" {
		cfg.App.NotifyMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("APP_RECYCLE_EVERY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.App.RecycleEvery = i
		}
	}
	if v := os.Getenv("SEND_TEST_PUSH_ON_START"); v != "" {
		cfg.App.SendTestPushOnStart = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("WATCH_URLS"); v != "" {
		cfg.Targets = parseTargetList(v)
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_STEALTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Stealth = b
		}
	}
	if v := os.Getenv("BROWSER_LIGHT_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.LightMode = b
		}
	}
	if v := os.Getenv("BROWSER_NAVIGATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Browser.NavigationTimeout = d
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_ALERT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Redis.AlertCooldown = d
		}
	}

	if v := viper.GetString("pushover_token"); v != "" {
		cfg.Notify.PushoverToken = v
	}
	if v := viper.GetString("pushover_user"); v != "" {
		cfg.Notify.PushoverUser = v
	}
	if v := viper.GetString("webhook_url"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := viper.GetString("discord_webhook_url"); v != "" {
		cfg.Notify.DiscordWebhookURL = v
	}
	if v := viper.GetString("telegram_bot_token"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.TelegramChatID = i
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

// parseTargetList 解析逗号分隔的 URL 列表。
func parseTargetList(raw string) []model.Target {
	var targets []model.Target
	for _, part := range strings.Split(raw, ",") {
		u := strings.TrimSpace(part)
		if u == "" {
			continue
		}
		targets = append(targets, model.Target{URL: u})
	}
	return targets
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		CheckInterval string `json:"check_interval"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.CheckInterval != "" {
		duration, err := time.ParseDuration(aux.CheckInterval)
		if err != nil {
			return fmt.Errorf("invalid check_interval format: %w", err)
		}
		a.CheckInterval = duration
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		NavigationTimeout string `json:"navigation_timeout"`
		ActionTimeout     string `json:"action_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.NavigationTimeout != "" {
		duration, err := time.ParseDuration(aux.NavigationTimeout)
		if err != nil {
			return fmt.Errorf("invalid navigation_timeout format: %w", err)
		}
		b.NavigationTimeout = duration
	}
	if aux.ActionTimeout != "" {
		duration, err := time.ParseDuration(aux.ActionTimeout)
		if err != nil {
			return fmt.Errorf("invalid action_timeout format: %w", err)
		}
		b.ActionTimeout = duration
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type Alias RedisConfig
	aux := &struct {
		AlertCooldown string `json:"alert_cooldown"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.AlertCooldown != "" {
		duration, err := time.ParseDuration(aux.AlertCooldown)
		if err != nil {
			return fmt.Errorf("invalid alert_cooldown format: %w", err)
		}
		r.AlertCooldown = duration
	}
	return nil
}
