package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// 超时常量
	browserInitTimeout   = 30 * time.Second // 浏览器初始化超时
	browserHealthTimeout = 5 * time.Second  // 健康检查单次超时
	pageCreateTimeout    = 10 * time.Second // 页面创建超时
	stealthScriptTimeout = 5 * time.Second  // Stealth 脚本应用超时
	pageTextCheckTimeout = 2 * time.Second  // 页面文本检查超时
	overlayClickTimeout  = 2 * time.Second  // 弹窗按钮点击超时
)

// 轻量模式下屏蔽的资源
var blockedURLs = []string{
	// 1. 高带宽资源 (图片/字体/媒体/样式)
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.avif", "*.bmp",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mov", "*.mp3", "*.m4a", "*.ogg", "*.wav",
	"*.css",

	// 2. 广告与追踪脚本
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*criteo*",
	"*facebook*",
	"*tiktok*",
	"*sentry*",
}

// Service 负责浏览器生命周期与页面检查。
//
// 它维护唯一的 rod.Browser 实例。检查由 watcher 顺序调用，mu 只用于保护浏览器的替换。
type Service struct {
	browser   *rod.Browser
	logger    *slog.Logger
	cfg       *config.Config
	detector  *Detector
	overlays  []*regexp.Regexp
	userAgent string
	mu        sync.RWMutex

	// 统计信息
	stats crawlerStats
}

// crawlerStats 检查统计信息
type crawlerStats struct {
	TotalChecks    atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalRestarts  atomic.Int64
}

// NewService 启动浏览器实例并创建服务。
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象，包含浏览器路径、超时与检测文案
//	logger: 日志记录器
//
// 返回值:
//
//	*Service: 初始化完成的服务实例
//	error: 如果浏览器启动失败则返回错误
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	metrics.BrowserInstances.Inc()

	s := newService(cfg, logger)
	s.browser = browser

	logger.Info("crawler service initialized",
		slog.Bool("headless", cfg.Browser.Headless),
		slog.Bool("stealth", cfg.Browser.Stealth),
		slog.Bool("light_mode", cfg.Browser.LightMode),
		slog.Duration("navigation_timeout", cfg.Browser.NavigationTimeout))
	return s, nil
}

// newService 构造不含浏览器的服务，测试中直接使用。
func newService(cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		logger:    logger,
		cfg:       cfg,
		detector:  NewDetector(cfg.Detect),
		overlays:  compileOverlayPatterns(cfg.Detect.OverlayTexts),
		userAgent: cfg.Browser.UserAgent,
	}
}

// startBrowser 根据配置启动浏览器。
//
// 针对容器环境做了适配（NoSandbox、禁用 /dev/shm）。未指定浏览器路径时下载默认浏览器。
func startBrowser(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.Browser.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-software-rasterizer").
		Set("no-zygote").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.Browser.ProxyURL != "" {
		server, user, pass, err := parseProxyURL(cfg.Browser.ProxyURL)
		if err != nil {
			return nil, err
		}
		proxyUser, proxyPass = user, pass
		l = l.Proxy(server)
		logger.Info("using http proxy", slog.String("server", server))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 连接后解除与初始化 ctx 的绑定，避免 ctx 结束后浏览器不可用
	browser = browser.Context(context.Background())
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
		logger.Info("proxy authentication handler registered")
	}

	logger.Info("browser started", slog.String("bin", bin))
	return browser, nil
}

// parseProxyURL 拆分代理地址与认证信息。
func parseProxyURL(raw string) (server, user, pass string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("invalid proxy url: %s", raw)
	}
	server = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	if parsed.User != nil {
		user = parsed.User.Username()
		pass, _ = parsed.User.Password()
	}
	return server, user, pass, nil
}

// Check 渲染目标页面并判断库存状态。
//
// 任何错误（导航超时、页面被拦截、解析失败）都会体现在 Observation.Err 中，
// 此时 Availability 为 AvailabilityUnknown。
func (s *Service) Check(ctx context.Context, target model.Target) model.Observation {
	start := time.Now()
	name := target.DisplayName()
	s.stats.TotalChecks.Add(1)

	availability, title, err := s.checkOnce(ctx, target)
	obs := model.Observation{
		Target:       target,
		Availability: availability,
		Title:        title,
		Err:          err,
		CheckedAt:    start,
		Duration:     time.Since(start),
	}
	metrics.CheckDuration.WithLabelValues(name).Observe(obs.Duration.Seconds())

	if err != nil {
		obs.Availability = model.AvailabilityUnknown
		s.stats.TotalFailed.Add(1)
		metrics.ChecksTotal.WithLabelValues(name, "error").Inc()
		metrics.CheckErrorsTotal.WithLabelValues(name, classifyCrawlerError(err)).Inc()
		return obs
	}

	s.stats.TotalSucceeded.Add(1)
	metrics.ChecksTotal.WithLabelValues(name, availability.String()).Inc()
	return obs
}

// checkOnce 执行单次页面检查（不包含重试）。
func (s *Service) checkOnce(ctx context.Context, target model.Target) (model.Availability, string, error) {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()
	if browser == nil {
		return model.AvailabilityUnknown, "", errors.New("browser not initialized")
	}

	page, err := s.openPage(ctx, browser)
	if err != nil {
		return model.AvailabilityUnknown, "", err
	}
	defer func() {
		_ = page.Close()
	}()

	navTimeout := s.cfg.Browser.NavigationTimeout
	s.logger.Debug("loading page", slog.String("url", target.URL))

	// 使用带超时的 context 包装 Navigate 操作，确保即使浏览器卡住也能及时返回
	navigateCtx, navigateCancel := context.WithTimeout(ctx, navTimeout)
	defer navigateCancel()

	navPage := page.Context(navigateCtx)
	navigateErrCh := make(chan error, 1)
	go func() {
		if err := navPage.Navigate(target.URL); err != nil {
			navigateErrCh <- err
			return
		}
		navigateErrCh <- navPage.WaitLoad()
	}()

	select {
	case navErr := <-navigateErrCh:
		if navErr != nil {
			return model.AvailabilityUnknown, "", fmt.Errorf("navigate: %w", navErr)
		}
	case <-navigateCtx.Done():
		s.logPageTimeout(target.URL, page, navigateCtx.Err())
		return model.AvailabilityUnknown, "", fmt.Errorf("navigate timeout: %w", navigateCtx.Err())
	}

	actionPage := page.Context(ctx).Timeout(s.cfg.Browser.ActionTimeout)

	title := ""
	if info, err := actionPage.Info(); err == nil {
		title = info.Title
		s.logger.Debug("page loaded",
			slog.String("title", info.Title),
			slog.String("actual_url", info.URL))
	}

	if reason := blockReason(title, s.getPageBodyText(page)); reason != "" {
		return model.AvailabilityUnknown, title, fmt.Errorf("%w: %s", ErrBlockedPage, reason)
	}

	if clicked := s.dismissOverlays(page); clicked > 0 {
		s.logger.Debug("overlays dismissed", slog.String("url", target.URL), slog.Int("count", clicked))
	}

	html, err := actionPage.HTML()
	if err != nil {
		return model.AvailabilityUnknown, title, fmt.Errorf("extract html: %w", err)
	}

	availability, err := s.detector.Detect(html, target)
	if err != nil {
		return model.AvailabilityUnknown, title, fmt.Errorf("parse availability: %w", err)
	}
	return availability, title, nil
}

// openPage 创建新标签页并应用 stealth、资源屏蔽、UA 与视口设置。
func (s *Service) openPage(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	pageResultCh := make(chan pageResult, 1)

	go func() {
		page, pageErr := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		select {
		case pageResultCh <- pageResult{page: page, err: pageErr}:
		default:
		}
	}()

	pageCreateTimer := time.NewTimer(pageCreateTimeout)
	defer pageCreateTimer.Stop()

	var page *rod.Page
	select {
	case result := <-pageResultCh:
		if result.err != nil {
			return nil, fmt.Errorf("create page failed: %w", result.err)
		}
		page = result.page
	case <-pageCreateTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	if s.cfg.Browser.Stealth {
		stealthDone := make(chan error, 1)
		go func() {
			_, evalErr := page.EvalOnNewDocument(stealth.JS)
			stealthDone <- evalErr
		}()

		select {
		case err := <-stealthDone:
			if err != nil {
				_ = page.Close()
				return nil, fmt.Errorf("apply stealth script: %w", err)
			}
		case <-time.After(stealthScriptTimeout):
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
		case <-ctx.Done():
			_ = page.Close()
			return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
		}
	}

	if s.cfg.Browser.LightMode {
		if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
			s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
		}
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}); err != nil {
		s.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  s.cfg.Browser.ViewportWidth,
		Height: s.cfg.Browser.ViewportHeight,
	}); err != nil {
		s.logger.Warn("set viewport failed", slog.String("error", err.Error()))
	}
	return page, nil
}

// getPageBodyText 获取页面 body 文本（带超时保护）
func (s *Service) getPageBodyText(page *rod.Page) string {
	body, err := page.Timeout(pageTextCheckTimeout).Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	return text
}

// dismissOverlays 点击可见的 cookie/同意/关闭 弹窗按钮，返回点击数量。
func (s *Service) dismissOverlays(page *rod.Page) int {
	if len(s.overlays) == 0 {
		return 0
	}
	p := page.Timeout(overlayClickTimeout * time.Duration(len(s.overlays)))
	buttons, err := p.Elements(`button, [role="button"]`)
	if err != nil {
		return 0
	}

	clicked := 0
	for _, btn := range buttons {
		label, err := btn.Text()
		if err != nil || !matchOverlay(label, s.overlays, s.detector.addToCart) {
			continue
		}
		visible, err := btn.Visible()
		if err != nil || !visible {
			continue
		}
		if err := btn.Timeout(overlayClickTimeout).Click(proto.InputMouseButtonLeft, 1); err != nil {
			s.logger.Debug("overlay click failed", slog.String("label", label), slog.String("error", err.Error()))
			continue
		}
		clicked++
	}
	return clicked
}

// compileOverlayPatterns 将弹窗文案编译为整词、忽略大小写的正则。
func compileOverlayPatterns(texts []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(t)+`\b`))
	}
	return patterns
}

// matchOverlay 按钮文案命中弹窗文案且不是购买按钮。
func matchOverlay(label string, patterns []*regexp.Regexp, buyTexts []string) bool {
	label = strings.TrimSpace(label)
	if label == "" || containsAny(strings.ToLower(label), buyTexts) {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(label) {
			return true
		}
	}
	return false
}

func (s *Service) logPageTimeout(url string, page *rod.Page, err error) {
	readyState := "unknown"
	if page != nil {
		diagCtx, cancel := context.WithTimeout(context.Background(), pageTextCheckTimeout)
		defer cancel()
		if v, evalErr := page.Context(diagCtx).Eval("() => document.readyState"); evalErr == nil {
			if state := v.Value.String(); state != "" {
				readyState = state
			}
		}
	}

	s.logger.Warn("page timeout",
		slog.String("url", url),
		slog.Duration("timeout", s.cfg.Browser.NavigationTimeout),
		slog.String("ready_state", readyState),
		slog.String("error", err.Error()))
}

// Healthy 检查浏览器是否响应。
func (s *Service) Healthy(ctx context.Context) bool {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()

	if browser == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, browserHealthTimeout)
	defer cancel()

	page, err := browser.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer func() {
		_ = page.Close()
	}()

	_, err = page.Eval("() => document.title")
	return err == nil
}

// EnsureHealthy 浏览器无响应时重启实例。
func (s *Service) EnsureHealthy(ctx context.Context) error {
	if s.Healthy(ctx) {
		return nil
	}
	s.logger.Warn("browser health check failed, restarting browser instance")
	return s.restartBrowserInstance(ctx, "unhealthy")
}

// Recycle 定期重启浏览器以回收内存。
func (s *Service) Recycle(ctx context.Context) error {
	return s.restartBrowserInstance(ctx, "recycle")
}

// restartBrowserInstance 关闭旧浏览器并启动新实例。
func (s *Service) restartBrowserInstance(ctx context.Context, reason string) error {
	s.logMemory(ctx, "before_restart")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		s.browser = nil
		metrics.BrowserInstances.Dec()
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	newBrowser, err := startBrowser(initCtx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("start new browser: %w", err)
	}
	s.browser = newBrowser
	metrics.BrowserInstances.Inc()
	metrics.BrowserRestartsTotal.WithLabelValues(reason).Inc()
	s.stats.TotalRestarts.Add(1)

	s.logger.Info("browser instance restarted", slog.String("reason", reason))
	s.logMemory(ctx, "after_restart")
	return nil
}

// logMemory 记录系统内存使用情况。
func (s *Service) logMemory(ctx context.Context, phase string) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.logger.Debug("read memory stats failed", slog.String("error", err.Error()))
		return
	}
	metrics.SystemMemoryUsedPercent.Set(vm.UsedPercent)
	s.logger.Info("system memory",
		slog.String("phase", phase),
		slog.Float64("used_percent", vm.UsedPercent),
		slog.Uint64("available_mb", vm.Available/1024/1024))
}

type crawlErrorType int

const (
	errTypeUnknown crawlErrorType = iota
	errTypeTimeout
	errTypeBlocked    // 被拦截（403/429/Cloudflare等）
	errTypeNetwork    // 网络错误
	errTypeParseError // 解析错误
)

// classifyError 统一的错误分类函数
func classifyError(err error) crawlErrorType {
	if err == nil {
		return errTypeUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}
	if errors.Is(err, ErrBlockedPage) {
		return errTypeBlocked
	}

	msg := strings.ToLower(err.Error())

	blockedKeywords := []string{
		"cloudflare", "attention required",
		"access denied", "403", "429", "forbidden", "too many requests",
	}
	for _, kw := range blockedKeywords {
		if strings.Contains(msg, kw) {
			return errTypeBlocked
		}
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}

	networkKeywords := []string{"net::", "connection", "navigate"}
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return errTypeNetwork
		}
	}

	if errors.Is(err, ErrEmptyPage) || strings.Contains(msg, "parse") || strings.Contains(msg, "extract") {
		return errTypeParseError
	}

	return errTypeUnknown
}

// classifyCrawlerError 返回用于 metrics 的错误类型字符串
func classifyCrawlerError(err error) string {
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeNetwork:
		return "network_error"
	case errTypeParseError:
		return "parse_error"
	case errTypeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Shutdown 关闭浏览器。
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down crawler service...")

	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()

	var err error
	if browser != nil {
		if err = browser.Close(); err != nil {
			s.logger.Error("close browser failed", slog.String("error", err.Error()))
		} else {
			metrics.BrowserInstances.Dec()
		}
	}

	stats := s.Stats()
	s.logger.Info("crawler service shutdown completed",
		slog.Int64("total_checks", stats.TotalChecks),
		slog.Int64("total_succeeded", stats.TotalSucceeded),
		slog.Int64("total_failed", stats.TotalFailed),
		slog.Int64("total_restarts", stats.TotalRestarts),
	)
	return err
}

// CrawlerStats 检查统计信息快照
type CrawlerStats struct {
	TotalChecks    int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalRestarts  int64
}

// Stats 获取服务的统计信息。
func (s *Service) Stats() CrawlerStats {
	return CrawlerStats{
		TotalChecks:    s.stats.TotalChecks.Load(),
		TotalSucceeded: s.stats.TotalSucceeded.Load(),
		TotalFailed:    s.stats.TotalFailed.Load(),
		TotalRestarts:  s.stats.TotalRestarts.Load(),
	}
}
