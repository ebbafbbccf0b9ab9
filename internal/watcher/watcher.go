// Package watcher 实现库存轮询主循环。
//
// 单 goroutine 顺序执行：逐个检查目标 → 按通知策略决定是否告警 → 等待下一轮。
// 单次检查或通知失败只记录日志，循环在下一轮继续。
package watcher

import (
	"context"
	"log/slog"
	"time"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/metrics"
	"stockwatcher/internal/pkg/notify"
)

// Clock 抽象时间源，测试中可替换。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Checker 负责渲染并判断单个目标的库存。
type Checker interface {
	Check(ctx context.Context, target model.Target) model.Observation
	Recycle(ctx context.Context) error
	EnsureHealthy(ctx context.Context) error
}

// Deduper 为告警提供跨进程冷却，见 dedup.Deduplicator。
type Deduper interface {
	IsDuplicate(ctx context.Context, url string) (bool, error)
	Delete(ctx context.Context, url string) error
}

// lastKnown 记录每个目标最后一次确定的库存状态，按 URL 索引。
type lastKnown map[string]model.Availability

func newLastKnown(targets []model.Target) lastKnown {
	state := make(lastKnown, len(targets))
	for _, t := range targets {
		state[t.URL] = model.AvailabilityOutOfStock
	}
	return state
}

// Watcher 按固定间隔轮询所有目标。
type Watcher struct {
	targets         []model.Target
	checker         Checker
	notifier        notify.Notifier
	deduper         Deduper
	clock           Clock
	logger          *slog.Logger
	tracker         *Tracker
	interval        time.Duration
	mode            string
	recycleEvery    int
	sendTestOnStart bool
}

// Option 配置 Watcher 的可选依赖。
type Option func(*Watcher)

// WithClock 替换时间源。
func WithClock(c Clock) Option {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithDeduper 启用 Redis 告警冷却。
func WithDeduper(d Deduper) Option {
	return func(w *Watcher) { w.deduper = d }
}

// WithTracker 使用外部创建的状态记录器（与 HTTP 状态接口共享）。
func WithTracker(t *Tracker) Option {
	return func(w *Watcher) {
		if t != nil {
			w.tracker = t
		}
	}
}

// New 创建 Watcher。
//
// 参数:
//
//	cfg: 应用配置（目标列表、间隔、通知策略、浏览器回收周期）
//	checker: 页面检查器，生产环境为 crawler.Service
//	notifier: 通知渠道，通常为 notify.Multi
//	logger: 日志记录器
func New(cfg *config.Config, checker Checker, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		targets:         cfg.Targets,
		checker:         checker,
		notifier:        notifier,
		clock:           realClock{},
		logger:          logger,
		interval:        cfg.App.CheckInterval,
		mode:            cfg.App.NotifyMode,
		recycleEvery:    cfg.App.RecycleEvery,
		sendTestOnStart: cfg.App.SendTestPushOnStart,
	}
	if w.mode == "" {
		w.mode = config.NotifyModeTransition
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracker == nil {
		w.tracker = NewTracker(w.clock.Now(), w.targets)
	}
	return w
}

// Tracker 返回状态记录器。
func (w *Watcher) Tracker() *Tracker { return w.tracker }

// Run 运行轮询循环直到 ctx 被取消，返回 ctx.Err()。
func (w *Watcher) Run(ctx context.Context) error {
	state := newLastKnown(w.targets)

	w.logger.Info("watcher started",
		slog.Int("targets", len(w.targets)),
		slog.String("interval", w.interval.String()),
		slog.String("notify_mode", w.mode),
		slog.Int("recycle_every", w.recycleEvery))

	if w.sendTestOnStart && len(w.targets) > 0 {
		w.sendTestAlert(ctx)
	}

	for cycle := 1; ; cycle++ {
		w.runCycle(ctx, state)
		if err := ctx.Err(); err != nil {
			w.logger.Info("watcher stopping", slog.Int("cycles", cycle-1))
			return err
		}
		w.tracker.CycleDone(w.clock.Now())
		metrics.CyclesTotal.Inc()

		// 定期回收浏览器，控制长时间运行的内存占用
		if w.recycleEvery > 0 && cycle%w.recycleEvery == 0 {
			if err := w.checker.Recycle(ctx); err != nil {
				w.logger.Error("browser recycle failed",
					slog.Int("cycle", cycle),
					slog.String("error", err.Error()))
			} else {
				w.logger.Info("browser recycled", slog.Int("cycle", cycle))
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopping", slog.Int("cycles", cycle))
			return ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}

// runCycle 顺序检查所有目标，state 在各轮之间传递。
func (w *Watcher) runCycle(ctx context.Context, state lastKnown) {
	for _, target := range w.targets {
		if ctx.Err() != nil {
			return
		}
		obs := w.checker.Check(ctx, target)
		w.handleObservation(ctx, state, obs)
	}
}

func (w *Watcher) handleObservation(ctx context.Context, state lastKnown, obs model.Observation) {
	url := obs.Target.URL
	prev := state[url]
	metrics.TargetAvailability.WithLabelValues(obs.Target.DisplayName()).Set(availabilityGauge(obs.Availability))

	if obs.Err != nil || obs.Availability == model.AvailabilityUnknown {
		attrs := []any{
			slog.String("url", url),
			slog.String("last_known", prev.String()),
		}
		if obs.Err != nil {
			attrs = append(attrs, slog.String("error", obs.Err.Error()))
		}
		w.logger.Warn("check failed, keep last known state", attrs...)
		w.tracker.Observe(obs, prev, false)
		if ctx.Err() == nil {
			if err := w.checker.EnsureHealthy(ctx); err != nil {
				w.logger.Error("browser health check failed", slog.String("error", err.Error()))
			}
		}
		return
	}

	w.logger.Info("check completed",
		slog.String("url", url),
		slog.String("availability", obs.Availability.String()),
		slog.String("last_known", prev.String()),
		slog.Duration("duration", obs.Duration))

	// 每次确认无货都清除冷却标记，上一个进程留下的标记也会被清掉
	if obs.Availability == model.AvailabilityOutOfStock && w.deduper != nil {
		if err := w.deduper.Delete(ctx, url); err != nil {
			w.logger.Warn("clear alert cooldown failed", slog.String("url", url), slog.String("error", err.Error()))
		}
	}

	alert := w.shouldNotify(prev, obs.Availability)
	if !alert && obs.Availability == model.AvailabilityInStock {
		metrics.AlertsSuppressedTotal.WithLabelValues("already_in_stock").Inc()
	}
	cooldownSet := false
	if alert && w.deduper != nil {
		dup, err := w.deduper.IsDuplicate(ctx, url)
		switch {
		case err != nil:
			// Redis 不可用时照常发送
			w.logger.Warn("alert cooldown check failed", slog.String("url", url), slog.String("error", err.Error()))
		case dup:
			metrics.AlertsSuppressedTotal.WithLabelValues("cooldown").Inc()
			w.logger.Info("alert suppressed by cooldown", slog.String("url", url))
			alert = false
		default:
			cooldownSet = true
		}
	}

	// 不论通知是否成功都更新状态，避免通知渠道故障时每轮重复告警
	state[url] = obs.Availability
	w.tracker.Observe(obs, obs.Availability, alert)

	if !alert {
		return
	}
	if err := w.notifier.Send(ctx, model.NewStockAlert(obs)); err != nil {
		w.logger.Error("send stock alert failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
		// 发送失败时释放冷却标记，下一次有货轮询可以重试
		if cooldownSet {
			if delErr := w.deduper.Delete(ctx, url); delErr != nil {
				w.logger.Warn("release alert cooldown failed", slog.String("url", url), slog.String("error", delErr.Error()))
			}
		}
		return
	}
	w.logger.Info("stock alert sent", slog.String("url", url), slog.String("target", obs.Target.DisplayName()))
}

// shouldNotify 根据通知策略判断本次有货是否需要告警。
func (w *Watcher) shouldNotify(prev, current model.Availability) bool {
	if current != model.AvailabilityInStock {
		return false
	}
	if w.mode == config.NotifyModeEvery {
		return true
	}
	return prev != model.AvailabilityInStock
}

func (w *Watcher) sendTestAlert(ctx context.Context) {
	alert := model.Alert{
		TargetName: w.targets[0].DisplayName(),
		URL:        w.targets[0].URL,
		Title:      "Watcher Test",
		Message:    "Stock watcher started OK.",
		DetectedAt: w.clock.Now(),
	}
	if err := w.notifier.Send(ctx, alert); err != nil {
		w.logger.Error("send test alert failed", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("test alert sent")
}

func availabilityGauge(a model.Availability) float64 {
	switch a {
	case model.AvailabilityInStock:
		return 1
	case model.AvailabilityOutOfStock:
		return 0
	default:
		return -1
	}
}
