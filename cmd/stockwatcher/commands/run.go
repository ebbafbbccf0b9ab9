package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockwatcher/internal/api"
	"stockwatcher/internal/config"
	"stockwatcher/internal/crawler"
	"stockwatcher/internal/pkg/dedup"
	"stockwatcher/internal/pkg/logger"
	"stockwatcher/internal/pkg/notify"
	"stockwatcher/internal/watcher"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--config <path/to/config.json>]",
	Short: "Runs the polling loop until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context())
	},
}

// runWatch 启动浏览器、通知渠道与状态服务，然后阻塞运行轮询循环。
//
// 流程：
// 1. 加载并校验配置
// 2. 初始化日志、通知渠道、浏览器
// 3. 可选连接 Redis 作为告警冷却
// 4. 启动状态服务并运行轮询循环
// 5. 收到信号后优雅关闭
func runWatch(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := notify.FromConfig(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("init notifiers: %w", err)
	}

	service, err := crawler.NewService(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("init crawler service: %w", err)
	}

	var opts []watcher.Option
	if deduper := newDeduper(ctx, cfg, appLogger); deduper != nil {
		defer deduper.Close()
		opts = append(opts, watcher.WithDeduper(deduper))
	}

	w := watcher.New(cfg, service, notifier, appLogger, opts...)

	var httpServer *http.Server
	if cfg.App.HTTPAddr != "" {
		httpServer = api.NewServer(cfg, appLogger, w.Tracker()).HTTPServer()
		go func() {
			appLogger.Info("status server listening", slog.String("addr", cfg.App.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("status server stopped with error", slog.String("error", err.Error()))
			}
		}()
	}

	runErr := w.Run(ctx)
	appLogger.Info("shutting down stockwatcher...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("crawler shutdown failed", slog.String("error", err.Error()))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	appLogger.Info("stockwatcher stopped gracefully")
	return nil
}

// newDeduper 连接 Redis 并返回告警冷却器；未配置或连接失败时返回 nil，只使用进程内状态。
func newDeduper(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) *dedup.Deduplicator {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		appLogger.Warn("redis unavailable, alert cooldown disabled",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}
	appLogger.Info("alert cooldown enabled",
		slog.String("addr", cfg.Redis.Addr),
		slog.String("cooldown", cfg.Redis.AlertCooldown.String()))
	return dedup.NewDeduplicator(rdb, cfg.Redis.AlertCooldown)
}
