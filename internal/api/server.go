package api

import (
	"net/http"
	"time"

	"log/slog"

	"stockwatcher/internal/api/middleware"
	"stockwatcher/internal/config"
	"stockwatcher/internal/watcher"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 提供只读的运行状态接口：健康检查、轮询状态与 Prometheus 指标。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	tracker *watcher.Tracker
	now     func() time.Time
}

// NewServer 初始化状态服务器。
//
// 参数:
//
//	cfg: 配置对象
//	logger: 日志记录器
//	tracker: 轮询状态记录器（与 watcher 共享）
func NewServer(cfg *config.Config, logger *slog.Logger, tracker *watcher.Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		router:  r,
		tracker: tracker,
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// HTTPServer 按配置地址构建 http.Server，由调用方负责启动与关闭。
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.App.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/config", s.handleGetConfig)
}

// staleAfter 超过该时长既没有完成检查也没有完成一轮即视为卡死。
// 相邻两次心跳之间最多隔一次页面检查或一次轮询间隔。
func (s *Server) staleAfter() time.Duration {
	return 3*s.cfg.App.CheckInterval + s.cfg.Browser.NavigationTimeout
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	snap := s.tracker.Snapshot()
	if !s.tracker.Healthy(s.now(), s.staleAfter()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":           "stale",
			"last_cycle_at":    snap.LastCycleAt,
			"last_activity_at": snap.LastActivityAt,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watcher not started"})
		return
	}
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}

// handleGetConfig 返回不含凭据的运行参数。
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"check_interval_ms":     s.cfg.App.CheckInterval.Milliseconds(),
		"notify_mode":           s.cfg.App.NotifyMode,
		"recycle_every":         s.cfg.App.RecycleEvery,
		"targets":               s.cfg.Targets,
		"light_mode":            s.cfg.Browser.LightMode,
		"navigation_timeout_ms": s.cfg.Browser.NavigationTimeout.Milliseconds(),
	})
}
