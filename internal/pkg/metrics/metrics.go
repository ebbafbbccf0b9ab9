package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal 按目标与结果统计页面检查次数。
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatcher_checks_total",
		Help: "Total page checks by target and result.",
	}, []string{"target", "result"})

	// CheckDuration 页面检查耗时。
	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwatcher_check_duration_seconds",
		Help:    "Duration of a single page check.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
	}, []string{"target"})

	// CheckErrorsTotal 按错误类型统计检查失败次数。
	CheckErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatcher_check_errors_total",
		Help: "Total failed checks by target and error type.",
	}, []string{"target", "type"})

	// TargetAvailability 当前库存状态：1 有货，0 无货，-1 未知。
	TargetAvailability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockwatcher_target_availability",
		Help: "Last observed availability per target (1 in stock, 0 out of stock, -1 unknown).",
	}, []string{"target"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatcher_notifications_total",
		Help: "Notifications by channel and status.",
	}, []string{"channel", "status"})

	AlertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatcher_alerts_suppressed_total",
		Help: "Alerts suppressed by the de-duplication policy.",
	}, []string{"reason"})

	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwatcher_cycles_total",
		Help: "Completed polling cycles.",
	})

	BrowserRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatcher_browser_restarts_total",
		Help: "Browser restarts by reason.",
	}, []string{"reason"})

	BrowserInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatcher_browser_instances",
		Help: "Number of live browser instances.",
	})

	SystemMemoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatcher_system_memory_used_percent",
		Help: "System memory usage sampled on browser recycle.",
	})
)
