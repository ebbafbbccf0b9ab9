package model

import (
	"time"
)

// Target 表示一个被监控的商品页面。
//
// 进程生命周期内不可变。InStockSelector / OutOfStockSelector 为可选的 CSS 选择器，
// 未设置时按配置中的按钮文案与售罄文案判断。
type Target struct {
	Name               string `json:"name"`                           // 展示名称（通知标题使用）
	URL                string `json:"url"`                            // 商品详情页链接
	InStockSelector    string `json:"in_stock_selector,omitempty"`    // 命中即视为有货
	OutOfStockSelector string `json:"out_of_stock_selector,omitempty"` // 命中即视为无货
}

// DisplayName 返回用于日志与通知的名称，未配置名称时退回 URL。
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}

// Availability 表示单次轮询得到的库存状态。
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityInStock
	AvailabilityOutOfStock
)

func (a Availability) String() string {
	switch a {
	case AvailabilityInStock:
		return "in_stock"
	case AvailabilityOutOfStock:
		return "out_of_stock"
	default:
		return "unknown"
	}
}

// MarshalText 让 Availability 在 JSON 中以字符串形式输出。
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Observation 是一次页面检查的结果。
//
// Err 不为空时 Availability 一定是 AvailabilityUnknown。
type Observation struct {
	Target       Target
	Availability Availability
	Title        string
	Err          error
	CheckedAt    time.Time
	Duration     time.Duration
}

// Alert 是交给通知渠道的消息内容。
type Alert struct {
	TargetName string
	URL        string
	Title      string
	Message    string
	DetectedAt time.Time
}

// NewStockAlert 根据有货的观测结果构造通知。
func NewStockAlert(obs Observation) Alert {
	name := obs.Target.DisplayName()
	return Alert{
		TargetName: name,
		URL:        obs.Target.URL,
		Title:      "Stock Alert",
		Message:    "In stock: " + name,
		DetectedAt: obs.CheckedAt,
	}
}
