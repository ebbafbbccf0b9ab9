package crawler

import (
	"errors"
	"fmt"
	"strings"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrBlockedPage = errors.New("blocked_page")
	ErrEmptyPage   = errors.New("empty page content")
)

// 页面检测关键词
var (
	blockedHints = []string{
		"attention required",
		"verify you are human",
		"access denied",
		"just a moment",
		"checking your browser",
		"cf-browser-verification",
		"403 forbidden",
		"429 too many requests",
		"too many requests",
		"err_connection",
		"err_proxy",
		"proxy error",
	}
	blockedTitles = []string{
		"just a moment",
		"attention required",
		"access denied",
		"403 forbidden",
		"blocked",
	}
)

// 可点击的购买控件，只认按钮语义的元素，普通链接（如页脚 "How to Purchase"）不算
const buyControlSelector = `button, [role="button"], input[type="submit"], input[type="button"]`

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Detector 根据渲染后的 HTML 判断库存状态。
type Detector struct {
	addToCart []string
	soldOut   []string
	notifyMe  []string
}

// NewDetector 使用配置中的文案创建检测器，文案统一转为小写比较。
func NewDetector(cfg config.DetectConfig) *Detector {
	return &Detector{
		addToCart: lowerAll(cfg.AddToCartTexts),
		soldOut:   lowerAll(cfg.SoldOutTexts),
		notifyMe:  lowerAll(cfg.NotifyMeTexts),
	}
}

// Detect 判断页面是否有货。
//
// 判断顺序：
// 1. 目标配置的 InStockSelector 命中可用元素 → 有货
// 2. 目标配置的 OutOfStockSelector 命中 → 无货
// 3. 存在可见且可用的购买按钮 → 有货
// 4. 页面包含售罄/到货提醒文案 → 无货
// 5. 其余情况 → 无货
func (d *Detector) Detect(html string, target model.Target) (model.Availability, error) {
	if strings.TrimSpace(html) == "" {
		return model.AvailabilityUnknown, ErrEmptyPage
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return model.AvailabilityUnknown, fmt.Errorf("parse html: %w", err)
	}

	if sel := strings.TrimSpace(target.InStockSelector); sel != "" {
		if hasActionable(doc.Find(sel)) {
			return model.AvailabilityInStock, nil
		}
	}
	if sel := strings.TrimSpace(target.OutOfStockSelector); sel != "" {
		if doc.Find(sel).Length() > 0 {
			return model.AvailabilityOutOfStock, nil
		}
	}

	if d.hasBuyButton(doc) {
		return model.AvailabilityInStock, nil
	}

	text := strings.ToLower(doc.Find("body").Text())
	if containsAny(text, d.soldOut) || containsAny(text, d.notifyMe) {
		return model.AvailabilityOutOfStock, nil
	}
	return model.AvailabilityOutOfStock, nil
}

func (d *Detector) hasBuyButton(doc *goquery.Document) bool {
	found := false
	doc.Find(buyControlSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !containsAny(controlLabel(s), d.addToCart) {
			return true
		}
		if isActionable(s) {
			found = true
			return false
		}
		return true
	})
	return found
}

// controlLabel 汇总按钮文本、value 与 aria-label。
func controlLabel(s *goquery.Selection) string {
	parts := []string{s.Text()}
	if v, ok := s.Attr("value"); ok {
		parts = append(parts, v)
	}
	if v, ok := s.Attr("aria-label"); ok {
		parts = append(parts, v)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func hasActionable(sel *goquery.Selection) bool {
	found := false
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if isActionable(s) {
			found = true
			return false
		}
		return true
	})
	return found
}

// isActionable 元素本身可用，且自身与祖先都未被隐藏。
func isActionable(s *goquery.Selection) bool {
	if isDisabled(s) || isHidden(s) {
		return false
	}
	hidden := false
	s.Parents().EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if isHidden(p) {
			hidden = true
			return false
		}
		return true
	})
	return !hidden
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if v, ok := s.Attr("aria-disabled"); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		return true
	}
	if v, ok := s.Attr("class"); ok && strings.Contains(strings.ToLower(v), "disabled") {
		return true
	}
	return false
}

func isHidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	if v, ok := s.Attr("aria-hidden"); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		return true
	}
	if v, ok := s.Attr("style"); ok {
		style := strings.ReplaceAll(strings.ToLower(v), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

// blockReason 根据标题与正文判断页面是否被拦截，返回拦截类型，未拦截返回空串。
func blockReason(title, bodyText string) string {
	lowerTitle := strings.ToLower(strings.TrimSpace(title))
	lowerText := strings.ToLower(bodyText)

	for _, blocked := range blockedTitles {
		if strings.Contains(lowerTitle, blocked) {
			return detectBlockType(title, bodyText)
		}
	}
	if strings.TrimSpace(bodyText) == "" && (lowerTitle == "" || lowerTitle == "about:blank") {
		return "blank_page"
	}
	if containsAny(lowerText, blockedHints) {
		return detectBlockType(title, bodyText)
	}
	return ""
}

// detectBlockType 检测页面被拦截的类型
func detectBlockType(title, html string) string {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	// Cloudflare 拦截
	if strings.Contains(lowerTitle, "just a moment") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "checking your browser") ||
		strings.Contains(lowerHTML, "challenges.cloudflare.com") {
		return "cloudflare_challenge"
	}

	// 人机验证
	if strings.Contains(lowerHTML, "verify you are human") ||
		strings.Contains(lowerHTML, "captcha") {
		return "captcha"
	}

	// 403 Forbidden（IP 被封）
	if strings.Contains(lowerTitle, "403") ||
		strings.Contains(lowerTitle, "forbidden") ||
		strings.Contains(lowerHTML, "access denied") {
		return "403_forbidden"
	}

	// 429 Too Many Requests（速率限制）
	if strings.Contains(lowerTitle, "429") ||
		strings.Contains(lowerHTML, "too many requests") {
		return "429_rate_limited"
	}

	// 连接错误
	if strings.Contains(lowerHTML, "err_connection") ||
		strings.Contains(lowerHTML, "err_proxy") ||
		strings.Contains(lowerHTML, "proxy error") {
		return "connection_error"
	}

	return "unknown"
}
