package crawler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
)

func newTestDetector() *Detector {
	return NewDetector(config.DetectConfig{
		AddToCartTexts: []string{"Add to Cart", "Add to Bag", "Add to Basket", "Buy Now", "Purchase"},
		SoldOutTexts:   []string{"Sold Out", "Out of Stock", "Unavailable"},
		NotifyMeTexts:  []string{"Notify Me", "Back in Stock"},
	})
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return string(data)
}

func TestDetector_Fixtures(t *testing.T) {
	tests := []struct {
		fixture  string
		expected model.Availability
	}{
		{"in_stock.html", model.AvailabilityInStock},
		{"sold_out.html", model.AvailabilityOutOfStock},
		{"disabled_button.html", model.AvailabilityOutOfStock},
		{"no_marker.html", model.AvailabilityOutOfStock},
		{"sold_out_footer_link.html", model.AvailabilityOutOfStock},
	}

	d := newTestDetector()
	target := model.Target{URL: "https://shop.example.com/p/1"}
	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			got, err := d.Detect(readFixture(t, tt.fixture), target)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if got != tt.expected {
				t.Fatalf("Detect(%s) = %v, expected %v", tt.fixture, got, tt.expected)
			}
		})
	}
}

func TestDetector_Selectors(t *testing.T) {
	d := newTestDetector()
	html := `<html><body>
<div id="stock" data-state="ok"><span class="qty">3 left</span></div>
<div class="badge-soldout" hidden>Sold</div>
</body></html>`

	tests := []struct {
		name     string
		target   model.Target
		expected model.Availability
	}{
		{"in_stock_selector_hit", model.Target{InStockSelector: `#stock[data-state="ok"]`}, model.AvailabilityInStock},
		{"in_stock_selector_miss", model.Target{InStockSelector: "#missing"}, model.AvailabilityOutOfStock},
		{"out_of_stock_selector_hit", model.Target{OutOfStockSelector: ".badge-soldout"}, model.AvailabilityOutOfStock},
		{"invalid_selector", model.Target{InStockSelector: "[[["}, model.AvailabilityOutOfStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Detect(html, tt.target)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if got != tt.expected {
				t.Fatalf("got %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestDetector_HiddenAncestor(t *testing.T) {
	d := newTestDetector()
	html := `<html><body><div aria-hidden="true"><section><button>Add to Cart</button></section></div></body></html>`
	got, err := d.Detect(html, model.Target{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != model.AvailabilityOutOfStock {
		t.Fatalf("hidden button must not count, got %v", got)
	}
}

func TestDetector_InputValueLabel(t *testing.T) {
	d := newTestDetector()
	html := `<html><body><form><input type="submit" value="Add to basket"></form></body></html>`
	got, err := d.Detect(html, model.Target{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != model.AvailabilityInStock {
		t.Fatalf("expected in stock, got %v", got)
	}
}

func TestDetector_LinkIsNotBuyButton(t *testing.T) {
	d := newTestDetector()
	html := `<html><body><div>SOLD OUT</div><button disabled>Add to Cart</button>
<footer><a href="/help">How to Purchase</a></footer></body></html>`
	got, err := d.Detect(html, model.Target{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != model.AvailabilityOutOfStock {
		t.Fatalf("link text must not count as a buy button, got %v", got)
	}

	// role="button" 的元素仍按按钮处理
	html = `<html><body><a role="button" href="/cart">Add to Cart</a></body></html>`
	got, err = d.Detect(html, model.Target{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != model.AvailabilityInStock {
		t.Fatalf("expected in stock for role=button link, got %v", got)
	}
}

func TestDetector_EmptyHTML(t *testing.T) {
	got, err := newTestDetector().Detect("   ", model.Target{})
	if !errors.Is(err, ErrEmptyPage) {
		t.Fatalf("expected ErrEmptyPage, got %v", err)
	}
	if got != model.AvailabilityUnknown {
		t.Fatalf("expected unknown, got %v", got)
	}
}

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		expected bool
	}{
		{"match", "item is sold out", []string{"sold out"}, true},
		{"no_match", "add to cart", []string{"sold out"}, false},
		{"empty_keyword_ignored", "anything", []string{""}, false},
		{"empty_keywords", "anything", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsAny(tt.text, tt.keywords); got != tt.expected {
				t.Fatalf("containsAny(%q) = %v, expected %v", tt.text, got, tt.expected)
			}
		})
	}
}

func TestBlockReason(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		text     string
		expected string
	}{
		{"cloudflare", "Just a moment...", "Checking your browser before accessing", "cloudflare_challenge"},
		{"captcha", "Shop", "Please verify you are human to continue", "captcha"},
		{"forbidden", "403 Forbidden", "nginx", "403_forbidden"},
		{"rate_limited", "Shop", "429 Too Many Requests", "429_rate_limited"},
		{"blank", "about:blank", "", "blank_page"},
		{"product_page", "LABUBU | Shop", "Sold out. Notify me when available.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := blockReason(tt.title, tt.text); got != tt.expected {
				t.Fatalf("blockReason(%q) = %q, expected %q", tt.title, got, tt.expected)
			}
		})
	}
}

func TestBlockReason_ChallengeFixture(t *testing.T) {
	html := readFixture(t, "challenge.html")
	if got := blockReason("Just a moment...", html); got != "cloudflare_challenge" {
		t.Fatalf("expected cloudflare_challenge, got %q", got)
	}
}
