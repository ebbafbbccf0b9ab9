package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/dedup"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	inStock  = model.AvailabilityInStock
	outStock = model.AvailabilityOutOfStock
	unknown  = model.AvailabilityUnknown
)

// fakeClock 记录每次等待的时长，达到 stopAfter 次后取消 ctx。
type fakeClock struct {
	now       time.Time
	waits     []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	if len(c.waits) >= c.stopAfter {
		c.cancel()
		return make(chan time.Time)
	}
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type step struct {
	availability model.Availability
	err          error
}

// fakeChecker 按顺序返回预设结果，用完后重复最后一个。
type fakeChecker struct {
	steps    []step
	calls    int
	recycles int
	healthy  int
}

func (f *fakeChecker) Check(_ context.Context, target model.Target) model.Observation {
	s := f.steps[len(f.steps)-1]
	if f.calls < len(f.steps) {
		s = f.steps[f.calls]
	}
	f.calls++
	return model.Observation{
		Target:       target,
		Availability: s.availability,
		Err:          s.err,
		CheckedAt:    time.Date(2025, 6, 1, 12, 0, f.calls, 0, time.UTC),
	}
}

func (f *fakeChecker) Recycle(context.Context) error {
	f.recycles++
	return nil
}

func (f *fakeChecker) EnsureHealthy(context.Context) error {
	f.healthy++
	return nil
}

type fakeNotifier struct {
	alerts []model.Alert
	err    error
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) Send(_ context.Context, alert model.Alert) error {
	n.alerts = append(n.alerts, alert)
	return n.err
}

func testConfig(mode string) *config.Config {
	return &config.Config{
		App: config.AppConfig{
			CheckInterval: 45 * time.Second,
			NotifyMode:    mode,
		},
		Targets: []model.Target{{Name: "LABUBU", URL: "https://shop.example.com/p/1"}},
	}
}

// runWatcher 运行 cycles 轮后返回。
func runWatcher(t *testing.T, cfg *config.Config, checker *fakeChecker, notifier *fakeNotifier, cycles int, opts ...Option) (*Watcher, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), stopAfter: cycles, cancel: cancel}
	opts = append([]Option{WithClock(clock)}, opts...)
	w := New(cfg, checker, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, expected context.Canceled", err)
	}
	return w, clock
}

func steps(avs ...model.Availability) []step {
	out := make([]step, 0, len(avs))
	for _, a := range avs {
		out = append(out, step{availability: a})
	}
	return out
}

func TestRun_NotifyPolicy(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		sequence []model.Availability
		alerts   int
	}{
		{"transition_two_in_stock", config.NotifyModeTransition, []model.Availability{inStock, inStock}, 1},
		{"every_two_in_stock", config.NotifyModeEvery, []model.Availability{inStock, inStock}, 2},
		{"transition_restock", config.NotifyModeTransition, []model.Availability{inStock, outStock, inStock}, 2},
		{"transition_never_in_stock", config.NotifyModeTransition, []model.Availability{outStock, outStock}, 0},
		{"unknown_keeps_in_stock", config.NotifyModeTransition, []model.Availability{inStock, unknown, inStock}, 1},
		{"unknown_keeps_out_of_stock", config.NotifyModeTransition, []model.Availability{unknown, inStock}, 1},
		{"empty_mode_defaults_to_transition", "", []model.Availability{inStock, inStock, inStock}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &fakeChecker{steps: steps(tt.sequence...)}
			notifier := &fakeNotifier{}
			runWatcher(t, testConfig(tt.mode), checker, notifier, len(tt.sequence))

			if checker.calls != len(tt.sequence) {
				t.Fatalf("expected %d checks, got %d", len(tt.sequence), checker.calls)
			}
			if len(notifier.alerts) != tt.alerts {
				t.Fatalf("expected %d alerts, got %d", tt.alerts, len(notifier.alerts))
			}
		})
	}
}

func TestRun_AlertContent(t *testing.T) {
	notifier := &fakeNotifier{}
	runWatcher(t, testConfig(config.NotifyModeTransition), &fakeChecker{steps: steps(inStock)}, notifier, 1)

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(notifier.alerts))
	}
	a := notifier.alerts[0]
	if a.Title != "Stock Alert" || a.Message != "In stock: LABUBU" || a.URL != "https://shop.example.com/p/1" {
		t.Fatalf("unexpected alert: %+v", a)
	}
}

func TestRun_NavigationTimeoutContinues(t *testing.T) {
	checker := &fakeChecker{steps: []step{
		{availability: unknown, err: fmt.Errorf("navigate timeout: %w", context.DeadlineExceeded)},
		{availability: inStock},
	}}
	notifier := &fakeNotifier{}
	w, _ := runWatcher(t, testConfig(config.NotifyModeTransition), checker, notifier, 2)

	if checker.calls != 2 {
		t.Fatalf("loop must proceed to the next poll, got %d checks", checker.calls)
	}
	if checker.healthy != 1 {
		t.Fatalf("expected one health check after failure, got %d", checker.healthy)
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert after recovery, got %d", len(notifier.alerts))
	}
	if snap := w.Tracker().Snapshot(); snap.Cycles != 2 {
		t.Fatalf("expected 2 completed cycles, got %d", snap.Cycles)
	}
}

func TestRun_IntervalHonored(t *testing.T) {
	cfg := testConfig(config.NotifyModeTransition)
	_, clock := runWatcher(t, cfg, &fakeChecker{steps: steps(outStock)}, &fakeNotifier{}, 3)

	if len(clock.waits) != 3 {
		t.Fatalf("expected 3 sleeps, got %d", len(clock.waits))
	}
	for i, d := range clock.waits {
		if d != cfg.App.CheckInterval {
			t.Fatalf("sleep %d = %v, expected %v", i, d, cfg.App.CheckInterval)
		}
	}
}

func TestRun_DeliveryFailureStillRecordsState(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("pushover down")}
	runWatcher(t, testConfig(config.NotifyModeTransition), &fakeChecker{steps: steps(inStock, inStock, inStock)}, notifier, 3)

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected a single delivery attempt, got %d", len(notifier.alerts))
	}
}

func TestRun_RecycleEvery(t *testing.T) {
	cfg := testConfig(config.NotifyModeTransition)
	cfg.App.RecycleEvery = 2
	checker := &fakeChecker{steps: steps(outStock)}
	runWatcher(t, cfg, checker, &fakeNotifier{}, 5)

	if checker.recycles != 2 {
		t.Fatalf("expected 2 recycles in 5 cycles, got %d", checker.recycles)
	}
}

func TestRun_TestPushOnStart(t *testing.T) {
	cfg := testConfig(config.NotifyModeTransition)
	cfg.App.SendTestPushOnStart = true
	notifier := &fakeNotifier{}
	runWatcher(t, cfg, &fakeChecker{steps: steps(outStock)}, notifier, 1)

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected only the start-up alert, got %d", len(notifier.alerts))
	}
	if notifier.alerts[0].Title != "Watcher Test" {
		t.Fatalf("unexpected start-up alert: %+v", notifier.alerts[0])
	}
}

func TestRun_MultipleTargetsSequential(t *testing.T) {
	cfg := testConfig(config.NotifyModeTransition)
	cfg.Targets = append(cfg.Targets, model.Target{URL: "https://shop.example.com/p/2"})
	checker := &fakeChecker{steps: steps(outStock, inStock, outStock, inStock)}
	notifier := &fakeNotifier{}
	w, _ := runWatcher(t, cfg, checker, notifier, 2)

	if checker.calls != 4 {
		t.Fatalf("expected 4 checks, got %d", checker.calls)
	}
	if len(notifier.alerts) != 1 || notifier.alerts[0].URL != "https://shop.example.com/p/2" {
		t.Fatalf("unexpected alerts: %+v", notifier.alerts)
	}
	snap := w.Tracker().Snapshot()
	if len(snap.Targets) != 2 || snap.Targets[1].Alerts != 1 || snap.Targets[1].LastKnown != inStock {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func newDeduper(t *testing.T) (*dedup.Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return dedup.NewDeduplicator(rdb, time.Hour), mr
}

func TestRun_CooldownSuppressesRepeat(t *testing.T) {
	d, _ := newDeduper(t)
	notifier := &fakeNotifier{}
	runWatcher(t, testConfig(config.NotifyModeEvery), &fakeChecker{steps: steps(inStock, inStock, inStock)}, notifier, 3, WithDeduper(d))

	if len(notifier.alerts) != 1 {
		t.Fatalf("cooldown should allow a single alert, got %d", len(notifier.alerts))
	}
}

func TestRun_CooldownClearedWhenOutOfStock(t *testing.T) {
	d, _ := newDeduper(t)
	notifier := &fakeNotifier{}
	runWatcher(t, testConfig(config.NotifyModeTransition), &fakeChecker{steps: steps(inStock, outStock, inStock)}, notifier, 3, WithDeduper(d))

	if len(notifier.alerts) != 2 {
		t.Fatalf("restock should alert again after cooldown is cleared, got %d", len(notifier.alerts))
	}
}

func TestRun_CooldownFailsOpen(t *testing.T) {
	d, mr := newDeduper(t)
	mr.Close()
	notifier := &fakeNotifier{}
	runWatcher(t, testConfig(config.NotifyModeTransition), &fakeChecker{steps: steps(inStock)}, notifier, 1, WithDeduper(d))

	if len(notifier.alerts) != 1 {
		t.Fatalf("redis failure must not block alerts, got %d", len(notifier.alerts))
	}
}

func TestRun_StaleCooldownClearedAfterRestart(t *testing.T) {
	d, _ := newDeduper(t)
	cfg := testConfig(config.NotifyModeTransition)
	// 上一个进程发送告警后留下的冷却标记
	if dup, err := d.IsDuplicate(context.Background(), cfg.Targets[0].URL); err != nil || dup {
		t.Fatalf("seed cooldown: dup=%v err=%v", dup, err)
	}

	notifier := &fakeNotifier{}
	runWatcher(t, cfg, &fakeChecker{steps: steps(outStock, inStock)}, notifier, 2, WithDeduper(d))

	if len(notifier.alerts) != 1 {
		t.Fatalf("restock after a sell-out must alert despite the old cooldown, got %d", len(notifier.alerts))
	}
}

func TestRun_CooldownReleasedOnDeliveryFailure(t *testing.T) {
	d, _ := newDeduper(t)
	notifier := &fakeNotifier{err: errors.New("pushover down")}
	runWatcher(t, testConfig(config.NotifyModeEvery), &fakeChecker{steps: steps(inStock, inStock)}, notifier, 2, WithDeduper(d))

	if len(notifier.alerts) != 2 {
		t.Fatalf("failed delivery should be retried on the next in-stock poll, got %d attempts", len(notifier.alerts))
	}
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		mode     string
		prev     model.Availability
		current  model.Availability
		expected bool
	}{
		{config.NotifyModeTransition, outStock, inStock, true},
		{config.NotifyModeTransition, inStock, inStock, false},
		{config.NotifyModeTransition, inStock, outStock, false},
		{config.NotifyModeEvery, inStock, inStock, true},
		{config.NotifyModeEvery, outStock, outStock, false},
		{config.NotifyModeEvery, outStock, unknown, false},
	}
	for _, tt := range tests {
		w := &Watcher{mode: tt.mode}
		if got := w.shouldNotify(tt.prev, tt.current); got != tt.expected {
			t.Errorf("shouldNotify(%s, %v -> %v) = %v, expected %v", tt.mode, tt.prev, tt.current, got, tt.expected)
		}
	}
}
