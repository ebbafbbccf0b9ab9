package watcher

import (
	"sync"
	"time"

	"stockwatcher/internal/model"
)

// TargetStatus 是单个目标最近一次检查的快照。
type TargetStatus struct {
	Name         string             `json:"name"`
	URL          string             `json:"url"`
	Availability model.Availability `json:"availability"`
	LastKnown    model.Availability `json:"last_known"`
	Title        string             `json:"title,omitempty"`
	Error        string             `json:"error,omitempty"`
	CheckedAt    time.Time          `json:"checked_at"`
	DurationMS   int64              `json:"duration_ms"`
	Alerts       int                `json:"alerts"`
}

// Snapshot 是状态接口返回的整体视图。
type Snapshot struct {
	StartedAt      time.Time      `json:"started_at"`
	LastCycleAt    time.Time      `json:"last_cycle_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Cycles         int64          `json:"cycles"`
	Targets        []TargetStatus `json:"targets"`
}

// Tracker 记录轮询进度，供 HTTP 状态接口并发读取。
type Tracker struct {
	mu             sync.RWMutex
	startedAt      time.Time
	lastCycleAt    time.Time
	lastActivityAt time.Time // 最近一次检查结束或一轮完成的时间
	cycles         int64
	order          []string
	targets        map[string]*TargetStatus
}

func NewTracker(startedAt time.Time, targets []model.Target) *Tracker {
	t := &Tracker{
		startedAt: startedAt,
		targets:   make(map[string]*TargetStatus, len(targets)),
	}
	for _, target := range targets {
		if _, ok := t.targets[target.URL]; ok {
			continue
		}
		t.order = append(t.order, target.URL)
		t.targets[target.URL] = &TargetStatus{
			Name:         target.DisplayName(),
			URL:          target.URL,
			Availability: model.AvailabilityUnknown,
			LastKnown:    model.AvailabilityOutOfStock,
		}
	}
	return t
}

// Observe 记录一次检查结果，检查结束时间同时作为心跳。
func (t *Tracker) Observe(obs model.Observation, lastKnown model.Availability, alerted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !obs.CheckedAt.IsZero() {
		t.touch(obs.CheckedAt.Add(obs.Duration))
	}

	st, ok := t.targets[obs.Target.URL]
	if !ok {
		st = &TargetStatus{Name: obs.Target.DisplayName(), URL: obs.Target.URL}
		t.targets[obs.Target.URL] = st
		t.order = append(t.order, obs.Target.URL)
	}
	st.Availability = obs.Availability
	st.LastKnown = lastKnown
	st.Title = obs.Title
	st.Error = ""
	if obs.Err != nil {
		st.Error = obs.Err.Error()
	}
	st.CheckedAt = obs.CheckedAt
	st.DurationMS = obs.Duration.Milliseconds()
	if alerted {
		st.Alerts++
	}
}

// CycleDone 标记一轮检查完成。
func (t *Tracker) CycleDone(at time.Time) {
	t.mu.Lock()
	t.cycles++
	t.lastCycleAt = at
	t.touch(at)
	t.mu.Unlock()
}

func (t *Tracker) touch(at time.Time) {
	if at.After(t.lastActivityAt) {
		t.lastActivityAt = at
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		StartedAt:      t.startedAt,
		LastCycleAt:    t.lastCycleAt,
		LastActivityAt: t.lastActivityAt,
		Cycles:         t.cycles,
		Targets:        make([]TargetStatus, 0, len(t.order)),
	}
	for _, url := range t.order {
		s.Targets = append(s.Targets, *t.targets[url])
	}
	return s
}

// Healthy 判断轮询是否仍在推进。
//
// 以最近一次检查结束或一轮完成的时间为基准，目标很多时一轮耗时再长也不会误判；
// 尚无任何活动时以启动时间为基准。
func (t *Tracker) Healthy(now time.Time, staleAfter time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref := t.startedAt
	if t.lastActivityAt.After(ref) {
		ref = t.lastActivityAt
	}
	return now.Sub(ref) <= staleAfter
}
