package fallback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dynoinc/tokenguard/internal/metrics"
)

const trackerRetention = 30 * 24 * time.Hour

// UsageEvent records that a fallback was offered for an error and whether it
// resolved the user's problem.
type UsageEvent struct {
	ErrorCode    string    `json:"error_code"`
	FallbackType Type      `json:"fallback_type"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}

type TrackerStats struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	SuccessRate float64        `json:"success_rate"`
	ByType      map[Type]int   `json:"by_type"`
	ByErrorCode map[string]int `json:"by_error_code"`
}

// Tracker keeps fallback usage for the last 30 days.
type Tracker struct {
	now     func() time.Time
	metrics *metrics.Metrics

	mu     sync.Mutex
	events []UsageEvent
}

func NewTracker(m *metrics.Metrics, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, metrics: m}
}

func (t *Tracker) Record(ctx context.Context, errorCode string, fallbackType Type, success bool) UsageEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ev := UsageEvent{
		ErrorCode:    errorCode,
		FallbackType: fallbackType,
		Success:      success,
		Timestamp:    now,
	}
	t.events = append(t.events, ev)
	t.pruneLocked(now)

	t.metrics.FallbackUse(string(fallbackType), success)
	slog.DebugContext(ctx, "fallback used", "error_code", errorCode, "type", fallbackType, "success", success)
	return ev
}

func (t *Tracker) pruneLocked(now time.Time) int {
	cutoff := now.Add(-trackerRetention)
	i := sort.Search(len(t.events), func(i int) bool { return !t.events[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return 0
	}
	t.events = append([]UsageEvent(nil), t.events[i:]...)
	return i
}

func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.now())
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := TrackerStats{
		ByType:      make(map[Type]int),
		ByErrorCode: make(map[string]int),
	}
	cutoff := t.now().Add(-trackerRetention)
	for _, ev := range t.events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		st.Total++
		if ev.Success {
			st.Successful++
		}
		st.ByType[ev.FallbackType]++
		st.ByErrorCode[ev.ErrorCode]++
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total)
	}
	return st
}
