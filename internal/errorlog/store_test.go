package errorlog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	return NewStore(WithClock(clock.Now)), clock
}

func classified(code string, category aierrors.Category, severity aierrors.Severity) *aierrors.ClassifiedError {
	return aierrors.New(code, category, severity, code+" happened")
}

func TestAddAssignsIDAndTimestamp(t *testing.T) {
	s, clock := newTestStore()

	e, alerts := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
	require.NotEmpty(t, e.ID)
	require.Equal(t, clock.Now(), e.Context.Timestamp)
	require.False(t, e.Resolved)
	require.Empty(t, alerts)

	other, _ := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
	require.NotEqual(t, e.ID, other.ID)
}

func TestLogsFiltersNewestFirst(t *testing.T) {
	s, clock := newTestStore()

	s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError), Context: Context{UserID: "u1", Component: "editor"}})
	clock.Advance(time.Minute)
	s.Add(Entry{Error: classified(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical), Context: Context{UserID: "u2", Component: "editor"}})
	clock.Advance(time.Minute)
	last, _ := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError), Context: Context{UserID: "u1", Component: "tags"}})

	all := s.Logs(Filter{})
	require.Len(t, all, 3)
	require.Equal(t, last.ID, all[0].ID)

	require.Len(t, s.Logs(Filter{UserID: "u1"}), 2)
	require.Len(t, s.Logs(Filter{UserID: "u1", Component: "editor"}), 1)
	require.Len(t, s.Logs(Filter{Category: aierrors.CategoryServer}), 1)
	require.Len(t, s.Logs(Filter{Severity: aierrors.SeverityError, Code: aierrors.CodeNetwork}), 2)
	require.Len(t, s.Logs(Filter{Since: clock.Now().Add(-90 * time.Second)}), 2)
	require.Len(t, s.Logs(Filter{Until: clock.Now().Add(-90 * time.Second)}), 1)
	require.Len(t, s.Logs(Filter{Limit: 1}), 1)

	unresolved := false
	require.Len(t, s.Logs(Filter{Resolved: &unresolved}), 3)
}

func TestResolve(t *testing.T) {
	s, clock := newTestStore()
	e, _ := s.Add(Entry{Error: classified(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical)})

	require.False(t, s.Resolve("missing", "ops"))
	require.False(t, s.Logs(Filter{})[0].Resolved)

	clock.Advance(time.Minute)
	require.True(t, s.Resolve(e.ID, "ops"))
	got := s.Logs(Filter{})[0]
	require.True(t, got.Resolved)
	require.Equal(t, "ops", got.ResolvedBy)
	require.Equal(t, clock.Now(), *got.ResolvedAt)

	require.False(t, s.Resolve(e.ID, "someone-else"))
	require.Equal(t, "ops", s.Logs(Filter{})[0].ResolvedBy)

	resolved := true
	require.Len(t, s.Logs(Filter{Resolved: &resolved}), 1)
}

func TestAddPrunesOldEntries(t *testing.T) {
	s, clock := newTestStore()
	s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})

	clock.Advance(31 * 24 * time.Hour)
	s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
	require.Equal(t, 1, s.Len())

	clock.Advance(31 * 24 * time.Hour)
	require.Equal(t, 1, s.Prune())
	require.Zero(t, s.Len())
}

func TestStatsCountsSumToTotal(t *testing.T) {
	s, clock := newTestStore()

	inputs := []struct {
		code     string
		category aierrors.Category
		severity aierrors.Severity
		user     string
	}{
		{aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError, "u1"},
		{aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical, "u1"},
		{aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical, "u2"},
		{aierrors.CodeRateLimited, aierrors.CategoryAPI, aierrors.SeverityWarning, ""},
		{aierrors.CodeTokenLimitExceeded, aierrors.CategoryToken, aierrors.SeverityError, "u3"},
	}
	for _, in := range inputs {
		s.Add(Entry{Error: classified(in.code, in.category, in.severity), Context: Context{UserID: in.user, Component: "notes"}})
		clock.Advance(40 * time.Minute)
	}

	st := s.Stats(TimeRange{})
	require.Equal(t, len(inputs), st.Total)

	sum := func(m map[string]int) int {
		n := 0
		for _, v := range m {
			n += v
		}
		return n
	}
	byCategory, bySeverity := 0, 0
	for _, v := range st.ByCategory {
		byCategory += v
	}
	for _, v := range st.BySeverity {
		bySeverity += v
	}
	require.Equal(t, len(inputs), byCategory)
	require.Equal(t, len(inputs), bySeverity)
	require.Equal(t, len(inputs), sum(st.HourlyTrend))
	require.Equal(t, len(inputs), sum(st.DailyTrend))
	require.Equal(t, 2, st.ByCategory[aierrors.CategoryServer])
	require.Equal(t, 2, st.ByUser["u1"])
	require.Equal(t, len(inputs), st.ByComponent["notes"])
	require.Equal(t, len(inputs), st.DailyTrend["2024-06-03"])
	require.Equal(t, 2, st.HourlyTrend["2024-06-03T09"])

	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	require.Equal(t, 3, s.Stats(TimeRange{Start: start}).Total)
	require.Equal(t, 2, s.Stats(TimeRange{End: start}).Total)
}

func TestAlertRuleCooldown(t *testing.T) {
	s, clock := newTestStore()
	_, err := s.AddRule(AlertRule{
		ID:         "critical",
		Name:       "Critical AI errors",
		Conditions: Conditions{Severities: []aierrors.Severity{aierrors.SeverityCritical}},
		Channels:   []string{"log"},
		Enabled:    true,
	})
	require.NoError(t, err)

	fired := 0
	for range 100 {
		_, alerts := s.Add(Entry{Error: classified(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical)})
		fired += len(alerts)
		clock.Advance(30 * time.Second)
	}
	require.Equal(t, 1, fired)

	_, alerts := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
	require.Empty(t, alerts)

	clock.Advance(11 * time.Minute)
	_, alerts = s.Add(Entry{Error: classified(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical)})
	require.Len(t, alerts, 1)
	require.Equal(t, "critical", alerts[0].Rule.ID)
	require.Equal(t, clock.Now(), *s.Rules()[0].LastTriggered)
}

func TestAlertRuleThreshold(t *testing.T) {
	s, clock := newTestStore()
	_, err := s.AddRule(AlertRule{
		Name:       "Network storm",
		Conditions: Conditions{Codes: []string{aierrors.CodeNetwork}, Threshold: 3},
		Channels:   []string{"log"},
		Enabled:    true,
	})
	require.NoError(t, err)

	add := func() []Alert {
		_, alerts := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
		return alerts
	}

	require.Empty(t, add())
	clock.Advance(61 * time.Minute)
	require.Empty(t, add())
	require.Empty(t, add())

	alerts := add()
	require.Len(t, alerts, 1)
	require.Equal(t, 3, alerts[0].Occurrences)
}

func TestRuleManagement(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.AddRule(AlertRule{Name: "no channels"})
	require.Error(t, err)

	r, err := s.AddRule(AlertRule{Name: "any", Channels: []string{"log"}, Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	require.NoError(t, s.SetRuleEnabled(r.ID, false))
	_, alerts := s.Add(Entry{Error: classified(aierrors.CodeNetwork, aierrors.CategoryNetwork, aierrors.SeverityError)})
	require.Empty(t, alerts)

	require.ErrorIs(t, s.SetRuleEnabled("missing", true), ErrRuleNotFound)
	require.ErrorIs(t, s.RemoveRule("missing"), ErrRuleNotFound)
	require.NoError(t, s.RemoveRule(r.ID))
	require.Empty(t, s.Rules())
}
