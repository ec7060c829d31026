package errorlog

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	defaultCooldown  = time.Hour
	thresholdWindow  = time.Hour
)

// Alert is one firing of a rule.
type Alert struct {
	Rule        AlertRule `json:"rule"`
	Entry       Entry     `json:"entry"`
	TriggeredAt time.Time `json:"triggered_at"`
	// Occurrences is the number of same-code entries in the trailing hour.
	Occurrences int `json:"occurrences"`
}

type Filter struct {
	UserID    string
	Category  aierrors.Category
	Severity  aierrors.Severity
	Code      string
	Component string
	Since     time.Time
	Until     time.Time
	Resolved  *bool
	Limit     int
}

func (f Filter) matches(e Entry) bool {
	switch {
	case f.UserID != "" && e.userID() != f.UserID:
		return false
	case f.Category != "" && e.Error.Category != f.Category:
		return false
	case f.Severity != "" && e.Error.Severity != f.Severity:
		return false
	case f.Code != "" && e.Error.Code != f.Code:
		return false
	case f.Component != "" && e.Context.Component != f.Component:
		return false
	case !f.Since.IsZero() && e.Context.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Context.Timestamp.After(f.Until):
		return false
	case f.Resolved != nil && e.Resolved != *f.Resolved:
		return false
	}
	return true
}

// TimeRange bounds Stats. Zero values are open ends.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

type Stats struct {
	Total       int                       `json:"total"`
	Unresolved  int                       `json:"unresolved"`
	ByCategory  map[aierrors.Category]int `json:"by_category"`
	BySeverity  map[aierrors.Severity]int `json:"by_severity"`
	ByCode      map[string]int            `json:"by_code"`
	ByUser      map[string]int            `json:"by_user"`
	ByComponent map[string]int            `json:"by_component"`
	HourlyTrend map[string]int            `json:"hourly_trend"`
	DailyTrend  map[string]int            `json:"daily_trend"`
}

const (
	hourBucket = "2006-01-02T15"
	dayBucket  = "2006-01-02"
)

// Store holds error log entries ordered by timestamp and the alert rules
// evaluated against each new entry.
type Store struct {
	now       func() time.Time
	retention time.Duration
	cooldown  time.Duration

	mu      sync.Mutex
	entries []Entry
	rules   []AlertRule
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		retention: defaultRetention,
		cooldown:  defaultCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores entry under a fresh id, evicts expired entries and returns the
// alerts it fired. LastTriggered is stamped before Add returns, so concurrent
// callers cannot fire the same rule twice within a cooldown.
func (s *Store) Add(entry Entry) (Entry, []Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry.ID = uuid.NewString()
	if entry.Error == nil {
		entry.Error = aierrors.New(aierrors.CodeUnknown, aierrors.CategoryUnknown, aierrors.SeverityError, "unspecified error")
	}
	if entry.Context.Timestamp.IsZero() {
		entry.Context.Timestamp = now
	}
	entry.Resolved = false
	entry.ResolvedAt = nil
	entry.ResolvedBy = ""

	s.insertLocked(entry)
	s.pruneLocked(now)
	return entry, s.evaluateLocked(entry, now)
}

func (s *Store) insertLocked(e Entry) {
	n := len(s.entries)
	if n == 0 || !e.Context.Timestamp.Before(s.entries[n-1].Context.Timestamp) {
		s.entries = append(s.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.entries[i].Context.Timestamp.After(e.Context.Timestamp) })
	s.entries = slices.Insert(s.entries, i, e)
}

func (s *Store) firstAtLocked(t time.Time) int {
	return sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].Context.Timestamp.Before(t) })
}

func (s *Store) pruneLocked(now time.Time) int {
	i := s.firstAtLocked(now.Add(-s.retention))
	if i == 0 {
		return 0
	}
	s.entries = slices.Clone(s.entries[i:])
	return i
}

// Prune evicts entries older than the retention window.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *Store) evaluateLocked(e Entry, now time.Time) []Alert {
	var alerts []Alert
	occurrences := -1
	for i := range s.rules {
		r := &s.rules[i]
		if !r.Enabled || !r.Conditions.matches(e.Error) {
			continue
		}
		if occurrences < 0 {
			occurrences = s.countCodeLocked(e.Error.Code, now.Add(-thresholdWindow))
		}
		if r.Conditions.Threshold > 0 && occurrences < r.Conditions.Threshold {
			continue
		}
		if r.LastTriggered != nil && now.Sub(*r.LastTriggered) < s.cooldown {
			continue
		}
		t := now
		r.LastTriggered = &t
		alerts = append(alerts, Alert{
			Rule:        r.clone(),
			Entry:       e,
			TriggeredAt: now,
			Occurrences: occurrences,
		})
	}
	return alerts
}

func (s *Store) countCodeLocked(code string, since time.Time) int {
	n := 0
	for _, e := range s.entries[s.firstAtLocked(since):] {
		if e.Error.Code == code {
			n++
		}
	}
	return n
}

// Logs returns matching entries newest first.
func (s *Store) Logs(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !f.matches(s.entries[i]) {
			continue
		}
		out = append(out, s.entries[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *Store) Stats(tr TimeRange) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		ByCategory:  make(map[aierrors.Category]int),
		BySeverity:  make(map[aierrors.Severity]int),
		ByCode:      make(map[string]int),
		ByUser:      make(map[string]int),
		ByComponent: make(map[string]int),
		HourlyTrend: make(map[string]int),
		DailyTrend:  make(map[string]int),
	}
	for _, e := range s.entries[s.firstAtLocked(tr.Start):] {
		ts := e.Context.Timestamp
		if !tr.End.IsZero() && ts.After(tr.End) {
			break
		}
		st.Total++
		if !e.Resolved {
			st.Unresolved++
		}
		st.ByCategory[e.Error.Category]++
		st.BySeverity[e.Error.Severity]++
		st.ByCode[e.Error.Code]++
		if u := e.userID(); u != "" {
			st.ByUser[u]++
		}
		if e.Context.Component != "" {
			st.ByComponent[e.Context.Component]++
		}
		st.HourlyTrend[ts.Format(hourBucket)]++
		st.DailyTrend[ts.Format(dayBucket)]++
	}
	return st
}

// Resolve marks the entry resolved. It reports false for unknown ids and for
// entries that are already resolved.
func (s *Store) Resolve(id, by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		e := &s.entries[i]
		if e.ID != id {
			continue
		}
		if e.Resolved {
			return false
		}
		now := s.now()
		e.Resolved = true
		e.ResolvedAt = &now
		e.ResolvedBy = by
		return true
	}
	return false
}

// AddRule validates and stores r, assigning an id when it has none.
func (s *Store) AddRule(r AlertRule) (AlertRule, error) {
	if err := validateRule(r); err != nil {
		return AlertRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r = r.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.ruleIndexLocked(r.ID); i >= 0 {
		s.rules[i] = r
	} else {
		s.rules = append(s.rules, r)
	}
	return r.clone(), nil
}

func (s *Store) RemoveRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ruleIndexLocked(id)
	if i < 0 {
		return ErrRuleNotFound
	}
	s.rules = slices.Delete(s.rules, i, i+1)
	return nil
}

func (s *Store) SetRuleEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.ruleIndexLocked(id)
	if i < 0 {
		return ErrRuleNotFound
	}
	s.rules[i].Enabled = enabled
	return nil
}

func (s *Store) Rules() []AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AlertRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.clone()
	}
	return out
}

func (s *Store) ruleIndexLocked(id string) int {
	return slices.IndexFunc(s.rules, func(r AlertRule) bool { return r.ID == id })
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
