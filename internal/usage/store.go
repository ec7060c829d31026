// Package usage meters token consumption per user over sliding windows and
// gates provider calls on the configured budgets.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	DailyLimit       int           `split_words:"true" default:"100000"`
	HourlyLimit      int           `split_words:"true" default:"20000"`
	PerRequestLimit  int           `split_words:"true" default:"8000"`
	WarningThreshold float64       `split_words:"true" default:"0.8"`
	Retention        time.Duration `default:"168h"`
	ReservationTTL   time.Duration `split_words:"true" default:"5m"`
}

func DefaultConfig() Config {
	return Config{
		DailyLimit:       100000,
		HourlyLimit:      20000,
		PerRequestLimit:  8000,
		WarningThreshold: 0.8,
		Retention:        7 * 24 * time.Hour,
		ReservationTTL:   5 * time.Minute,
	}
}

func (c Config) Limits() Limits {
	return Limits{
		Daily:            c.DailyLimit,
		Hourly:           c.HourlyLimit,
		PerRequest:       c.PerRequestLimit,
		WarningThreshold: c.WarningThreshold,
	}
}

type Limits struct {
	Daily            int     `json:"daily" validate:"gte=0"`
	Hourly           int     `json:"hourly" validate:"gte=0"`
	PerRequest       int     `json:"per_request" validate:"gte=0"`
	WarningThreshold float64 `json:"warning_threshold" validate:"gte=0,lte=1"`
}

// LimitsUpdate is a partial update; nil fields keep their current value.
type LimitsUpdate struct {
	Daily            *int     `json:"daily,omitempty"`
	Hourly           *int     `json:"hourly,omitempty"`
	PerRequest       *int     `json:"per_request,omitempty"`
	WarningThreshold *float64 `json:"warning_threshold,omitempty"`
}

var ErrInvalidLimits = errors.New("invalid limits")

// LimitCheck is the outcome of evaluating current usage against the limits.
type LimitCheck struct {
	CanProceed bool     `json:"can_proceed"`
	Warnings   []string `json:"warnings"`
	Errors     []string `json:"errors"`
}

type Stats struct {
	TotalUsage   int            `json:"total_usage"`
	AverageDaily float64        `json:"average_daily"`
	PeakHourly   int            `json:"peak_hourly"`
	Operations   map[string]int `json:"operations"`
}

// Store is the token usage ledger together with its limit configuration.
type Store struct {
	ledger    Ledger
	retention time.Duration
	now       func() time.Time
	validate  *validator.Validate

	mu     sync.RWMutex
	limits Limits
}

type Option func(*Store)

// WithClock replaces time.Now. The clock's location defines local midnight.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(ledger Ledger, cfg Config, opts ...Option) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	s := &Store{
		ledger:    ledger,
		retention: cfg.Retention,
		now:       time.Now,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		limits:    cfg.Limits(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Now() time.Time {
	return s.now()
}

// RecordUsage stamps rec with the current time, appends it and evicts records
// older than the retention window.
func (s *Store) RecordUsage(ctx context.Context, rec Record) (Record, error) {
	now := s.now()
	rec.Timestamp = now
	if rec.Total == 0 {
		rec.Total = rec.InputTokens + rec.OutputTokens
	}

	if err := s.ledger.Append(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("appending usage record: %w", err)
	}
	if _, err := s.ledger.PruneBefore(ctx, now.Add(-s.retention)); err != nil {
		return Record{}, fmt.Errorf("pruning usage records: %w", err)
	}
	return rec, nil
}

// Prune evicts records older than the retention window.
func (s *Store) Prune(ctx context.Context) (int, error) {
	return s.ledger.PruneBefore(ctx, s.now().Add(-s.retention))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (s *Store) DailyUsage(ctx context.Context, userID string) (int, error) {
	return s.ledger.Sum(ctx, startOfDay(s.now()), userID)
}

func (s *Store) HourlyUsage(ctx context.Context, userID string) (int, error) {
	return s.ledger.Sum(ctx, s.now().Add(-time.Hour), userID)
}

func (s *Store) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// UpdateLimits merges u into the current limits. The merged result must pass
// field validation; relations between fields are not checked.
func (s *Store) UpdateLimits(u LimitsUpdate) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.limits
	if u.Daily != nil {
		next.Daily = *u.Daily
	}
	if u.Hourly != nil {
		next.Hourly = *u.Hourly
	}
	if u.PerRequest != nil {
		next.PerRequest = *u.PerRequest
	}
	if u.WarningThreshold != nil {
		next.WarningThreshold = *u.WarningThreshold
	}

	if err := s.validate.Struct(next); err != nil {
		return s.limits, fmt.Errorf("%w: %v", ErrInvalidLimits, err)
	}
	s.limits = next
	return next, nil
}

// CheckLimits evaluates current daily and hourly usage independently.
func (s *Store) CheckLimits(ctx context.Context, userID string) (LimitCheck, error) {
	return s.checkLimits(ctx, userID, 0)
}

// checkLimits adds pending to both windows; it carries reservations that have
// not been recorded yet.
func (s *Store) checkLimits(ctx context.Context, userID string, pending int) (LimitCheck, error) {
	daily, err := s.DailyUsage(ctx, userID)
	if err != nil {
		return LimitCheck{}, fmt.Errorf("getting daily usage: %w", err)
	}
	hourly, err := s.HourlyUsage(ctx, userID)
	if err != nil {
		return LimitCheck{}, fmt.Errorf("getting hourly usage: %w", err)
	}

	limits := s.Limits()
	check := LimitCheck{Warnings: []string{}, Errors: []string{}}
	evaluate(&check, "Daily", daily+pending, limits.Daily, limits.WarningThreshold)
	evaluate(&check, "Hourly", hourly+pending, limits.Hourly, limits.WarningThreshold)
	check.CanProceed = len(check.Errors) == 0
	return check, nil
}

func evaluate(c *LimitCheck, window string, used, limit int, threshold float64) {
	switch {
	case used >= limit:
		c.Errors = append(c.Errors, fmt.Sprintf("%s token limit reached (%d/%d tokens)", window, used, limit))
	case float64(used) >= float64(limit)*threshold:
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s token usage %d/%d is above the %.0f%% warning threshold",
			window, used, limit, threshold*100))
	}
}

// UsageStats summarizes the last days days of retained usage.
func (s *Store) UsageStats(ctx context.Context, userID string, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}

	now := s.now()
	since := now.AddDate(0, 0, -days)
	if oldest := now.Add(-s.retention); since.Before(oldest) {
		since = oldest
	}

	records, err := s.ledger.Records(ctx, since, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("listing usage records: %w", err)
	}

	stats := Stats{Operations: make(map[string]int)}
	hourly := make(map[int64]int)
	for _, r := range records {
		stats.TotalUsage += r.Total
		stats.Operations[r.Operation] += r.Total

		h := r.Timestamp.Truncate(time.Hour).Unix()
		hourly[h] += r.Total
		if hourly[h] > stats.PeakHourly {
			stats.PeakHourly = hourly[h]
		}
	}
	stats.AverageDaily = float64(stats.TotalUsage) / float64(days)
	return stats, nil
}

// ResetUsage drops the records of userID, or of every user when userID is
// empty.
func (s *Store) ResetUsage(ctx context.Context, userID string) (int, error) {
	n, err := s.ledger.Delete(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting usage records: %w", err)
	}
	return n, nil
}
