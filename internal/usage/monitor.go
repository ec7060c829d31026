package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/metrics"
)

// Validation is the admission decision for one request. Error is set iff
// Allowed is false.
type Validation struct {
	Allowed  bool                      `json:"allowed"`
	Warnings []string                  `json:"warnings"`
	Error    *aierrors.ClassifiedError `json:"error,omitempty"`
}

// Reservation holds admitted-but-unrecorded tokens. Pending reservations
// count as usage until they are committed, released or expire.
type Reservation struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Estimated int       `json:"estimated"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the current usage picture for a user or, with an empty user, for
// everyone.
type Snapshot struct {
	Daily  int    `json:"daily"`
	Hourly int    `json:"hourly"`
	Limits Limits `json:"limits"`
	Stats  Stats  `json:"stats"`
}

// Monitor is the admission gate in front of provider calls.
type Monitor struct {
	store   *Store
	metrics *metrics.Metrics
	ttl     time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]Reservation
}

func NewMonitor(store *Store, m *metrics.Metrics, reservationTTL time.Duration) *Monitor {
	if reservationTTL <= 0 {
		reservationTTL = 5 * time.Minute
	}
	return &Monitor{
		store:   store,
		metrics: m,
		ttl:     reservationTTL,
		pending: make(map[uuid.UUID]Reservation),
	}
}

// ValidateRequest never mutates the ledger. An empty userID checks the global
// aggregate, not a per-user budget.
func (m *Monitor) ValidateRequest(ctx context.Context, estimatedTokens int, userID string) (Validation, error) {
	v, err := m.validate(ctx, estimatedTokens, userID, 0)
	if err != nil {
		return Validation{}, err
	}
	m.metrics.Admission(v.Allowed)
	return v, nil
}

func (m *Monitor) validate(ctx context.Context, estimatedTokens int, userID string, pending int) (Validation, error) {
	limits := m.store.Limits()
	if estimatedTokens > limits.PerRequest {
		e := aierrors.TokenLimitExceeded(
			fmt.Sprintf("Request needs about %d tokens, above the per-request limit of %d.", estimatedTokens, limits.PerRequest),
			userID)
		e.TokenUsage = &aierrors.TokenUsage{Total: estimatedTokens}
		return Validation{Warnings: []string{}, Error: e}, nil
	}

	check, err := m.store.checkLimits(ctx, userID, pending)
	if err != nil {
		return Validation{}, fmt.Errorf("checking limits: %w", err)
	}
	if !check.CanProceed {
		return Validation{
			Warnings: check.Warnings,
			Error:    aierrors.TokenLimitExceeded(strings.Join(check.Errors, "; "), userID),
		}, nil
	}
	return Validation{Allowed: true, Warnings: check.Warnings}, nil
}

// Reserve admits the request and books its estimate in one critical section,
// so concurrent callers cannot jointly overrun a budget. The reservation is
// nil when the request is denied.
func (m *Monitor) Reserve(ctx context.Context, estimatedTokens int, userID string) (*Reservation, Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.store.Now()
	m.expireLocked(ctx, now)

	pending := m.pendingLocked(userID)
	v, err := m.validate(ctx, estimatedTokens, userID, pending)
	if err != nil {
		return nil, Validation{}, err
	}
	if v.Allowed {
		over, err := m.overbooked(ctx, userID, pending+max(estimatedTokens, 0))
		if err != nil {
			return nil, Validation{}, err
		}
		if len(over) > 0 {
			v = Validation{Warnings: v.Warnings, Error: aierrors.TokenLimitExceeded(strings.Join(over, "; "), userID)}
		}
	}
	m.metrics.Admission(v.Allowed)
	if !v.Allowed {
		return nil, v, nil
	}

	r := Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		Estimated: max(estimatedTokens, 0),
		CreatedAt: now,
	}
	m.pending[r.ID] = r
	m.metrics.ReservationsPending(len(m.pending))
	return &r, v, nil
}

// overbooked lists the windows that recorded usage plus booked tokens would
// push past their limit.
func (m *Monitor) overbooked(ctx context.Context, userID string, booked int) ([]string, error) {
	daily, err := m.store.DailyUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting daily usage: %w", err)
	}
	hourly, err := m.store.HourlyUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting hourly usage: %w", err)
	}

	limits := m.store.Limits()
	var over []string
	if daily+booked > limits.Daily {
		over = append(over, fmt.Sprintf("Daily token limit would be exceeded (%d/%d tokens)", daily+booked, limits.Daily))
	}
	if hourly+booked > limits.Hourly {
		over = append(over, fmt.Sprintf("Hourly token limit would be exceeded (%d/%d tokens)", hourly+booked, limits.Hourly))
	}
	return over, nil
}

// Commit records the actual usage of a reserved call and drops the
// reservation. Usage is recorded even if the reservation already expired.
func (m *Monitor) Commit(ctx context.Context, r *Reservation, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r != nil {
		delete(m.pending, r.ID)
		m.metrics.ReservationsPending(len(m.pending))
		if rec.UserID == "" {
			rec.UserID = r.UserID
		}
	}
	return m.recordLocked(ctx, rec)
}

// Release drops a reservation whose call failed.
func (m *Monitor) Release(r *Reservation) {
	if r == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, r.ID)
	m.metrics.ReservationsPending(len(m.pending))
}

// pendingLocked sums outstanding reservations. An empty userID sums all of
// them, matching the global aggregate used by the ledger.
func (m *Monitor) pendingLocked(userID string) int {
	total := 0
	for _, r := range m.pending {
		if userID == "" || r.UserID == userID {
			total += r.Estimated
		}
	}
	return total
}

func (m *Monitor) expireLocked(ctx context.Context, now time.Time) {
	expired := 0
	for id, r := range m.pending {
		if now.Sub(r.CreatedAt) > m.ttl {
			delete(m.pending, id)
			expired++
		}
	}
	if expired > 0 {
		slog.DebugContext(ctx, "expired token reservations", "count", expired)
		m.metrics.ReservationsPending(len(m.pending))
	}
}

// RecordUsage records a call that was admitted with ValidateRequest.
func (m *Monitor) RecordUsage(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(ctx, rec)
}

func (m *Monitor) recordLocked(ctx context.Context, rec Record) (Record, error) {
	out, err := m.store.RecordUsage(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	m.metrics.TokensRecorded(out.Operation, out.Total)
	return out, nil
}

func (m *Monitor) Usage(ctx context.Context, userID string) (Snapshot, error) {
	daily, err := m.store.DailyUsage(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting daily usage: %w", err)
	}
	hourly, err := m.store.HourlyUsage(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting hourly usage: %w", err)
	}
	stats, err := m.store.UsageStats(ctx, userID, 0)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Daily:  daily,
		Hourly: hourly,
		Limits: m.store.Limits(),
		Stats:  stats,
	}, nil
}

func (m *Monitor) UpdateLimits(u LimitsUpdate) (Limits, error) {
	return m.store.UpdateLimits(u)
}

func (m *Monitor) ResetUsage(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ResetUsage(ctx, userID)
}
