package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one successful provider call. Total is expected to equal
// InputTokens+OutputTokens.
type Record struct {
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Total        int       `json:"total"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	UserID       string    `json:"user_id,omitempty"`
}

// Ledger is the append-only backing store for usage records. An empty userID
// means all users.
type Ledger interface {
	Append(ctx context.Context, rec Record) error
	Sum(ctx context.Context, since time.Time, userID string) (int, error)
	Records(ctx context.Context, since time.Time, userID string) ([]Record, error)
	Delete(ctx context.Context, userID string) (int, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryLedger keeps records ordered by timestamp so window queries and
// pruning are binary searches.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.records)
	if n == 0 || !rec.Timestamp.Before(l.records[n-1].Timestamp) {
		l.records = append(l.records, rec)
		return nil
	}

	i := sort.Search(n, func(i int) bool { return l.records[i].Timestamp.After(rec.Timestamp) })
	l.records = append(l.records, Record{})
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = rec
	return nil
}

// firstAt returns the index of the first record at or after t. Callers hold mu.
func (l *MemoryLedger) firstAt(t time.Time) int {
	return sort.Search(len(l.records), func(i int) bool { return !l.records[i].Timestamp.Before(t) })
}

func (l *MemoryLedger) Sum(_ context.Context, since time.Time, userID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for _, r := range l.records[l.firstAt(since):] {
		if userID == "" || r.UserID == userID {
			total += r.Total
		}
	}
	return total, nil
}

func (l *MemoryLedger) Records(_ context.Context, since time.Time, userID string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.records[l.firstAt(since):] {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Delete(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.records)
	if userID == "" {
		l.records = nil
		return n, nil
	}

	kept := l.records[:0]
	for _, r := range l.records {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	clear(l.records[len(kept):])
	l.records = kept
	return n - len(kept), nil
}

func (l *MemoryLedger) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.firstAt(cutoff)
	if i == 0 {
		return 0, nil
	}
	l.records = append([]Record(nil), l.records[i:]...)
	return i, nil
}

// Len reports the number of retained records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
