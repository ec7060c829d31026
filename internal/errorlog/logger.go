package errorlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/metrics"
)

type Config struct {
	Environment     string        `default:"development"`
	Retention       time.Duration `default:"720h"`
	Cooldown        time.Duration `default:"1h"`
	RulesFile       string        `split_words:"true"`
	SlackWebhookURL string        `split_words:"true"`
	WebhookURL      string        `split_words:"true"`
	Dispatch        DispatchConfig
}

func (c Config) StoreOptions() []Option {
	return []Option{WithRetention(c.Retention), WithCooldown(c.Cooldown)}
}

// Sink receives every logged entry for durable storage.
type Sink interface {
	Persist(ctx context.Context, e Entry) error
}

// Resolver is implemented by sinks that also track resolutions.
type Resolver interface {
	MarkResolved(ctx context.Context, id, by string, at time.Time) (bool, error)
}

type LoggerOptions struct {
	Environment string
	Version     string
	Dispatcher  *Dispatcher
	Sink        Sink
	Metrics     *metrics.Metrics
}

// Logger is the single entry point for recording classified errors.
type Logger struct {
	store       *Store
	dispatcher  *Dispatcher
	sink        Sink
	metrics     *metrics.Metrics
	environment string
	version     string
}

func NewLogger(store *Store, opts LoggerOptions) *Logger {
	return &Logger{
		store:       store,
		dispatcher:  opts.Dispatcher,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		environment: opts.Environment,
		version:     opts.Version,
	}
}

func levelFor(s aierrors.Severity) slog.Level {
	switch s {
	case aierrors.SeverityWarning:
		return slog.LevelWarn
	case aierrors.SeverityError, aierrors.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogError records err, classifying it first if needed, and dispatches any
// alerts it fires. Sink and delivery failures are logged, not returned.
func (l *Logger) LogError(ctx context.Context, err error, c Context) (Entry, []Delivery) {
	if err == nil {
		return Entry{}, nil
	}

	ce := aierrors.Classify(err, aierrors.Context{UserID: c.UserID, Now: l.store.now})
	entry, alerts := l.store.Add(Entry{
		Error:   ce,
		Context: c,
		Metadata: Metadata{
			SessionID:   SessionIDFrom(ctx),
			RequestID:   RequestIDFrom(ctx),
			Environment: l.environment,
			Version:     l.version,
		},
	})

	slog.Log(ctx, levelFor(ce.Severity), "ai error",
		"id", entry.ID,
		"code", ce.Code,
		"category", ce.Category,
		"severity", ce.Severity,
		"retryable", ce.Retryable,
		"retry_count", ce.RetryCount,
		"user_id", entry.userID(),
		"component", c.Component,
		"action", c.Action,
		"request_id", entry.Metadata.RequestID,
		"error", ce.Message)
	l.metrics.ClassifiedError(string(ce.Category), string(ce.Severity))

	if l.sink != nil {
		if err := l.sink.Persist(ctx, entry); err != nil {
			slog.WarnContext(ctx, "failed to persist error log entry", "id", entry.ID, "error", err)
		}
	}

	var deliveries []Delivery
	for _, a := range alerts {
		l.metrics.AlertFired(a.Rule.Name)
		if l.dispatcher == nil {
			slog.WarnContext(ctx, "alert fired without dispatcher", "rule", a.Rule.Name, "code", ce.Code)
			continue
		}
		deliveries = append(deliveries, l.dispatcher.Dispatch(ctx, a)...)
	}
	return entry, deliveries
}

func (l *Logger) Logs(f Filter) []Entry {
	return l.store.Logs(f)
}

func (l *Logger) Stats(tr TimeRange) Stats {
	return l.store.Stats(tr)
}

// Resolve marks the entry resolved and forwards the resolution to the sink
// when it is a Resolver.
func (l *Logger) Resolve(ctx context.Context, id, by string) bool {
	if !l.store.Resolve(id, by) {
		return false
	}

	if r, ok := l.sink.(Resolver); ok {
		if _, err := r.MarkResolved(ctx, id, by, l.store.now()); err != nil {
			slog.WarnContext(ctx, "failed to persist resolution", "id", id, "error", err)
		}
	}
	return true
}

func (l *Logger) AddAlert(r AlertRule) (AlertRule, error) {
	return l.store.AddRule(r)
}
