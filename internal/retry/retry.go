// Package retry runs provider operations under admission control, classifying
// and logging every failure and backing off between retryable attempts.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/errorlog"
	"github.com/dynoinc/tokenguard/internal/metrics"
	"github.com/dynoinc/tokenguard/internal/otel/semconv"
	"github.com/dynoinc/tokenguard/internal/usage"
)

type Config struct {
	MaxRetries int           `split_words:"true" default:"3"`
	BaseDelay  time.Duration `split_words:"true" default:"1s"`
}

// UsageReporter is implemented by operation results that know their token
// usage. Reported usage is recorded in the ledger on success.
type UsageReporter interface {
	TokenUsage() aierrors.TokenUsage
}

// Admitter is the subset of *usage.Monitor the orchestrator needs.
type Admitter interface {
	Reserve(ctx context.Context, estimatedTokens int, userID string) (*usage.Reservation, usage.Validation, error)
	Commit(ctx context.Context, r *usage.Reservation, rec usage.Record) (usage.Record, error)
	Release(r *usage.Reservation)
	RecordUsage(ctx context.Context, rec usage.Record) (usage.Record, error)
}

type ErrorLogger interface {
	LogError(ctx context.Context, err error, c errorlog.Context) (errorlog.Entry, []errorlog.Delivery)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Orchestrator struct {
	cfg     Config
	monitor Admitter
	logger  ErrorLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	sleep   SleepFunc
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithSleep(s SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("github.com/dynoinc/tokenguard/internal/retry") }
}

// New builds an orchestrator. monitor and logger may be nil, which disables
// admission and error logging respectively.
func New(cfg Config, monitor Admitter, logger ErrorLogger, opts ...Option) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	o := &Orchestrator{
		cfg:     cfg,
		monitor: monitor,
		logger:  logger,
		tracer:  otel.Tracer("github.com/dynoinc/tokenguard/internal/retry"),
		sleep:   sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type callOptions struct {
	maxRetries      int
	baseDelay       time.Duration
	userID          string
	operation       string
	endpoint        string
	component       string
	estimatedTokens int
	forceTrace      bool
}

type CallOption func(*callOptions)

// MaxRetries caps the total number of attempts.
func MaxRetries(n int) CallOption {
	return func(c *callOptions) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func BaseDelay(d time.Duration) CallOption {
	return func(c *callOptions) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

func UserID(id string) CallOption {
	return func(c *callOptions) { c.userID = id }
}

// Operation tags recorded usage and logged errors.
func Operation(tag string) CallOption {
	return func(c *callOptions) { c.operation = tag }
}

func Endpoint(endpoint string) CallOption {
	return func(c *callOptions) { c.endpoint = endpoint }
}

func Component(name string) CallOption {
	return func(c *callOptions) { c.component = name }
}

// EstimatedTokens enables admission: the estimate is reserved before the first
// attempt and replaced by the reported usage on success.
func EstimatedTokens(n int) CallOption {
	return func(c *callOptions) { c.estimatedTokens = n }
}

// ForceTrace samples the call's span regardless of the sampling rate.
func ForceTrace() CallOption {
	return func(c *callOptions) { c.forceTrace = true }
}

// maxBackoff caps the exponential delay; a provider's Retry-After may still
// exceed it.
const maxBackoff = 5 * time.Minute

func (c callOptions) delay(attempt int, ce *aierrors.ClassifiedError) time.Duration {
	backoff := c.baseDelay
	for i := 1; i < attempt && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	return max(ce.ShouldRetryAfter(), min(backoff, maxBackoff))
}

// Do runs op until it succeeds, fails with a non-retryable error, or has been
// attempted MaxRetries times. Failures are returned as
// *aierrors.ClassifiedError.
func Do[T any](ctx context.Context, o *Orchestrator, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	c := callOptions{
		maxRetries: o.cfg.MaxRetries,
		baseDelay:  o.cfg.BaseDelay,
		component:  "ai",
	}
	for _, opt := range opts {
		opt(&c)
	}

	ctx, span := o.tracer.Start(ctx, "retry.Do", trace.WithAttributes(
		semconv.OperationKey.String(c.operation),
		semconv.UserIDKey.String(c.userID),
		semconv.RetryMaxKey.Int(c.maxRetries),
		semconv.EstimatedTokensKey.Int(c.estimatedTokens),
		semconv.ForceTraceKey.Bool(c.forceTrace),
	))
	defer span.End()

	var zero T
	var reservation *usage.Reservation
	if c.estimatedTokens > 0 && o.monitor != nil {
		r, v, err := o.monitor.Reserve(ctx, c.estimatedTokens, c.userID)
		if err != nil {
			ce := aierrors.Classify(&aierrors.SystemFailure{Err: fmt.Errorf("reserving tokens: %w", err)}, o.classifyContext(c, 0))
			o.log(ctx, c, ce)
			o.finish(span, c, "error", ce)
			return zero, ce
		}
		if !v.Allowed {
			o.log(ctx, c, v.Error)
			o.finish(span, c, "denied", v.Error)
			return zero, v.Error
		}
		for _, w := range v.Warnings {
			slog.WarnContext(ctx, "token usage warning", "user_id", c.userID, "operation", c.operation, "warning", w)
		}
		reservation = r
	}

	for attempt := 1; ; attempt++ {
		o.metrics.Attempt(c.operation)
		span.AddEvent("attempt", trace.WithAttributes(semconv.RetryAttemptKey.Int(attempt)))

		v, err := call(ctx, op)
		if err == nil {
			o.recordUsage(ctx, c, reservation, v)
			o.finish(span, c, "success", nil)
			return v, nil
		}

		ce := aierrors.Classify(err, o.classifyContext(c, attempt))
		if ce == nil {
			ce = aierrors.MaxRetriesExceeded(err, attempt)
		}
		o.log(ctx, c, ce)

		if !ce.Retryable || attempt >= c.maxRetries {
			o.release(reservation)
			outcome := "failed"
			if ce.Retryable {
				outcome = "exhausted"
			}
			if ce.Retryable && ce.Category == aierrors.CategoryUnknown {
				terminal := aierrors.MaxRetriesExceeded(ce, attempt)
				terminal.UserID = ce.UserID
				terminal.APIEndpoint = ce.APIEndpoint
				ce = terminal
			}
			o.finish(span, c, outcome, ce)
			return zero, ce
		}

		delay := c.delay(attempt, ce)
		slog.InfoContext(ctx, "retrying ai operation",
			"operation", c.operation,
			"user_id", c.userID,
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"code", ce.Code,
			"delay", delay)
		span.AddEvent("backoff", trace.WithAttributes(semconv.RetryDelayMsKey.Int64(delay.Milliseconds())))

		if err := o.sleep(ctx, delay); err != nil {
			canceled := aierrors.Classify(err, o.classifyContext(c, attempt))
			o.log(ctx, c, canceled)
			o.release(reservation)
			o.finish(span, c, "canceled", canceled)
			return zero, canceled
		}
	}
}

// call runs op, turning a panic into a SystemFailure.
func call[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "ai operation panicked", "panic", r, "stack", string(debug.Stack()))
			err = &aierrors.SystemFailure{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return op(ctx)
}

func (o *Orchestrator) classifyContext(c callOptions, attempt int) aierrors.Context {
	return aierrors.Context{
		UserID:     c.userID,
		Endpoint:   c.endpoint,
		RetryCount: attempt,
	}
}

func (o *Orchestrator) log(ctx context.Context, c callOptions, ce *aierrors.ClassifiedError) {
	if o.logger == nil {
		return
	}
	o.logger.LogError(ctx, ce, errorlog.Context{
		UserID:    c.userID,
		Action:    c.operation,
		Component: c.component,
		URL:       c.endpoint,
	})
}

func (o *Orchestrator) release(r *usage.Reservation) {
	if r != nil && o.monitor != nil {
		o.monitor.Release(r)
	}
}

// recordUsage is best effort: a ledger failure is logged and the successful
// result is still returned.
func (o *Orchestrator) recordUsage(ctx context.Context, c callOptions, r *usage.Reservation, v any) {
	if o.monitor == nil {
		return
	}

	reporter, ok := v.(UsageReporter)
	if !ok {
		// Nothing to record; the estimate is dropped with the reservation.
		o.release(r)
		return
	}

	u := reporter.TokenUsage()
	rec := usage.Record{
		InputTokens:  u.Input,
		OutputTokens: u.Output,
		Total:        u.Total,
		Operation:    c.operation,
		UserID:       c.userID,
	}

	var err error
	if r != nil {
		_, err = o.monitor.Commit(ctx, r, rec)
	} else {
		_, err = o.monitor.RecordUsage(ctx, rec)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to record token usage", "operation", c.operation, "user_id", c.userID, "error", err)
	}
}

func (o *Orchestrator) finish(span trace.Span, c callOptions, outcome string, ce *aierrors.ClassifiedError) {
	o.metrics.Outcome(c.operation, outcome)
	if ce == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(
		semconv.ErrorCodeKey.String(ce.Code),
		semconv.ErrorCategoryKey.String(string(ce.Category)),
		semconv.ErrorRetryableKey.Bool(ce.Retryable),
	)
	span.RecordError(ce)
	span.SetStatus(codes.Error, ce.Message)
}
