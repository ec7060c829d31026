// Package aierrors normalizes failures of generative-AI provider calls into a
// closed taxonomy that drives retry, fallback and alerting decisions.
package aierrors

import (
	"encoding/json"
	"fmt"
	"time"
)

type Category string

const (
	CategoryNetwork Category = "network"
	CategoryServer  Category = "server"
	CategoryAPI     Category = "api"
	CategoryToken   Category = "token"
	CategoryAI      Category = "ai"
	CategorySystem  Category = "system"
	CategoryUnknown Category = "unknown"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error codes produced by Classify and by the admission monitor.
const (
	CodeAPIKeyInvalid      = "api_key_invalid"
	CodeRateLimited        = "rate_limited"
	CodeTokenLimitExceeded = "token_limit_exceeded"
	CodeContentFiltered    = "content_filtered"
	CodeNetwork            = "network_error"
	CodeServer             = "server_error"
	CodeSystem             = "system_error"
	CodeCanceled           = "request_canceled"
	CodeUnknown            = "unknown_error"
	CodeMaxRetriesExceeded = "max_retries_exceeded"
)

// TokenUsage is the token count attached to an error, when known.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ClassifiedError is a normalized failure record. It is immutable once built;
// consumers must ignore RetryAfter when Retryable is false.
type ClassifiedError struct {
	Code        string
	Message     string
	Category    Category
	Severity    Severity
	Timestamp   time.Time
	UserID      string
	Retryable   bool
	RetryAfter  time.Duration
	TokenUsage  *TokenUsage
	APIEndpoint string
	RetryCount  int

	cause error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// ShouldRetryAfter reports the advised delay, which is zero for
// non-retryable errors.
func (e *ClassifiedError) ShouldRetryAfter() time.Duration {
	if e == nil || !e.Retryable {
		return 0
	}
	return e.RetryAfter
}

// WithRetryCount returns a copy of e carrying the attempt number.
func (e *ClassifiedError) WithRetryCount(n int) *ClassifiedError {
	c := *e
	c.RetryCount = n
	return &c
}

type classifiedErrorJSON struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Category     Category    `json:"category"`
	Severity     Severity    `json:"severity"`
	Timestamp    time.Time   `json:"timestamp"`
	UserID       string      `json:"user_id,omitempty"`
	Retryable    bool        `json:"retryable"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
	TokenUsage   *TokenUsage `json:"token_usage,omitempty"`
	APIEndpoint  string      `json:"api_endpoint,omitempty"`
	RetryCount   int         `json:"retry_count,omitempty"`
}

func (e *ClassifiedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(classifiedErrorJSON{
		Code:         e.Code,
		Message:      e.Message,
		Category:     e.Category,
		Severity:     e.Severity,
		Timestamp:    e.Timestamp,
		UserID:       e.UserID,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
		TokenUsage:   e.TokenUsage,
		APIEndpoint:  e.APIEndpoint,
		RetryCount:   e.RetryCount,
	})
}

func (e *ClassifiedError) UnmarshalJSON(b []byte) error {
	var v classifiedErrorJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*e = ClassifiedError{
		Code:        v.Code,
		Message:     v.Message,
		Category:    v.Category,
		Severity:    v.Severity,
		Timestamp:   v.Timestamp,
		UserID:      v.UserID,
		Retryable:   v.Retryable,
		RetryAfter:  time.Duration(v.RetryAfterMs) * time.Millisecond,
		TokenUsage:  v.TokenUsage,
		APIEndpoint: v.APIEndpoint,
		RetryCount:  v.RetryCount,
	}
	return nil
}

// New builds a ClassifiedError outside of Classify, e.g. for admission
// decisions that never reached a provider.
func New(code string, category Category, severity Severity, message string) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// TokenLimitExceeded is the non-retryable admission error used by the usage
// monitor.
func TokenLimitExceeded(message, userID string) *ClassifiedError {
	e := New(CodeTokenLimitExceeded, CategoryToken, SeverityError, message)
	e.UserID = userID
	return e
}

// MaxRetriesExceeded is the generic terminal error returned when a failure
// could not be classified.
func MaxRetriesExceeded(cause error, attempts int) *ClassifiedError {
	e := New(CodeMaxRetriesExceeded, CategoryUnknown, SeverityError,
		fmt.Sprintf("operation failed after %d attempts", attempts))
	e.RetryCount = attempts
	e.cause = cause
	return e
}
