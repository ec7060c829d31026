package aierrors

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	networkRetryAfter   = 5 * time.Second
	serverRetryAfter    = 10 * time.Second
	unknownRetryAfter   = 5 * time.Second
	rateLimitRetryAfter = 60 * time.Second
)

// Context carries call-site details copied onto the classified error.
type Context struct {
	UserID     string
	Endpoint   string
	RetryCount int
	TokenUsage *TokenUsage
	Now        func() time.Time
}

type rule func(f Failure, msg string) *ClassifiedError

// rules are evaluated in order and the first match wins. Structured fields are
// checked before message substrings inside each rule.
var rules = []rule{
	classifySystem,
	classifyAPI,
	classifyToken,
	classifyContent,
	classifyNetwork,
	classifyServer,
}

// Classify maps err onto the taxonomy. It has no side effects and returns nil
// only for a nil error.
func Classify(err error, c Context) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		out := *ce
		applyContext(&out, c)
		return &out
	}

	f := Normalize(err)
	msg := strings.ToLower(f.Error())

	for _, r := range rules {
		if out := r(f, msg); out != nil {
			out.cause = err
			applyContext(out, c)
			return out
		}
	}

	out := &ClassifiedError{
		Code:       CodeUnknown,
		Message:    err.Error(),
		Category:   CategoryUnknown,
		Severity:   SeverityError,
		Retryable:  true,
		RetryAfter: unknownRetryAfter,
		cause:      err,
	}
	applyContext(out, c)
	return out
}

func applyContext(e *ClassifiedError, c Context) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	e.Timestamp = now()
	if c.UserID != "" {
		e.UserID = c.UserID
	}
	if c.Endpoint != "" {
		e.APIEndpoint = c.Endpoint
	}
	if c.RetryCount > 0 {
		e.RetryCount = c.RetryCount
	}
	if c.TokenUsage != nil {
		e.TokenUsage = c.TokenUsage
	}
	var pf *ProviderFailure
	if e.APIEndpoint == "" && errors.As(e.cause, &pf) {
		e.APIEndpoint = pf.Endpoint
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func classifyAPI(f Failure, msg string) *ClassifiedError {
	pf, _ := f.(*ProviderFailure)

	keyProblem := containsAny(msg, "api key", "api_key", "apikey", "invalid authentication")
	if pf != nil {
		keyProblem = keyProblem ||
			pf.StatusCode == http.StatusUnauthorized ||
			pf.StatusCode == http.StatusForbidden ||
			pf.Code == "invalid_api_key"
	}
	if keyProblem {
		return &ClassifiedError{
			Code:     CodeAPIKeyInvalid,
			Message:  "The AI service rejected the configured API key.",
			Category: CategoryAPI,
			Severity: SeverityCritical,
		}
	}

	rateLimited := containsAny(msg, "rate limit", "rate_limit", "quota", "resource_exhausted", "too many requests")
	if pf != nil {
		rateLimited = rateLimited || pf.StatusCode == http.StatusTooManyRequests
	}
	if rateLimited {
		after := rateLimitRetryAfter
		if pf != nil && pf.RetryAfter > 0 {
			after = pf.RetryAfter
		}
		return &ClassifiedError{
			Code:       CodeRateLimited,
			Message:    "The AI service is rate limiting requests. Please try again shortly.",
			Category:   CategoryAPI,
			Severity:   SeverityWarning,
			Retryable:  true,
			RetryAfter: after,
		}
	}
	return nil
}

func classifyToken(f Failure, msg string) *ClassifiedError {
	tf, ok := f.(*TokenLimitFailure)
	if !ok && !containsAny(msg, "maximum context length", "too many tokens", "context_length_exceeded", "token limit") {
		return nil
	}

	message := "The request is too long for the AI service."
	if tf != nil {
		message = tf.Error()
	}
	return &ClassifiedError{
		Code:     CodeTokenLimitExceeded,
		Message:  message,
		Category: CategoryToken,
		Severity: SeverityError,
	}
}

func classifyContent(f Failure, msg string) *ClassifiedError {
	_, ok := f.(*ContentFilteredFailure)
	if !ok && !containsAny(msg, "content filter", "content_filter", "safety", "content management policy") {
		return nil
	}
	return &ClassifiedError{
		Code:     CodeContentFiltered,
		Message:  "The AI service declined to process this content.",
		Category: CategoryAI,
		Severity: SeverityWarning,
	}
}

func classifyNetwork(f Failure, msg string) *ClassifiedError {
	switch f.(type) {
	case *NetworkFailure, *TimeoutFailure:
	default:
		if _, ok := f.(*ProviderFailure); ok || !containsAny(msg, "network", "fetch", "connection") {
			return nil
		}
	}
	return &ClassifiedError{
		Code:       CodeNetwork,
		Message:    "Could not reach the AI service. Check the network connection.",
		Category:   CategoryNetwork,
		Severity:   SeverityError,
		Retryable:  true,
		RetryAfter: networkRetryAfter,
	}
}

func classifyServer(f Failure, msg string) *ClassifiedError {
	pf, _ := f.(*ProviderFailure)
	if !(pf != nil && pf.StatusCode >= http.StatusInternalServerError) && !containsAny(msg, "server", "internal") {
		return nil
	}

	after := serverRetryAfter
	if pf != nil && pf.RetryAfter > after {
		after = pf.RetryAfter
	}
	return &ClassifiedError{
		Code:       CodeServer,
		Message:    "The AI service is temporarily unavailable.",
		Category:   CategoryServer,
		Severity:   SeverityCritical,
		Retryable:  true,
		RetryAfter: after,
	}
}

func classifySystem(f Failure, _ string) *ClassifiedError {
	switch f := f.(type) {
	case *SystemFailure:
		return &ClassifiedError{
			Code:     CodeSystem,
			Message:  f.Error(),
			Category: CategorySystem,
			Severity: SeverityCritical,
		}
	case *CanceledFailure:
		return &ClassifiedError{
			Code:     CodeCanceled,
			Message:  "The request was canceled.",
			Category: CategorySystem,
			Severity: SeverityWarning,
		}
	}
	return nil
}
