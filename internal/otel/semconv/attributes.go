// Standardized attribute keys for spans emitted around provider calls.
// Check https://opentelemetry.io/docs/specs/semconv/ before adding a key that
// may already be defined there.
package semconv

import "go.opentelemetry.io/otel/attribute"

const (
	// Caller attributes
	UserIDKey    = attribute.Key("tokenguard.user.id")
	OperationKey = attribute.Key("tokenguard.operation")

	// Retry attributes
	RetryAttemptKey    = attribute.Key("tokenguard.retry.attempt")
	RetryMaxKey        = attribute.Key("tokenguard.retry.max")
	RetryDelayMsKey    = attribute.Key("tokenguard.retry.delay_ms")
	EstimatedTokensKey = attribute.Key("tokenguard.tokens.estimated")

	// Error attributes
	ErrorCodeKey      = attribute.Key("tokenguard.error.code")
	ErrorCategoryKey  = attribute.Key("tokenguard.error.category")
	ErrorRetryableKey = attribute.Key("tokenguard.error.retryable")

	ForceTraceKey = attribute.Key("force_trace")
)
