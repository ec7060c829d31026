// Package errorlog keeps a filterable ledger of classified errors, rolls it up
// into statistics and fires alert rules at configured channels.
package errorlog

import (
	"context"
	"time"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

// Context describes where an error happened.
type Context struct {
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action,omitempty"`
	Component string    `json:"component,omitempty"`
	URL       string    `json:"url,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Metadata struct {
	SessionID   string `json:"session_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
}

// Entry is one logged error. Only the resolved fields change after Add, and
// only from unresolved to resolved.
type Entry struct {
	ID         string                    `json:"id"`
	Error      *aierrors.ClassifiedError `json:"error"`
	Context    Context                   `json:"context"`
	Metadata   Metadata                  `json:"metadata"`
	Resolved   bool                      `json:"resolved"`
	ResolvedAt *time.Time                `json:"resolved_at,omitempty"`
	ResolvedBy string                    `json:"resolved_by,omitempty"`
}

// userID prefers the call-site user over the one carried by the error.
func (e Entry) userID() string {
	if e.Context.UserID != "" {
		return e.Context.UserID
	}
	if e.Error != nil {
		return e.Error.UserID
	}
	return ""
}

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	requestIDKey
)

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
