package aierrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Failure is the closed set of raw failure variants a provider adapter
// produces. Only types in this package implement it.
type Failure interface {
	error
	failure()
}

// ProviderFailure is an error response returned by the provider API.
type ProviderFailure struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
	Endpoint   string
}

func (f *ProviderFailure) Error() string {
	if f.StatusCode == 0 {
		return f.Message
	}
	return fmt.Sprintf("provider returned %d: %s", f.StatusCode, f.Message)
}

// NetworkFailure means the request never produced a response.
type NetworkFailure struct {
	Op  string
	Err error
}

func (f *NetworkFailure) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("network error: %v", f.Err)
	}
	return fmt.Sprintf("network error during %s: %v", f.Op, f.Err)
}

func (f *NetworkFailure) Unwrap() error { return f.Err }

type TimeoutFailure struct {
	Err error
}

func (f *TimeoutFailure) Error() string { return fmt.Sprintf("request timed out: %v", f.Err) }
func (f *TimeoutFailure) Unwrap() error { return f.Err }

type CanceledFailure struct {
	Err error
}

func (f *CanceledFailure) Error() string { return fmt.Sprintf("request canceled: %v", f.Err) }
func (f *CanceledFailure) Unwrap() error { return f.Err }

// TokenLimitFailure is a token-length violation detected before or by the
// provider.
type TokenLimitFailure struct {
	Estimated int
	Limit     int
}

func (f *TokenLimitFailure) Error() string {
	return fmt.Sprintf("request of %d tokens exceeds limit of %d", f.Estimated, f.Limit)
}

type ContentFilteredFailure struct {
	Reason string
}

func (f *ContentFilteredFailure) Error() string {
	return fmt.Sprintf("content filtered: %s", f.Reason)
}

// SystemFailure wraps local faults such as recovered panics.
type SystemFailure struct {
	Err error
}

func (f *SystemFailure) Error() string { return fmt.Sprintf("system error: %v", f.Err) }
func (f *SystemFailure) Unwrap() error { return f.Err }

type UnknownFailure struct {
	Err error
}

func (f *UnknownFailure) Error() string { return f.Err.Error() }
func (f *UnknownFailure) Unwrap() error { return f.Err }

func (*ProviderFailure) failure()        {}
func (*NetworkFailure) failure()         {}
func (*TimeoutFailure) failure()         {}
func (*CanceledFailure) failure()        {}
func (*TokenLimitFailure) failure()      {}
func (*ContentFilteredFailure) failure() {}
func (*SystemFailure) failure()          {}
func (*UnknownFailure) failure()         {}

// Normalize maps an arbitrary error onto a Failure variant. Errors that
// already wrap a variant are returned as that variant.
func Normalize(err error) Failure {
	if err == nil {
		return nil
	}

	var f Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &CanceledFailure{Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutFailure{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutFailure{Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkFailure{Op: urlErr.Op, Err: urlErr.Err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &NetworkFailure{Op: opErr.Op, Err: opErr.Err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &NetworkFailure{Op: "lookup", Err: dnsErr}
	}

	return &UnknownFailure{Err: err}
}
