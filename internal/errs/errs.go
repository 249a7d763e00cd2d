// Package errs defines the closed set of error kinds the engine uses and
// a structured error type that carries the kind across component boundaries.
// Every error surfaced by a provider, the graph store, the scheduler, or the
// planning loop maps to exactly one Kind.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes an engine error.
type Kind string

const (
	// KindProviderUnavailable indicates the external system is not reachable.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindAuthFailed indicates credentials were rejected. Fatal for the verb.
	KindAuthFailed Kind = "auth_failed"

	// KindRateLimited indicates the caller should retry after the advertised delay.
	KindRateLimited Kind = "rate_limited"

	// KindTransientIO indicates a transient I/O failure, retriable with backoff.
	KindTransientIO Kind = "transient_io"

	// KindNotFound indicates the referenced entity is absent.
	KindNotFound Kind = "not_found"

	// KindIdentityConflict indicates a graph uniqueness constraint was violated.
	// This is a caller bug and is never silently merged.
	KindIdentityConflict Kind = "identity_conflict"

	// KindBadRequest indicates input failed schema validation.
	KindBadRequest Kind = "bad_request"

	// KindPreconditionFailed indicates a required capability is unavailable.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindGraphUnavailable indicates the graph store is down.
	KindGraphUnavailable Kind = "graph_unavailable"

	// KindPlanInvalid indicates planner output failed the plan schema.
	KindPlanInvalid Kind = "plan_invalid"

	// KindReviewInconclusive indicates the reviewer could not decide.
	KindReviewInconclusive Kind = "review_inconclusive"

	// KindTimeout indicates the operation exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindCancelled indicates explicit cancellation.
	KindCancelled Kind = "cancelled"
)

// Error is the structured error carried across component boundaries.
// It supports errors.Is/errors.As and %w wrapping.
type Error struct {
	Op   string // operation that failed, e.g. "graph.UpsertNode"
	Kind Kind
	Err  error

	// RetryAfter is the advertised delay for KindRateLimited, zero otherwise.
	RetryAfter time.Duration
}

// E constructs an Error. err may be nil when the kind alone is the message.
func E(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Ef constructs an Error with a formatted message.
func Ef(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind (and Op when the target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return true
}

// KindOf extracts the Kind from an error chain. Unwrapped context errors map
// to KindCancelled / KindTimeout; anything else is classified by message.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return Classify(err)
}

// RetryAfterOf returns the advertised retry-after delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retriable reports whether the kind may be retried with backoff.
func Retriable(k Kind) bool {
	switch k {
	case KindProviderUnavailable, KindRateLimited, KindTransientIO,
		KindGraphUnavailable, KindTimeout:
		return true
	}
	return false
}

// Classify inspects an error message for known patterns and returns the most
// specific Kind that matches. Unrecognized errors default to KindTransientIO
// so callers err on the side of retrying.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403"):
		return KindAuthFailed

	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota"):
		return KindRateLimited

	case strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout"):
		return KindTimeout

	case strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "no such"):
		return KindNotFound

	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "unreachable"):
		return KindProviderUnavailable
	}

	return KindTransientIO
}
