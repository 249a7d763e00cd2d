package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// WithRetry runs fn up to budget+1 times, backing off exponentially on
// retriable kinds. A RateLimited error with an advertised delay sleeps for
// at least that long. Non-retriable kinds surface immediately.
func WithRetry(ctx context.Context, op string, budget int, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		kind := errs.KindOf(lastErr)
		if !errs.Retriable(kind) || attempt >= budget {
			return lastErr
		}

		delay := Backoff(attempt)
		if after := errs.RetryAfterOf(lastErr); after > delay {
			delay = after
		}
		slog.Debug("retrying provider call",
			"op", op, "attempt", attempt+1, "kind", kind, "delay", delay)

		select {
		case <-ctx.Done():
			return errs.E(op, errs.KindCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Backoff returns the exponential delay for the given zero-based attempt,
// capped at retryMaxDelay.
func Backoff(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempt && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
