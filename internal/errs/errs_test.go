package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Run("structured_error", func(t *testing.T) {
		err := E("graph.UpsertNode", KindIdentityConflict, errors.New("duplicate id"))
		if got := KindOf(err); got != KindIdentityConflict {
			t.Errorf("KindOf = %s, want %s", got, KindIdentityConflict)
		}
	})

	t.Run("wrapped_structured_error", func(t *testing.T) {
		inner := E("provider.List", KindRateLimited, errors.New("429"))
		wrapped := fmt.Errorf("services pipeline: %w", inner)
		if got := KindOf(wrapped); got != KindRateLimited {
			t.Errorf("KindOf = %s, want %s", got, KindRateLimited)
		}
	})

	t.Run("context_cancelled", func(t *testing.T) {
		if got := KindOf(context.Canceled); got != KindCancelled {
			t.Errorf("KindOf = %s, want %s", got, KindCancelled)
		}
	})

	t.Run("context_deadline", func(t *testing.T) {
		if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
			t.Errorf("KindOf = %s, want %s", got, KindTimeout)
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want Kind
	}{
		{"auth_401", "request failed: 401 unauthorized", KindAuthFailed},
		{"auth_invalid_key", "invalid api key supplied", KindAuthFailed},
		{"rate_limit", "429 too many requests", KindRateLimited},
		{"quota", "quota exceeded for project", KindRateLimited},
		{"timeout", "context deadline exceeded", KindTimeout},
		{"not_found", "no such container: demo", KindNotFound},
		{"unreachable", "dial tcp 127.0.0.1:7687: connection refused", KindProviderUnavailable},
		{"unknown_defaults_transient", "flaky read error", KindTransientIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(errors.New(tc.msg)); got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	retriable := []Kind{KindProviderUnavailable, KindRateLimited, KindTransientIO, KindGraphUnavailable, KindTimeout}
	for _, k := range retriable {
		if !Retriable(k) {
			t.Errorf("Retriable(%s) = false, want true", k)
		}
	}
	fatal := []Kind{KindAuthFailed, KindNotFound, KindIdentityConflict, KindBadRequest, KindPreconditionFailed, KindCancelled}
	for _, k := range fatal {
		if Retriable(k) {
			t.Errorf("Retriable(%s) = true, want false", k)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := E("dispatch", KindPreconditionFailed, errors.New("workflow provider unreachable"))
	if !errors.Is(err, &Error{Kind: KindPreconditionFailed}) {
		t.Errorf("errors.Is should match by kind")
	}
	if errors.Is(err, &Error{Kind: KindBadRequest}) {
		t.Errorf("errors.Is should not match a different kind")
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Op: "workflow.List", Kind: KindRateLimited, Err: errors.New("429"), RetryAfter: 2 * time.Second}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if got := RetryAfterOf(wrapped); got != 2*time.Second {
		t.Errorf("RetryAfterOf = %v, want 2s", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}
