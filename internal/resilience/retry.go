package resilience

import (
	"context"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Backoff yields the delay before retry attempt n (1-based).
type Backoff func(attempt int) time.Duration

// FixedBackoff waits the same delay between every attempt.
func FixedBackoff(delay time.Duration) Backoff {
	return func(int) time.Duration { return delay }
}

// ExponentialBackoff doubles the delay each attempt, capped at max.
func ExponentialBackoff(initial, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		delay := initial
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// Retry re-runs the operation on retryable failures, up to a bounded number
// of attempts. Errors whose kind is not retryable stop the loop immediately.
type Retry struct {
	name        string
	maxAttempts int
	backoff     Backoff
	observer    Observer
}

var _ Policy = (*Retry)(nil)

// RetryOption configures a Retry.
type RetryOption func(*Retry)

// WithBackoff replaces the default fixed backoff.
func WithBackoff(b Backoff) RetryOption {
	return func(r *Retry) { r.backoff = b }
}

// WithRetryObserver attaches an observer.
func WithRetryObserver(obs Observer) RetryOption {
	return func(r *Retry) { r.observer = obs }
}

// NewRetry builds a retry policy with maxAttempts total attempts.
func NewRetry(name string, maxAttempts int, opts ...RetryOption) *Retry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &Retry{
		name:        name,
		maxAttempts: maxAttempts,
		backoff:     FixedBackoff(100 * time.Millisecond),
		observer:    NopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retry) Name() string { return r.name }

func (r *Retry) Execute(ctx context.Context, op Operation) error {
	return observe(ctx, r.observer, r.name, func(ctx context.Context) error {
		var lastErr error
		for attempt := 1; attempt <= r.maxAttempts; attempt++ {
			lastErr = op(ctx)
			if lastErr == nil {
				return nil
			}
			if !types.IsRetryable(lastErr) {
				return lastErr
			}
			if attempt == r.maxAttempts {
				break
			}
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
					"retry cancelled", ctx.Err()).With("policy", r.name)
			}
		}
		return lastErr
	})
}
