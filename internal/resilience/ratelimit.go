package resilience

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// RateLimiter throttles operations with a token bucket. By default callers
// without a token fail fast; WithWait makes them block for one instead.
type RateLimiter struct {
	name     string
	limiter  *rate.Limiter
	wait     bool
	observer Observer
}

var _ Policy = (*RateLimiter)(nil)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWait blocks for a token instead of failing fast.
func WithWait() RateLimiterOption {
	return func(r *RateLimiter) { r.wait = true }
}

// WithRateLimiterObserver attaches an observer.
func WithRateLimiterObserver(obs Observer) RateLimiterOption {
	return func(r *RateLimiter) { r.observer = obs }
}

// NewRateLimiter builds a limiter refilling at perSecond tokens per second
// with the given burst capacity.
func NewRateLimiter(name string, perSecond float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		name:     name,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) Name() string { return r.name }

func (r *RateLimiter) Execute(ctx context.Context, op Operation) error {
	return observe(ctx, r.observer, r.name, func(ctx context.Context) error {
		if r.wait {
			if err := r.limiter.Wait(ctx); err != nil {
				r.observer.RateLimitExceeded(r.name)
				return types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
					"cancelled while waiting for rate limit token", err).
					With("policy", r.name)
			}
		} else if !r.limiter.Allow() {
			r.observer.RateLimitExceeded(r.name)
			return types.NewError(types.KindExhausted, types.RATE_LIMITED,
				"rate limit exceeded").With("policy", r.name)
		}
		return op(ctx)
	})
}
