// Package resilience provides composable failure-handling primitives:
// timeouts, bounded retry, circuit breaking, bulkheads, and rate limiting.
// Each primitive implements Policy and can run alone or composed; inner
// policies see inner errors, outer policies see their own plus whatever
// passes through.
package resilience

import (
	"context"
	"time"
)

// Operation is the unit of work a policy protects.
type Operation func(ctx context.Context) error

// Policy guards the execution of an operation.
type Policy interface {
	// Name identifies the policy in observer callbacks and logs.
	Name() string

	// Execute runs op under the policy's protection.
	Execute(ctx context.Context, op Operation) error
}

// Observer receives lifecycle callbacks from policies. Implementations must
// be safe for concurrent use.
type Observer interface {
	Started(policy string)
	Succeeded(policy string, elapsed time.Duration)
	Failed(policy string, elapsed time.Duration, err error)
	CircuitBreakerStateChanged(policy string, from, to BreakerState)
	RateLimitExceeded(policy string)
	BulkheadCapacityReached(policy string)
}

// NopObserver ignores all callbacks.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) Started(string)                                        {}
func (NopObserver) Succeeded(string, time.Duration)                       {}
func (NopObserver) Failed(string, time.Duration, error)                   {}
func (NopObserver) CircuitBreakerStateChanged(string, BreakerState, BreakerState) {}
func (NopObserver) RateLimitExceeded(string)                              {}
func (NopObserver) BulkheadCapacityReached(string)                        {}

// Compose nests policies so the first argument is outermost. The returned
// policy executes policies[0] around policies[1] around ... around the
// operation.
func Compose(policies ...Policy) Policy {
	return composite(policies)
}

type composite []Policy

func (c composite) Name() string { return "composite" }

func (c composite) Execute(ctx context.Context, op Operation) error {
	wrapped := op
	for i := len(c) - 1; i >= 0; i-- {
		policy := c[i]
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return policy.Execute(ctx, inner)
		}
	}
	return wrapped(ctx)
}

// observe runs op while reporting start, success, and failure to the
// observer with timing.
func observe(ctx context.Context, obs Observer, name string, op Operation) error {
	obs.Started(name)
	start := time.Now()
	err := op(ctx)
	elapsed := time.Since(start)
	if err != nil {
		obs.Failed(name, elapsed, err)
		return err
	}
	obs.Succeeded(name, elapsed)
	return nil
}
