package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func failingOp(err error) Operation {
	return func(context.Context) error { return err }
}

func succeedingOp() Operation {
	return func(context.Context) error { return nil }
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	rateLimited int
	bulkheadHit int
	started     int
	succeeded   int
	failed      int
}

func (r *recordingObserver) Started(string) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingObserver) Succeeded(string, time.Duration) {
	r.mu.Lock()
	r.succeeded++
	r.mu.Unlock()
}

func (r *recordingObserver) Failed(string, time.Duration, error) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

func (r *recordingObserver) CircuitBreakerStateChanged(_ string, from, to BreakerState) {
	r.mu.Lock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
	r.mu.Unlock()
}

func (r *recordingObserver) RateLimitExceeded(string) {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *recordingObserver) BulkheadCapacityReached(string) {
	r.mu.Lock()
	r.bulkheadHit++
	r.mu.Unlock()
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	cb := NewCircuitBreaker("db", 2, 500*time.Millisecond, WithBreakerObserver(obs))
	ctx := context.Background()
	boom := types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "down")

	// Two consecutive failures trip the breaker.
	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	assert.Equal(t, BreakerClosed, cb.State())
	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	assert.Equal(t, BreakerOpen, cb.State())

	// The third call fails fast without invoking the operation.
	invoked := false
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.ErrorIs(t, err, types.NewError(types.KindTransient, types.CIRCUIT_OPEN, ""))

	// After the reset timeout the next call probes and, on success, closes.
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeedingOp()))
	assert.Equal(t, BreakerClosed, cb.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->closed",
	}, obs.transitions)
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker("db", 1, 20*time.Millisecond)
	ctx := context.Background()
	boom := types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "down")

	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	assert.Equal(t, BreakerOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("db", 2, time.Second)
	ctx := context.Background()
	boom := types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "down")

	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	require.NoError(t, cb.Execute(ctx, succeedingOp()))
	require.Error(t, cb.Execute(ctx, failingOp(boom)))

	// Failures were not consecutive, so the breaker stays closed.
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("db", 1, time.Second)
	ctx := context.Background()
	cancelled := types.NewError(types.KindCancelled, types.EXECUTION_CANCELLED, "caller gave up")

	require.Error(t, cb.Execute(ctx, failingOp(cancelled)))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerHalfOpenNeedsConsecutiveSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("db", 1, 10*time.Millisecond, WithHalfOpenMaxOperations(2))
	ctx := context.Background()
	boom := types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "down")

	require.Error(t, cb.Execute(ctx, failingOp(boom)))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeedingOp()))
	assert.Equal(t, BreakerHalfOpen, cb.State(), "one success is not enough to close")

	require.NoError(t, cb.Execute(ctx, succeedingOp()))
	assert.Equal(t, BreakerClosed, cb.State())
}
