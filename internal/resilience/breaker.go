package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// BreakerState is the circuit breaker's position.
type BreakerState int32

const (
	// BreakerClosed passes operations through, counting failures.
	BreakerClosed BreakerState = iota

	// BreakerOpen fails fast until the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen admits a bounded number of probe operations.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DefaultHalfOpenMaxOperations is the probe budget while half-open.
const DefaultHalfOpenMaxOperations = 1

// CircuitBreaker trips open after a run of consecutive failures and heals
// through a half-open probe phase. The closed-state hot path is a single
// atomic load before the call and an atomic counter update after it.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
	observer         Observer

	state    atomic.Int32
	failures atomic.Int32

	mu               sync.Mutex
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
}

var _ Policy = (*CircuitBreaker)(nil)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithHalfOpenMaxOperations sets how many consecutive probe successes close
// the circuit, and bounds concurrent probes.
func WithHalfOpenMaxOperations(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithBreakerObserver attaches an observer.
func WithBreakerObserver(obs Observer) BreakerOption {
	return func(cb *CircuitBreaker) { cb.observer = obs }
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      DefaultHalfOpenMaxOperations,
		observer:         NopObserver{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the breaker's current position, promoting Open to HalfOpen
// when the reset timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	state := BreakerState(cb.state.Load())
	if state != BreakerOpen {
		return state
	}

	cb.mu.Lock()
	var changed func()
	if BreakerState(cb.state.Load()) == BreakerOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		changed = cb.transitionLocked(BreakerHalfOpen)
	}
	state = BreakerState(cb.state.Load())
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
	return state
}

func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	return observe(ctx, cb.observer, cb.name, func(ctx context.Context) error {
		switch cb.State() {
		case BreakerOpen:
			return types.NewError(types.KindTransient, types.CIRCUIT_OPEN,
				"circuit breaker is open").With("policy", cb.name)
		case BreakerHalfOpen:
			if !cb.takeProbeSlot() {
				return types.NewError(types.KindTransient, types.CIRCUIT_OPEN,
					"circuit breaker half-open probe limit reached").With("policy", cb.name)
			}
			err := op(ctx)
			cb.settleProbe(err)
			return err
		default:
			err := op(ctx)
			cb.settleClosed(err)
			return err
		}
	})
}

func (cb *CircuitBreaker) settleClosed(err error) {
	if err == nil || types.IsCancelled(err) {
		// Cancellation says nothing about the downstream's health.
		if cb.failures.Load() != 0 {
			cb.failures.Store(0)
		}
		return
	}

	n := cb.failures.Add(1)
	if int(n) < cb.failureThreshold {
		return
	}

	cb.mu.Lock()
	var changed func()
	if BreakerState(cb.state.Load()) == BreakerClosed {
		changed = cb.transitionLocked(BreakerOpen)
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

func (cb *CircuitBreaker) takeProbeSlot() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if BreakerState(cb.state.Load()) != BreakerHalfOpen {
		return false
	}
	if cb.halfOpenInFlight >= cb.halfOpenMax {
		return false
	}
	cb.halfOpenInFlight++
	return true
}

func (cb *CircuitBreaker) settleProbe(err error) {
	cb.mu.Lock()
	var changed func()
	cb.halfOpenInFlight--
	if BreakerState(cb.state.Load()) == BreakerHalfOpen {
		if err != nil {
			changed = cb.transitionLocked(BreakerOpen)
		} else {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.halfOpenMax {
				changed = cb.transitionLocked(BreakerClosed)
			}
		}
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// transitionLocked moves to the target state and returns the observer
// callback to invoke once the lock is released.
func (cb *CircuitBreaker) transitionLocked(to BreakerState) func() {
	from := BreakerState(cb.state.Load())
	cb.state.Store(int32(to))
	switch to {
	case BreakerOpen:
		cb.openedAt = time.Now()
		cb.failures.Store(0)
	case BreakerHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	case BreakerClosed:
		cb.failures.Store(0)
	}
	return func() { cb.observer.CircuitBreakerStateChanged(cb.name, from, to) }
}
