package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Timeout cancels the operation's context after a fixed duration.
type Timeout struct {
	name     string
	duration time.Duration
	observer Observer
}

var _ Policy = (*Timeout)(nil)

// TimeoutOption configures a Timeout.
type TimeoutOption func(*Timeout)

// WithTimeoutObserver attaches an observer.
func WithTimeoutObserver(obs Observer) TimeoutOption {
	return func(t *Timeout) { t.observer = obs }
}

// NewTimeout builds a timeout policy.
func NewTimeout(name string, d time.Duration, opts ...TimeoutOption) *Timeout {
	t := &Timeout{name: name, duration: d, observer: NopObserver{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timeout) Name() string { return t.name }

func (t *Timeout) Execute(ctx context.Context, op Operation) error {
	return observe(ctx, t.observer, t.name, func(ctx context.Context) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, t.duration)
		defer cancel()

		err := op(timeoutCtx)
		if err == nil {
			return nil
		}
		// Distinguish our deadline from the caller's cancellation.
		if errors.Is(err, context.DeadlineExceeded) && timeoutCtx.Err() != nil && ctx.Err() == nil {
			return types.WrapError(types.KindTransient, types.OPERATION_TIMED_OUT,
				"operation timed out", err).
				With("policy", t.name).
				With("timeout", t.duration.String())
		}
		return err
	})
}
