package resilience

import (
	"context"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Bulkhead caps concurrent executions with a semaphore and lets a bounded
// number of callers queue for a slot. Callers beyond the queue fail
// immediately rather than piling up.
type Bulkhead struct {
	name     string
	slots    chan struct{}
	queue    chan struct{}
	observer Observer
}

var _ Policy = (*Bulkhead)(nil)

// BulkheadOption configures a Bulkhead.
type BulkheadOption func(*Bulkhead)

// WithBulkheadObserver attaches an observer.
func WithBulkheadObserver(obs Observer) BulkheadOption {
	return func(b *Bulkhead) { b.observer = obs }
}

// NewBulkhead builds a bulkhead with maxConcurrency execution slots and
// queueSize waiting positions.
func NewBulkhead(name string, maxConcurrency, queueSize int, opts ...BulkheadOption) *Bulkhead {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	b := &Bulkhead{
		name:     name,
		slots:    make(chan struct{}, maxConcurrency),
		queue:    make(chan struct{}, queueSize),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bulkhead) Name() string { return b.name }

func (b *Bulkhead) Execute(ctx context.Context, op Operation) error {
	return observe(ctx, b.observer, b.name, func(ctx context.Context) error {
		select {
		case b.slots <- struct{}{}:
		default:
			// No free slot; try to queue for one.
			select {
			case b.queue <- struct{}{}:
			default:
				b.observer.BulkheadCapacityReached(b.name)
				return types.NewError(types.KindExhausted, types.BULKHEAD_FULL,
					"bulkhead capacity and queue are full").With("policy", b.name)
			}
			defer func() { <-b.queue }()

			select {
			case b.slots <- struct{}{}:
			case <-ctx.Done():
				return types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
					"cancelled while queued for bulkhead slot", ctx.Err()).
					With("policy", b.name)
			}
		}
		defer func() { <-b.slots }()

		return op(ctx)
	})
}
