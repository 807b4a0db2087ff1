package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes events to subscribers with filtering support.
//
// Thread safety:
//   - All methods are safe for concurrent use.
//   - Multiple goroutines can publish and subscribe simultaneously.
//   - Publish never blocks on slow subscribers.
//
// Slow consumer handling:
//   - Subscribers receive events through buffered channels.
//   - If a subscriber's buffer is full, events are dropped for that
//     subscriber; other subscribers are unaffected.
//   - Dropped events are reported to the error handler.
type Bus interface {
	// Publish sends an event to all matching subscribers. Returns an error
	// only when the bus is closed.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription with optional filtering. The cleanup
	// function must be called to release the subscription. bufferSize 0
	// uses the bus default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the bus and all subscriptions. After Close, Publish
	// fails.
	Close() error
}

// DefaultBus implements Bus with per-subscriber buffered channels and
// non-blocking sends.
type DefaultBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     *busOptions
	closed      bool
}

var _ Bus = (*DefaultBus)(nil)

// subscription is one subscriber with its filter and delivery counters.
type subscription struct {
	id       string
	ch       chan Event
	filter   Filter
	ctx      context.Context
	cancel   context.CancelFunc
	created  time.Time
	received atomic.Int64
	dropped  atomic.Int64
}

type busOptions struct {
	defaultBufferSize int
	errorHandler      ErrorHandler
}

// ErrorHandler is called when the bus drops an event or hits an internal
// error.
type ErrorHandler func(err error, fields map[string]any)

// Option configures a DefaultBus.
type Option func(*busOptions)

// WithDefaultBufferSize sets the buffer size used when Subscribe is called
// with bufferSize 0. Default 1024.
func WithDefaultBufferSize(size int) Option {
	return func(opts *busOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithErrorHandler sets the handler invoked on dropped events.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(opts *busOptions) {
		if handler != nil {
			opts.errorHandler = handler
		}
	}
}

// NewBus creates a DefaultBus.
func NewBus(opts ...Option) *DefaultBus {
	options := &busOptions{
		defaultBufferSize: 1024,
		errorHandler:      func(error, map[string]any) {},
	}
	for _, opt := range opts {
		opt(options)
	}
	return &DefaultBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish implements Bus. Delivery to each matching subscriber is
// non-blocking; a full buffer drops the event for that subscriber only.
func (b *DefaultBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			// Subscriber's context ended; cleanup happens on unsubscribe.
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
			sub.received.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		default:
			sub.dropped.Add(1)
			b.options.errorHandler(
				fmt.Errorf("dropped event for slow subscriber"),
				map[string]any{
					"subscriber_id": sub.id,
					"event_type":    string(event.Type),
				},
			)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *DefaultBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      nextSubscriberID(),
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}
	b.subscribers[sub.id] = sub

	var once sync.Once
	cleanup := func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
	return sub.ch, cleanup
}

// unsubscribe removes a subscription and closes its channel. It takes the
// bus lock itself; callers must not hold it.
func (b *DefaultBus) unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[subscriberID]
	if !exists {
		return
	}
	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, subscriberID)
}

// Close implements Bus. Idempotent.
func (b *DefaultBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (b *DefaultBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var subscriberCounter atomic.Uint64

func nextSubscriberID() string {
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), subscriberCounter.Add(1))
}
