package resource

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// pooled is one instance plus its pool bookkeeping.
type pooled struct {
	inst      Instance
	createdAt time.Time
	lastUsed  time.Time
}

// waiter is one queued acquirer. The channel is closed on shutdown and
// receives an instance on hand-off.
type waiter struct {
	ch chan *pooled

	// served is set under the pool mutex when release hands an instance
	// to this waiter, so an abandoning waiter can tell a completed
	// hand-off from a plain timeout.
	served bool
}

// Pool holds instances of one resource type. Acquisitions prefer idle
// instances, create up to MaxSize, and then queue FIFO up to the acquire
// timeout.
type Pool struct {
	def    *Definition
	cfg    PoolConfig
	bus    events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	idle     []*pooled
	active   int
	creating int
	checking int
	waiters  *list.List
	closed   bool

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	Active   int  `json:"active"`
	Idle     int  `json:"idle"`
	Creating int  `json:"creating"`
	Waiters  int  `json:"waiters"`
	Closed   bool `json:"closed"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolBus attaches an event bus for lifecycle events.
func WithPoolBus(bus events.Bus) PoolOption {
	return func(p *Pool) { p.bus = bus }
}

// WithPoolLogger replaces the default logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool builds a pool for the definition and starts the maintenance
// sweeper when an interval is configured.
func NewPool(def *Definition, opts ...PoolOption) *Pool {
	p := &Pool{
		def:     def,
		cfg:     def.Pool.normalized(),
		logger:  slog.Default(),
		waiters: list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.MaintenanceInterval > 0 {
		p.stopMaintenance = make(chan struct{})
		p.maintenanceDone = make(chan struct{})
		go p.maintain()
	}
	return p
}

// Warm creates instances up to the configured warm floor.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.total() >= p.cfg.MinSize {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		inst, err := p.def.Create(ctx, p.def.Config)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.publish(ctx, events.New(events.EventResourceError).
				WithResource(p.def.ID).WithField("error", err.Error()))
			return types.WrapError(types.KindTransient, types.RESOURCE_CREATE_FAILED,
				"failed to warm resource pool", err).With("resource", p.def.Name)
		}
		now := time.Now()
		p.idle = append(p.idle, &pooled{inst: inst, createdAt: now, lastUsed: now})
		p.mu.Unlock()
		p.publish(ctx, events.New(events.EventResourceCreated).WithResource(p.def.ID))
	}
}

// Acquire takes an instance, creating or queueing as capacity allows. The
// returned guard must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewError(types.KindPermanent, types.RESOURCE_POOL_CLOSED,
			"resource pool is shut down").With("resource", p.def.Name)
	}

	// Idle instance available: take the oldest.
	if len(p.idle) > 0 {
		item := p.idle[0]
		p.idle = p.idle[1:]
		p.active++
		p.mu.Unlock()
		p.publish(ctx, events.New(events.EventResourceAcquired).WithResource(p.def.ID))
		return p.newGuard(item), nil
	}

	// Room to grow: create a fresh instance.
	if p.total() < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()

		inst, err := p.def.Create(ctx, p.def.Config)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.publish(ctx, events.New(events.EventResourceError).
				WithResource(p.def.ID).WithField("error", err.Error()))
			return nil, types.WrapError(types.KindTransient, types.RESOURCE_CREATE_FAILED,
				"failed to create resource instance", err).With("resource", p.def.Name)
		}
		if p.closed {
			p.mu.Unlock()
			p.cleanup(ctx, &pooled{inst: inst}, "shutdown")
			return nil, types.NewError(types.KindPermanent, types.RESOURCE_POOL_CLOSED,
				"resource pool is shut down").With("resource", p.def.Name)
		}
		p.active++
		p.mu.Unlock()

		p.publish(ctx, events.New(events.EventResourceCreated).WithResource(p.def.ID))
		p.publish(ctx, events.New(events.EventResourceAcquired).WithResource(p.def.ID))
		now := time.Now()
		return p.newGuard(&pooled{inst: inst, createdAt: now, lastUsed: now}), nil
	}

	// At capacity: queue FIFO.
	w := &waiter{ch: make(chan *pooled, 1)}
	elem := p.waiters.PushBack(w)
	waiting := p.waiters.Len()
	p.mu.Unlock()

	p.publish(ctx, events.New(events.EventResourcePoolExhausted).
		WithResource(p.def.ID).WithField("waiters", waiting))

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case item, ok := <-w.ch:
		if !ok {
			return nil, types.NewError(types.KindPermanent, types.RESOURCE_POOL_CLOSED,
				"resource pool shut down while waiting").With("resource", p.def.Name)
		}
		p.publish(ctx, events.New(events.EventResourceAcquired).WithResource(p.def.ID))
		return p.newGuard(item), nil
	case <-timer.C:
		if item := p.abandonWait(elem, w); item != nil {
			p.publish(ctx, events.New(events.EventResourceAcquired).WithResource(p.def.ID))
			return p.newGuard(item), nil
		}
		return nil, types.NewError(types.KindExhausted, types.RESOURCE_POOL_EXHAUSTED,
			"timed out waiting for a pool slot").
			With("resource", p.def.Name).
			With("timeout", p.cfg.AcquireTimeout.String())
	case <-ctx.Done():
		if item := p.abandonWait(elem, w); item != nil {
			p.publish(ctx, events.New(events.EventResourceAcquired).WithResource(p.def.ID))
			return p.newGuard(item), nil
		}
		return nil, types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
			"cancelled while waiting for a pool slot", ctx.Err()).
			With("resource", p.def.Name)
	}
}

// abandonWait removes the waiter from the queue. A hand-off may have raced
// the timeout; in that case the instance is reclaimed so it is not leaked.
func (p *Pool) abandonWait(elem *list.Element, w *waiter) *pooled {
	p.mu.Lock()
	p.waiters.Remove(elem)
	served := w.served
	p.mu.Unlock()

	if !served {
		return nil
	}
	// release sent the instance under the lock before setting served, so
	// this receive cannot block.
	item, ok := <-w.ch
	if !ok {
		return nil
	}
	return item
}

// release returns an instance after use: hand it to a waiter, return it to
// idle, or clean it up when the pool has shut down.
func (p *Pool) release(item *pooled, acquiredAt time.Time) {
	ctx := context.Background()
	usage := time.Since(acquiredAt)

	if p.def.Recycle != nil {
		if err := p.def.Recycle(ctx, item.inst); err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			p.publish(ctx, events.New(events.EventResourceQuarantined).
				WithResource(p.def.ID).WithField("error", err.Error()))
			p.cleanup(ctx, item, "recycle_failed")
			return
		}
	}

	p.mu.Lock()
	p.active--
	if p.closed {
		p.mu.Unlock()
		p.cleanup(ctx, item, "shutdown")
		return
	}

	item.lastUsed = time.Now()
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.served = true
		p.active++
		// The channel is buffered size 1, so the send cannot block; doing
		// it under the lock makes served imply the item is already there.
		w.ch <- item
		p.mu.Unlock()
	} else {
		p.idle = append(p.idle, item)
		p.mu.Unlock()
	}

	p.publish(ctx, events.New(events.EventResourceReleased).
		WithResource(p.def.ID).WithField("usage_ms", usage.Milliseconds()))
}

// Shutdown closes the pool: new acquisitions fail, queued waiters are
// cancelled, and idle instances are cleaned up. Active guards clean up
// their instances on release.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for front := p.waiters.Front(); front != nil; front = p.waiters.Front() {
		w := p.waiters.Remove(front).(*waiter)
		close(w.ch)
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.stopMaintenance != nil {
		close(p.stopMaintenance)
		<-p.maintenanceDone
	}

	for _, item := range idle {
		p.cleanup(ctx, item, "shutdown")
	}
	return nil
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:   p.active,
		Idle:     len(p.idle),
		Creating: p.creating,
		Waiters:  p.waiters.Len(),
		Closed:   p.closed,
	}
}

// total counts live and in-progress instances, including idle instances
// temporarily held out for health checks. Callers hold p.mu.
func (p *Pool) total() int {
	return p.active + p.creating + p.checking + len(p.idle)
}

// maintain periodically evicts expired and unhealthy idle instances.
func (p *Pool) maintain() {
	defer close(p.maintenanceDone)
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(context.Background())
		case <-p.stopMaintenance:
			return
		}
	}
}

// sweep removes idle instances past their lifetime or idle deadline, then
// health-checks the survivors.
func (p *Pool) sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var keep []*pooled
	var evict []*pooled
	var reasons []string
	for _, item := range p.idle {
		switch {
		case p.cfg.MaxLifetime > 0 && now.Sub(item.createdAt) > p.cfg.MaxLifetime:
			evict = append(evict, item)
			reasons = append(reasons, "max_lifetime")
		case p.cfg.IdleTimeout > 0 && now.Sub(item.lastUsed) > p.cfg.IdleTimeout:
			evict = append(evict, item)
			reasons = append(reasons, "idle_timeout")
		default:
			keep = append(keep, item)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for i, item := range evict {
		p.cleanup(ctx, item, reasons[i])
	}

	if p.def.HealthCheck == nil {
		return
	}
	// Candidates stay counted in total() while held out for checking, so
	// a concurrent Acquire cannot create replacements and push the pool
	// past MaxSize.
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.checking = len(candidates)
	p.mu.Unlock()

	var healthy []*pooled
	for _, item := range candidates {
		if err := p.def.HealthCheck(ctx, item.inst); err != nil {
			p.publish(ctx, events.New(events.EventResourceQuarantined).
				WithResource(p.def.ID).WithField("error", err.Error()))
			p.cleanup(ctx, item, "unhealthy")
			p.mu.Lock()
			p.checking--
			p.mu.Unlock()
			continue
		}
		healthy = append(healthy, item)
	}
	p.mu.Lock()
	p.checking = 0
	if p.closed {
		p.mu.Unlock()
		for _, item := range healthy {
			p.cleanup(ctx, item, "shutdown")
		}
		return
	}
	p.idle = append(p.idle, healthy...)
	p.mu.Unlock()
}

func (p *Pool) cleanup(ctx context.Context, item *pooled, reason string) {
	if err := item.inst.Close(ctx); err != nil {
		p.logger.WarnContext(ctx, "failed to close resource instance",
			"resource", p.def.Name, "error", err)
	}
	p.publish(ctx, events.New(events.EventResourceCleanedUp).
		WithResource(p.def.ID).WithField("reason", reason))
}

func (p *Pool) publish(ctx context.Context, event events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "failed to publish resource event",
			"type", string(event.Type), "error", err)
	}
}

func (p *Pool) newGuard(item *pooled) *Guard {
	return &Guard{pool: p, item: item, acquiredAt: time.Now()}
}

// Guard is a scoped acquisition. Release returns the instance to the pool;
// releasing twice is a no-op.
type Guard struct {
	pool       *Pool
	item       *pooled
	acquiredAt time.Time
	once       sync.Once
}

// Instance returns the held resource instance.
func (g *Guard) Instance() Instance {
	return g.item.inst
}

// Release gives the instance back.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.pool.release(g.item, g.acquiredAt)
	})
}
