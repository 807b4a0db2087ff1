package resource

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// healthEntry tracks a resource's own health plus the exact set of
// dependencies currently degrading it. Causes are keyed by resource ID, so
// recovery of one dependency never clears a different one that happens to
// share a name prefix.
type healthEntry struct {
	own      HealthState
	reason   string
	causedBy map[types.ResourceID]string
}

func (h *healthEntry) effective() Status {
	if h.own == Unhealthy {
		return Status{State: Unhealthy, Reason: h.reason}
	}
	if len(h.causedBy) > 0 {
		ids := make([]string, 0, len(h.causedBy))
		for id := range h.causedBy {
			ids = append(ids, h.causedBy[id])
		}
		sort.Strings(ids)
		return Status{State: Degraded, Reason: ids[0]}
	}
	if h.own == Degraded {
		return Status{State: Degraded, Reason: h.reason}
	}
	return Status{State: Healthy}
}

// Manager registers resource definitions, orders initialization by
// dependency, owns the per-type pools, and propagates health changes to
// dependents.
type Manager struct {
	bus    events.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	defs       map[types.ResourceID]*Definition
	dependents map[types.ResourceID][]types.ResourceID
	pools      map[types.ResourceID]*Pool
	health     map[types.ResourceID]*healthEntry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerBus attaches an event bus.
func WithManagerBus(bus events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithManagerLogger replaces the default logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     slog.Default(),
		defs:       make(map[types.ResourceID]*Definition),
		dependents: make(map[types.ResourceID][]types.ResourceID),
		pools:      make(map[types.ResourceID]*Pool),
		health:     make(map[types.ResourceID]*healthEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a resource definition. Duplicate IDs conflict and any cycle
// the new edges would close is rejected.
func (m *Manager) Register(def *Definition) error {
	if def.ID.IsZero() {
		return types.NewError(types.KindValidation, types.RESOURCE_NOT_FOUND,
			"resource definition requires an ID")
	}
	if def.Name == "" {
		return types.NewError(types.KindValidation, types.RESOURCE_NOT_FOUND,
			"resource definition requires a name").With("id", def.ID.String())
	}
	if def.Create == nil {
		return types.NewError(types.KindValidation, types.RESOURCE_CREATE_FAILED,
			"resource definition requires a create function").With("name", def.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.defs[def.ID]; exists {
		return types.NewError(types.KindConflict, types.RESOURCE_NOT_FOUND,
			"resource already registered").With("id", def.ID.String())
	}

	m.defs[def.ID] = def
	if cycle := m.findCycleLocked(def.ID); cycle != nil {
		delete(m.defs, def.ID)
		return types.NewError(types.KindValidation, types.RESOURCE_CYCLE,
			"resource dependencies form a cycle").
			With("id", def.ID.String()).
			With("cycle", cyclePath(cycle))
	}

	for _, dep := range def.Dependencies {
		m.dependents[dep] = append(m.dependents[dep], def.ID)
	}
	m.health[def.ID] = &healthEntry{own: Healthy, causedBy: make(map[types.ResourceID]string)}
	return nil
}

// InitializationOrder returns registered resource IDs topologically sorted
// so dependencies come before dependents. Order among peers is by name for
// determinism.
func (m *Manager) InitializationOrder() ([]types.ResourceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indegree := make(map[types.ResourceID]int, len(m.defs))
	for id, def := range m.defs {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range def.Dependencies {
			if _, known := m.defs[dep]; !known {
				return nil, types.NewError(types.KindValidation, types.RESOURCE_NOT_FOUND,
					"dependency is not registered").
					With("resource", def.Name).
					With("dependency", dep.String())
			}
			indegree[id]++
		}
	}

	ready := make([]types.ResourceID, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []types.ResourceID
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return m.defs[ready[i]].Name < m.defs[ready[j]].Name
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range m.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(m.defs) {
		return nil, types.NewError(types.KindValidation, types.RESOURCE_CYCLE,
			"resource dependencies form a cycle")
	}
	return order, nil
}

// OpenPool creates (or returns) the pool for a registered resource and
// warms it to the configured floor.
func (m *Manager) OpenPool(ctx context.Context, id types.ResourceID) (*Pool, error) {
	m.mu.Lock()
	def, ok := m.defs[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewError(types.KindPermanent, types.RESOURCE_NOT_FOUND,
			"resource is not registered").With("id", id.String())
	}
	if pool, exists := m.pools[id]; exists {
		m.mu.Unlock()
		return pool, nil
	}
	pool := NewPool(def, WithPoolBus(m.bus), WithPoolLogger(m.logger))
	m.pools[id] = pool
	m.mu.Unlock()

	if err := pool.Warm(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// Pool returns an already-open pool.
func (m *Manager) Pool(id types.ResourceID) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[id]
	if !ok {
		return nil, types.NewError(types.KindPermanent, types.RESOURCE_NOT_FOUND,
			"resource pool is not open").With("id", id.String())
	}
	return pool, nil
}

// Shutdown closes all pools in reverse initialization order and drops them
// from the registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	order, err := m.InitializationOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		m.mu.Lock()
		pool, ok := m.pools[order[i]]
		delete(m.pools, order[i])
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := pool.Shutdown(ctx); err != nil {
			m.logger.WarnContext(ctx, "failed to shut down resource pool",
				"resource", order[i].String(), "error", err)
		}
	}
	return nil
}

// SetHealth records a resource's own health and propagates the change
// transitively to dependents.
func (m *Manager) SetHealth(ctx context.Context, id types.ResourceID, state HealthState, reason string) error {
	m.mu.Lock()
	entry, ok := m.health[id]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.KindPermanent, types.RESOURCE_NOT_FOUND,
			"resource is not registered").With("id", id.String())
	}

	before := entry.effective()
	entry.own = state
	entry.reason = reason
	changes := []healthChange{}
	after := entry.effective()
	if after != before {
		changes = append(changes, healthChange{id: id, status: after})
	}
	changes = append(changes, m.propagateLocked(id, after.State != Healthy)...)
	m.mu.Unlock()

	for _, change := range changes {
		m.publishHealth(ctx, change)
	}
	return nil
}

// Health returns a resource's effective health, own state merged with
// dependency-caused degradation.
func (m *Manager) Health(id types.ResourceID) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.health[id]
	if !ok {
		return Status{}, types.NewError(types.KindPermanent, types.RESOURCE_NOT_FOUND,
			"resource is not registered").With("id", id.String())
	}
	return entry.effective(), nil
}

type healthChange struct {
	id     types.ResourceID
	status Status
}

// propagateLocked walks the reverse dependency edges from id, adding or
// removing id as a degradation cause on each dependent. Callers hold m.mu.
func (m *Manager) propagateLocked(id types.ResourceID, unhealthy bool) []healthChange {
	var changes []healthChange
	reason := "dependency " + m.defs[id].Name + " unhealthy"

	queue := append([]types.ResourceID(nil), m.dependents[id]...)
	seen := map[types.ResourceID]bool{id: true}
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true

		entry := m.health[depID]
		before := entry.effective()
		if unhealthy {
			entry.causedBy[id] = reason
		} else {
			delete(entry.causedBy, id)
		}
		after := entry.effective()
		if after != before {
			changes = append(changes, healthChange{id: depID, status: after})
		}

		// A dependent that is itself degraded degrades its own dependents.
		if after.State != Healthy || before.State != Healthy {
			queue = append(queue, m.dependents[depID]...)
		}
	}
	return changes
}

func (m *Manager) publishHealth(ctx context.Context, change healthChange) {
	m.logger.InfoContext(ctx, "resource health changed",
		"resource_id", change.id.String(),
		"state", string(change.status.State),
		"reason", change.status.Reason)
	if m.bus == nil {
		return
	}
	event := events.New(events.EventResourceHealthChanged).
		WithResource(change.id).
		WithField("state", string(change.status.State))
	if change.status.Reason != "" {
		event = event.WithField("reason", change.status.Reason)
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "failed to publish health event", "error", err)
	}
}

// findCycleLocked looks for a dependency cycle reachable from start.
// Callers hold m.mu.
func (m *Manager) findCycleLocked(start types.ResourceID) []types.ResourceID {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[types.ResourceID]int)
	var stack []types.ResourceID
	var cycle []types.ResourceID

	var visit func(id types.ResourceID) bool
	visit = func(id types.ResourceID) bool {
		color[id] = grey
		stack = append(stack, id)
		def, ok := m.defs[id]
		if ok {
			for _, dep := range def.Dependencies {
				switch color[dep] {
				case grey:
					for i, s := range stack {
						if s == dep {
							cycle = append([]types.ResourceID(nil), stack[i:]...)
							break
						}
					}
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

func cyclePath(cycle []types.ResourceID) string {
	path := ""
	for i, id := range cycle {
		if i > 0 {
			path += " -> "
		}
		path += id.String()
	}
	return path
}
