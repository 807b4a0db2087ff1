package action

import (
	"sort"
	"sync"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Registry holds registered actions, addressable both by ActionID (how
// workflow nodes bind) and by key (how implementations register).
type Registry struct {
	mu    sync.RWMutex
	byID  map[types.ActionID]Action
	byKey map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[types.ActionID]Action),
		byKey: make(map[string]Action),
	}
}

// Register adds an action. The metadata must carry a non-zero ID and a
// non-empty key, both unused.
func (r *Registry) Register(act Action) error {
	meta := act.Metadata()
	if meta.ID.IsZero() {
		return types.NewError(types.KindValidation, types.ACTION_NOT_FOUND,
			"action metadata is missing an ID").With("key", meta.Key)
	}
	if meta.Key == "" {
		return types.NewError(types.KindValidation, types.ACTION_NOT_FOUND,
			"action metadata is missing a key").With("id", meta.ID.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[meta.ID]; exists {
		return types.NewError(types.KindConflict, types.ACTION_NOT_FOUND,
			"action ID already registered").With("id", meta.ID.String())
	}
	if _, exists := r.byKey[meta.Key]; exists {
		return types.NewError(types.KindConflict, types.ACTION_NOT_FOUND,
			"action key already registered").With("key", meta.Key)
	}
	r.byID[meta.ID] = act
	r.byKey[meta.Key] = act
	return nil
}

// Get resolves an action by ID.
func (r *Registry) Get(id types.ActionID) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.byID[id]
	if !ok {
		return nil, types.NewError(types.KindValidation, types.ACTION_NOT_FOUND,
			"no action registered with this ID").With("id", id.String())
	}
	return act, nil
}

// GetByKey resolves an action by its registration key.
func (r *Registry) GetByKey(key string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.byKey[key]
	if !ok {
		return nil, types.NewError(types.KindValidation, types.ACTION_NOT_FOUND,
			"no action registered with this key").With("key", key)
	}
	return act, nil
}

// Unregister removes an action by ID. Unknown IDs are a no-op.
func (r *Registry) Unregister(id types.ActionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if act, ok := r.byID[id]; ok {
		delete(r.byKey, act.Metadata().Key)
		delete(r.byID, id)
	}
}

// List returns all registered actions' metadata sorted by key.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.byID))
	for _, act := range r.byID {
		out = append(out, act.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
