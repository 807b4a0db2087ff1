package credential

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// InteractionKind names the kind of user interaction an acquisition flow
// needs.
type InteractionKind string

const (
	InteractRedirect          InteractionKind = "redirect"
	InteractCodeInput         InteractionKind = "code_input"
	InteractDisplayInfo       InteractionKind = "display_info"
	InteractAwaitConfirmation InteractionKind = "await_confirmation"
	InteractChallenge         InteractionKind = "challenge"
	InteractCaptcha           InteractionKind = "captcha"
	InteractCustom            InteractionKind = "custom"
)

// InteractionRequest asks the user for one step of an acquisition flow.
type InteractionRequest struct {
	Kind InteractionKind `json:"kind"`

	// Prompt is the text shown to the user.
	Prompt string `json:"prompt,omitempty"`

	// RedirectURL is set for redirect flows.
	RedirectURL string `json:"redirect_url,omitempty"`

	// Payload carries kind-specific data, e.g. a challenge blob.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UserInput answers an InteractionRequest. The kind must match the
// request's.
type UserInput struct {
	Kind      InteractionKind `json:"kind"`
	Value     string          `json:"value,omitempty"`
	Confirmed bool            `json:"confirmed,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FlowKind discriminates acquisition flow outcomes.
type FlowKind string

const (
	// FlowComplete carries a usable credential state.
	FlowComplete FlowKind = "complete"

	// FlowPending carries partial state plus the next interaction step.
	FlowPending FlowKind = "pending"

	// FlowRequiresInteraction needs user input before any state exists.
	FlowRequiresInteraction FlowKind = "requires_interaction"
)

// Flow is the typed outcome of an acquisition step.
type Flow[S any] struct {
	Kind    FlowKind
	State   S
	Request *InteractionRequest
}

// Complete builds a finished flow.
func Complete[S any](state S) Flow[S] {
	return Flow[S]{Kind: FlowComplete, State: state}
}

// Pending builds a flow with partial state and a next step.
func Pending[S any](partial S, next InteractionRequest) Flow[S] {
	return Flow[S]{Kind: FlowPending, State: partial, Request: &next}
}

// RequiresInteraction builds a flow needing input before any state exists.
func RequiresInteraction[S any](request InteractionRequest) Flow[S] {
	return Flow[S]{Kind: FlowRequiresInteraction, Request: &request}
}

// Credential is the typed implementor surface. Input describes what is
// needed to acquire the credential; State is what gets stored.
type Credential[I, S any] interface {
	// Key names the credential type, e.g. "oauth2".
	Key() string

	// Initialize starts acquisition from input. The flow may complete
	// immediately or require interaction.
	Initialize(ctx context.Context, input I) (Flow[S], error)

	// Refresh derives a fresh state from the current one.
	Refresh(ctx context.Context, state S) (S, error)
}

// Resumer is implemented by typed credentials whose flows span multiple
// interaction steps.
type Resumer[I, S any] interface {
	Credential[I, S]

	// Resume continues a pending flow with the user's answer.
	Resume(ctx context.Context, partial S, input UserInput) (Flow[S], error)
}

// FlowResult is the erased flow outcome: state travels as an opaque JSON
// envelope.
type FlowResult struct {
	Kind    FlowKind            `json:"kind"`
	State   json.RawMessage     `json:"state,omitempty"`
	Request *InteractionRequest `json:"request,omitempty"`
}

// Factory is the object-safe surface the manager works with. Input and
// state cross it as opaque JSON envelopes.
type Factory interface {
	// Key names the credential type this factory builds.
	Key() string

	// Initialize starts acquisition from a serialized input.
	Initialize(ctx context.Context, input json.RawMessage) (*FlowResult, error)

	// Resume continues a pending flow. Factories for credentials that do
	// not implement Resumer fail with a validation error.
	Resume(ctx context.Context, partial json.RawMessage, input UserInput) (*FlowResult, error)

	// Refresh derives a fresh serialized state from the current one.
	Refresh(ctx context.Context, state json.RawMessage) (json.RawMessage, error)
}

// bridge adapts a typed Credential to Factory via JSON envelopes.
type bridge[I, S any] struct {
	inner Credential[I, S]
}

// Bridge erases a typed credential for registration with the manager.
func Bridge[I, S any](c Credential[I, S]) Factory {
	return &bridge[I, S]{inner: c}
}

func (b *bridge[I, S]) Key() string { return b.inner.Key() }

func (b *bridge[I, S]) Initialize(ctx context.Context, input json.RawMessage) (*FlowResult, error) {
	var in I
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, types.WrapError(types.KindValidation, types.CREDENTIAL_INVALID,
				"credential input does not match expected shape", err).
				With("key", b.inner.Key())
		}
	}
	flow, err := b.inner.Initialize(ctx, in)
	if err != nil {
		return nil, err
	}
	return b.erase(flow)
}

func (b *bridge[I, S]) Resume(ctx context.Context, partial json.RawMessage, input UserInput) (*FlowResult, error) {
	resumer, ok := b.inner.(Resumer[I, S])
	if !ok {
		return nil, types.NewError(types.KindValidation, types.CREDENTIAL_INVALID,
			"credential type does not support multi-step flows").
			With("key", b.inner.Key())
	}
	var state S
	if len(partial) > 0 {
		if err := json.Unmarshal(partial, &state); err != nil {
			return nil, types.WrapError(types.KindValidation, types.CREDENTIAL_INVALID,
				"credential state does not match expected shape", err).
				With("key", b.inner.Key())
		}
	}
	flow, err := resumer.Resume(ctx, state, input)
	if err != nil {
		return nil, err
	}
	return b.erase(flow)
}

func (b *bridge[I, S]) Refresh(ctx context.Context, state json.RawMessage) (json.RawMessage, error) {
	var s S
	if len(state) > 0 {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, types.WrapError(types.KindValidation, types.CREDENTIAL_INVALID,
				"credential state does not match expected shape", err).
				With("key", b.inner.Key())
		}
	}
	next, err := b.inner.Refresh(ctx, s)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.CREDENTIAL_INVALID,
			"refreshed credential state is not serializable", err).
			With("key", b.inner.Key())
	}
	return data, nil
}

func (b *bridge[I, S]) erase(flow Flow[S]) (*FlowResult, error) {
	result := &FlowResult{Kind: flow.Kind, Request: flow.Request}
	if flow.Kind == FlowRequiresInteraction {
		return result, nil
	}
	data, err := json.Marshal(flow.State)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.CREDENTIAL_INVALID,
			"credential state is not serializable", err).
			With("key", b.inner.Key())
	}
	result.State = data
	return result, nil
}

// FactoryRegistry holds erased credential factories keyed by type.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry returns an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory; duplicate keys conflict.
func (r *FactoryRegistry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Key()]; exists {
		return types.NewError(types.KindConflict, types.CREDENTIAL_INVALID,
			"credential factory already registered").With("key", f.Key())
	}
	r.factories[f.Key()] = f
	return nil
}

// Get resolves a factory by key.
func (r *FactoryRegistry) Get(key string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	if !ok {
		return nil, types.NewError(types.KindValidation, types.CREDENTIAL_NOT_FOUND,
			"no credential factory registered for key").With("key", key)
	}
	return f, nil
}

// Keys lists registered factory keys sorted.
func (r *FactoryRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
