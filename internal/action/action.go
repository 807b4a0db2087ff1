// Package action defines the unit-of-work abstraction executed by workflow
// nodes: action metadata, the per-invocation context, capability-gated
// sandboxing, and the registry the engine resolves nodes against.
package action

import (
	"context"
	"encoding/json"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// IsolationLevel declares how strongly an action is contained when it runs.
type IsolationLevel string

const (
	// IsolationNone runs the action directly in-process.
	IsolationNone IsolationLevel = "none"

	// IsolationCapabilityGated runs in-process behind an explicit
	// capability set; using an undeclared capability fails.
	IsolationCapabilityGated IsolationLevel = "capability_gated"

	// IsolationProcess isolates the action in a child process. No driver
	// ships for it yet; the boundary exists so one can be added.
	IsolationProcess IsolationLevel = "process"

	// IsolationVM isolates the action in a virtual machine. No driver
	// ships for it yet.
	IsolationVM IsolationLevel = "vm"
)

// Metadata describes an action to the registry and the engine.
type Metadata struct {
	// ID is the stable identifier nodes bind to.
	ID types.ActionID `json:"id"`

	// Key is the unique human-readable registration key, e.g. "http.request".
	Key string `json:"key"`

	// Name is a display name.
	Name string `json:"name"`

	// Description explains what the action does.
	Description string `json:"description,omitempty"`

	// Version is the action implementation version.
	Version string `json:"version"`

	// Isolation selects the sandbox driver.
	Isolation IsolationLevel `json:"isolation"`

	// CredentialKey names the credential the action requires, if any.
	CredentialKey string `json:"credential_key,omitempty"`

	// Capabilities is the set granted under IsolationCapabilityGated.
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Action is the erased execution surface the engine works with. Inputs and
// outputs cross the boundary as JSON; typed implementations use Erase to
// adapt.
type Action interface {
	// Metadata returns the action's descriptor.
	Metadata() Metadata

	// Execute runs the action. Long-running implementations must poll the
	// action context's cancellation and return a cancelled error when set.
	Execute(ctx context.Context, actx *ActionContext, input json.RawMessage) (json.RawMessage, error)
}

// TypedAction is the ergonomic generic surface for implementors.
type TypedAction[I, O any] interface {
	Metadata() Metadata
	Execute(ctx context.Context, actx *ActionContext, input I) (O, error)
}

// erased adapts a TypedAction to the Action interface by serializing Input
// and Output through JSON.
type erased[I, O any] struct {
	inner TypedAction[I, O]
}

// Erase wraps a typed action for registration.
func Erase[I, O any](a TypedAction[I, O]) Action {
	return &erased[I, O]{inner: a}
}

func (e *erased[I, O]) Metadata() Metadata { return e.inner.Metadata() }

func (e *erased[I, O]) Execute(ctx context.Context, actx *ActionContext, input json.RawMessage) (json.RawMessage, error) {
	var in I
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, types.WrapError(types.KindValidation, types.ACTION_FAILED,
				"action input does not match expected shape", err).
				With("action", e.inner.Metadata().Key)
		}
	}
	out, err := e.inner.Execute(ctx, actx, in)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.ACTION_FAILED,
			"action output is not serializable", err).
			With("action", e.inner.Metadata().Key)
	}
	return data, nil
}

// Optional shape interfaces. The engine and runtime feature-detect these on
// registered actions; a plain Action is treated as a stateless process.

// Stateful actions carry state between invocations as an opaque JSON blob.
type Stateful interface {
	Action

	// LoadState installs previously persisted state before Execute.
	LoadState(state json.RawMessage) error

	// SaveState returns the state to persist after Execute.
	SaveState() (json.RawMessage, error)
}

// Trigger actions produce events from an external source instead of being
// driven by upstream nodes.
type Trigger interface {
	Action

	// Poll checks the source once and returns pending events, possibly
	// none.
	Poll(ctx context.Context, actx *ActionContext) ([]json.RawMessage, error)
}

// Transactional actions participate in sagas with a prepare/commit/
// compensate protocol.
type Transactional interface {
	Action

	Prepare(ctx context.Context, actx *ActionContext, input json.RawMessage) (json.RawMessage, error)
	Commit(ctx context.Context, actx *ActionContext, prepared json.RawMessage) error
	Compensate(ctx context.Context, actx *ActionContext, prepared json.RawMessage) error
}

// Streaming actions emit a sequence of items instead of one output.
type Streaming interface {
	Action

	// ExecuteStream sends each emitted item to the sink; a sink error
	// aborts the stream.
	ExecuteStream(ctx context.Context, actx *ActionContext, input json.RawMessage, sink func(json.RawMessage) error) error
}

// Interactive actions may pause mid-flight and wait for user input.
type Interactive interface {
	Action

	// Resume continues a paused invocation with the user's answer.
	Resume(ctx context.Context, actx *ActionContext, state json.RawMessage, answer json.RawMessage) (json.RawMessage, error)
}
