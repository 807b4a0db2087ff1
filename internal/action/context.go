package action

import (
	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// VariableStore is the shared mutable variable surface an action sees. The
// execution context implements it.
type VariableStore interface {
	Variable(key string) (any, bool)
	SetVariable(key string, value any)
}

// ActionContext is handed to every invocation. It carries the identifiers
// of the enclosing run, the scope the node executes under, the shared
// cancellation token, and the execution's variable map.
type ActionContext struct {
	executionID  types.ExecutionID
	nodeID       types.NodeID
	workflowID   types.WorkflowID
	scope        types.Scope
	token        *execution.CancelToken
	vars         VariableStore
	capabilities map[Capability]struct{}
}

// NewActionContext builds an invocation context. A nil capability slice
// means the context is not capability-gated and RequireCapability always
// succeeds.
func NewActionContext(executionID types.ExecutionID, nodeID types.NodeID, workflowID types.WorkflowID, scope types.Scope, token *execution.CancelToken, vars VariableStore) *ActionContext {
	return &ActionContext{
		executionID: executionID,
		nodeID:      nodeID,
		workflowID:  workflowID,
		scope:       scope,
		token:       token,
		vars:        vars,
	}
}

// ExecutionID returns the enclosing execution's identifier.
func (c *ActionContext) ExecutionID() types.ExecutionID { return c.executionID }

// NodeID returns the invoking node's identifier.
func (c *ActionContext) NodeID() types.NodeID { return c.nodeID }

// WorkflowID returns the workflow definition identifier.
func (c *ActionContext) WorkflowID() types.WorkflowID { return c.workflowID }

// Scope returns the scope the invocation runs under.
func (c *ActionContext) Scope() types.Scope { return c.scope }

// Done returns the cancellation channel of the shared token.
func (c *ActionContext) Done() <-chan struct{} { return c.token.Done() }

// CheckCancelled returns a cancelled error once the execution's token is
// set. Long-running actions poll this.
func (c *ActionContext) CheckCancelled() error { return c.token.CheckCancelled() }

// Variable reads a shared execution variable.
func (c *ActionContext) Variable(key string) (any, bool) { return c.vars.Variable(key) }

// SetVariable writes a shared execution variable.
func (c *ActionContext) SetVariable(key string, value any) { c.vars.SetVariable(key, value) }

// withCapabilities returns a copy of the context gated on the given set.
func (c *ActionContext) withCapabilities(caps []Capability) *ActionContext {
	gated := *c
	gated.capabilities = make(map[Capability]struct{}, len(caps))
	for _, capability := range caps {
		gated.capabilities[capability] = struct{}{}
	}
	return &gated
}

// RequireCapability fails when the context is capability-gated and the
// capability was not granted.
func (c *ActionContext) RequireCapability(capability Capability) error {
	if c.capabilities == nil {
		return nil
	}
	if _, ok := c.capabilities[capability]; ok {
		return nil
	}
	return types.NewError(types.KindPermanent, types.ACTION_CAPABILITY_DENIED,
		"capability not granted to this action").
		With("capability", string(capability)).
		With("node_id", c.nodeID.String())
}

// HasCapability reports whether the capability would be allowed.
func (c *ActionContext) HasCapability(capability Capability) bool {
	return c.RequireCapability(capability) == nil
}
