package execution

import (
	"sync"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

// ExecutionContext is the shared mutable state of one run. It is never
// serialized: the definition is held through a shared read-only handle, and
// node outputs and variables sit behind a reader-preferring lock. Outputs
// are append-only during forward progress; a node's output is written once,
// before the next level launches.
type ExecutionContext struct {
	executionID types.ExecutionID
	def         *workflow.Workflow
	budget      workflow.Budget
	scope       types.Scope
	token       *CancelToken
	startedAt   time.Time

	mu         sync.RWMutex
	status     ExecutionStatus
	nodeStates map[types.NodeID]NodeState
	outputs    map[types.NodeID]*NodeOutput
	variables  map[string]any
	finishedAt time.Time
}

// NewExecutionContext installs the initial state: status Created, every node
// Pending, and the workflow's declared variables copied in.
func NewExecutionContext(executionID types.ExecutionID, def *workflow.Workflow, scope types.Scope, budget workflow.Budget) *ExecutionContext {
	states := make(map[types.NodeID]NodeState, len(def.Nodes))
	for _, n := range def.Nodes {
		states[n.ID] = NodePending
	}
	vars := make(map[string]any, len(def.Variables))
	for k, v := range def.Variables {
		vars[k] = v
	}
	return &ExecutionContext{
		executionID: executionID,
		def:         def,
		budget:      budget,
		scope:       scope,
		token:       NewCancelToken(),
		startedAt:   time.Now().UTC(),
		status:      StatusCreated,
		nodeStates:  states,
		outputs:     make(map[types.NodeID]*NodeOutput, len(def.Nodes)),
		variables:   vars,
	}
}

// ExecutionID returns the run's identifier.
func (c *ExecutionContext) ExecutionID() types.ExecutionID { return c.executionID }

// Workflow returns the shared read-only definition handle.
func (c *ExecutionContext) Workflow() *workflow.Workflow { return c.def }

// Budget returns the execution budget.
func (c *ExecutionContext) Budget() workflow.Budget { return c.budget }

// Scope returns the scope the execution runs under.
func (c *ExecutionContext) Scope() types.Scope { return c.scope }

// Token returns the shared cancellation token.
func (c *ExecutionContext) Token() *CancelToken { return c.token }

// StartedAt returns when the context was created.
func (c *ExecutionContext) StartedAt() time.Time { return c.startedAt }

// Status returns the current execution status.
func (c *ExecutionContext) Status() ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// TransitionStatus moves the execution status, failing on illegal moves.
// Reaching a terminal status stamps the finish time.
func (c *ExecutionContext) TransitionStatus(to ExecutionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ValidateStatusTransition(c.status, to); err != nil {
		return err
	}
	c.status = to
	if to.IsTerminal() {
		c.finishedAt = time.Now().UTC()
	}
	return nil
}

// FinishedAt returns when a terminal status was reached, or zero.
func (c *ExecutionContext) FinishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finishedAt
}

// NodeState returns the current state of a node.
func (c *ExecutionContext) NodeState(id types.NodeID) (NodeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.nodeStates[id]
	return s, ok
}

// TransitionNode moves a node's state, failing on illegal moves or unknown
// nodes.
func (c *ExecutionContext) TransitionNode(id types.NodeID, to NodeState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, ok := c.nodeStates[id]
	if !ok {
		return types.NewError(types.KindValidation, types.WORKFLOW_NODE_NOT_FOUND,
			"node is not part of this execution").With("node_id", id.String())
	}
	if err := ValidateNodeTransition(from, to); err != nil {
		return err
	}
	c.nodeStates[id] = to
	return nil
}

// NodeStates returns a snapshot of all node states.
func (c *ExecutionContext) NodeStates() map[types.NodeID]NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.NodeID]NodeState, len(c.nodeStates))
	for id, s := range c.nodeStates {
		out[id] = s
	}
	return out
}

// SetOutput records a node's output. Outputs are write-once.
func (c *ExecutionContext) SetOutput(id types.NodeID, out *NodeOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[id]; exists {
		return types.NewError(types.KindConflict, types.EXECUTION_INVALID_TRANSITION,
			"node output already recorded").With("node_id", id.String())
	}
	c.outputs[id] = out
	return nil
}

// Output returns a node's recorded output.
func (c *ExecutionContext) Output(id types.NodeID) (*NodeOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[id]
	return out, ok
}

// Outputs returns a snapshot of all recorded outputs.
func (c *ExecutionContext) Outputs() map[types.NodeID]*NodeOutput {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.NodeID]*NodeOutput, len(c.outputs))
	for id, o := range c.outputs {
		out[id] = o
	}
	return out
}

// SetVariable writes an execution variable.
func (c *ExecutionContext) SetVariable(key string, value any) {
	c.mu.Lock()
	c.variables[key] = value
	c.mu.Unlock()
}

// Variable reads an execution variable.
func (c *ExecutionContext) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a shallow snapshot of the variable map.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Cancel transitions the status toward cancellation and sets the shared
// token. Safe to call from any goroutine; only the first effective call
// moves the status.
func (c *ExecutionContext) Cancel(reason string) error {
	if err := c.TransitionStatus(StatusCancelling); err != nil {
		return err
	}
	c.token.Cancel(reason)
	return nil
}
