// Package execution holds per-run state: the execution and node state
// machines, the shared execution context, and node output records.
//
// State transitions are centralized here. Callers never assign states
// directly; they go through ValidateTransition or the context's transition
// methods so every illegal move fails loudly with a transition error.
package execution

import (
	"fmt"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// ExecutionStatus is the workflow-level run status.
type ExecutionStatus string

const (
	StatusCreated    ExecutionStatus = "created"
	StatusRunning    ExecutionStatus = "running"
	StatusPaused     ExecutionStatus = "paused"
	StatusCancelling ExecutionStatus = "cancelling"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusCancelled  ExecutionStatus = "cancelled"
	StatusTimedOut   ExecutionStatus = "timed_out"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s ExecutionStatus) String() string { return string(s) }

// statusTransitions is the full execution state machine.
var statusTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusCreated:    {StatusRunning},
	StatusRunning:    {StatusPaused, StatusCancelling, StatusCompleted, StatusFailed, StatusTimedOut},
	StatusPaused:     {StatusRunning, StatusCancelling},
	StatusCancelling: {StatusCancelled, StatusFailed},
}

// ValidateStatusTransition returns a transition error unless from -> to is a
// legal move in the execution state machine.
func ValidateStatusTransition(from, to ExecutionStatus) error {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return types.NewError(types.KindTransition, types.EXECUTION_INVALID_TRANSITION,
		fmt.Sprintf("invalid execution status transition %s -> %s", from, to)).
		With("from", string(from)).
		With("to", string(to))
}

// NodeState is the per-node lifecycle state within an execution.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeRetrying  NodeState = "retrying"
	NodeSkipped   NodeState = "skipped"
	NodeCancelled NodeState = "cancelled"
)

// IsTerminal reports whether the node has reached a settled state. Failed is
// terminal only once its retry budget is exhausted; the engine moves it to
// Retrying while attempts remain.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s NodeState) String() string { return string(s) }

// nodeTransitions is the full node state machine.
var nodeTransitions = map[NodeState][]NodeState{
	NodePending:  {NodeReady, NodeSkipped, NodeCancelled},
	NodeReady:    {NodeRunning, NodeSkipped, NodeCancelled},
	NodeRunning:  {NodeCompleted, NodeFailed, NodeCancelled},
	NodeFailed:   {NodeRetrying},
	NodeRetrying: {NodeRunning, NodeCancelled},
}

// ValidateNodeTransition returns a transition error unless from -> to is a
// legal move in the node state machine.
func ValidateNodeTransition(from, to NodeState) error {
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return types.NewError(types.KindTransition, types.EXECUTION_INVALID_TRANSITION,
		fmt.Sprintf("invalid node state transition %s -> %s", from, to)).
		With("from", string(from)).
		With("to", string(to))
}
