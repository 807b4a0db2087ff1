// Package workflow defines workflow definitions, the derived dependency
// graph, validation, and execution-plan computation.
//
// A workflow is a directed acyclic graph of typed nodes. The planner
// levelizes the graph into parallel groups: nodes sharing a level have no
// dependency relationship and may execute concurrently.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Version is a semver-like workflow definition version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Workflow is a complete workflow definition. Definitions are immutable
// once validated; executions hold them through a shared read-only handle.
type Workflow struct {
	// ID is the unique identifier for this workflow definition.
	ID types.WorkflowID `json:"id"`

	// Name is a human-readable, non-empty name.
	Name string `json:"name"`

	// Version is the definition version.
	Version Version `json:"version"`

	// Nodes are the vertices of the workflow graph.
	Nodes []Node `json:"nodes"`

	// Connections are the directed edges between nodes.
	Connections []Connection `json:"connections"`

	// Variables are workflow-level variables visible to expressions and
	// actions.
	Variables map[string]any `json:"variables,omitempty"`

	// Config holds execution policy for the whole workflow.
	Config Config `json:"config"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt and UpdatedAt are RFC 3339 UTC timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a vertex of the workflow graph, bound to an action.
type Node struct {
	// ID is the unique identifier of the node within the workflow.
	ID types.NodeID `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// ActionID names the action this node invokes.
	ActionID types.ActionID `json:"action_id"`

	// Parameters map parameter names to their sources.
	Parameters map[string]ParamValue `json:"parameters,omitempty"`

	// RetryPolicy overrides the workflow-level retry policy when set.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`

	// Timeout bounds a single invocation of the node's action when set.
	Timeout *time.Duration `json:"timeout,omitempty"`
}

// Connection is a directed edge: To depends on From.
type Connection struct {
	From types.NodeID `json:"from_node"`
	To   types.NodeID `json:"to_node"`
}

// FailurePolicy selects how the engine reacts to a node failing with no
// retry attempts left.
type FailurePolicy string

const (
	// FailFast cancels the execution on the first unrecoverable node
	// failure.
	FailFast FailurePolicy = "fail_fast"

	// ContinueOnFailure keeps executing nodes whose dependencies all
	// succeeded; dependents of the failed node are cancelled.
	ContinueOnFailure FailurePolicy = "continue"
)

// Config holds workflow-level execution policy.
type Config struct {
	// FailurePolicy defaults to FailFast.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// Timeout bounds the whole execution when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryPolicy is the default retry policy for nodes that declare none.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
}

// BackoffKind selects the delay progression between retry attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds retries of a failed node.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts"`

	// Backoff selects fixed or exponential delays. Defaults to fixed.
	Backoff BackoffKind `json:"backoff,omitempty"`

	// Delay is the base delay between attempts.
	Delay time.Duration `json:"delay,omitempty"`

	// MaxDelay caps exponential growth when positive.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// DelayFor returns the delay before the given retry attempt (1-based count
// of completed failures).
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	if p == nil || p.Delay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ParamKind discriminates the source of a parameter value.
type ParamKind string

const (
	// ParamLiteral is an inline JSON value.
	ParamLiteral ParamKind = "literal"

	// ParamReference reads an upstream node's output through an RFC 6901
	// JSON pointer.
	ParamReference ParamKind = "reference"

	// ParamExpression evaluates a template expression against the current
	// execution context.
	ParamExpression ParamKind = "expression"
)

// ParamValue is a tagged union over the three parameter sources.
type ParamValue struct {
	kind    ParamKind
	literal any
	nodeID  types.NodeID
	pointer string
	source  string
}

// Literal builds a literal parameter value.
func Literal(v any) ParamValue {
	return ParamValue{kind: ParamLiteral, literal: v}
}

// Reference builds a parameter value read from an upstream node output.
// The pointer is an RFC 6901 JSON pointer; "" selects the whole payload.
func Reference(nodeID types.NodeID, pointer string) ParamValue {
	return ParamValue{kind: ParamReference, nodeID: nodeID, pointer: pointer}
}

// Expression builds a parameter value computed by the expression evaluator.
func Expression(source string) ParamValue {
	return ParamValue{kind: ParamExpression, source: source}
}

// Kind returns the discriminator.
func (p ParamValue) Kind() ParamKind { return p.kind }

// LiteralValue returns the inline value of a literal parameter.
func (p ParamValue) LiteralValue() any { return p.literal }

// ReferenceTarget returns the node and JSON pointer of a reference
// parameter.
func (p ParamValue) ReferenceTarget() (types.NodeID, string) { return p.nodeID, p.pointer }

// ExpressionSource returns the source text of an expression parameter.
func (p ParamValue) ExpressionSource() string { return p.source }

// paramValueJSON is the wire representation of the union.
type paramValueJSON struct {
	Literal    *json.RawMessage `json:"literal,omitempty"`
	Reference  *referenceJSON   `json:"reference,omitempty"`
	Expression *string          `json:"expression,omitempty"`
}

type referenceJSON struct {
	NodeID  types.NodeID `json:"node_id"`
	Pointer string       `json:"pointer"`
}

// MarshalJSON implements json.Marshaler.
func (p ParamValue) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case ParamLiteral:
		raw, err := json.Marshal(p.literal)
		if err != nil {
			return nil, err
		}
		msg := json.RawMessage(raw)
		return json.Marshal(paramValueJSON{Literal: &msg})
	case ParamReference:
		return json.Marshal(paramValueJSON{
			Reference: &referenceJSON{NodeID: p.nodeID, Pointer: p.pointer},
		})
	case ParamExpression:
		return json.Marshal(paramValueJSON{Expression: &p.source})
	default:
		return nil, fmt.Errorf("cannot marshal parameter with unknown kind %q", p.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var wire paramValueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.Literal != nil:
		var v any
		if err := json.Unmarshal(*wire.Literal, &v); err != nil {
			return err
		}
		*p = Literal(v)
	case wire.Reference != nil:
		*p = Reference(wire.Reference.NodeID, wire.Reference.Pointer)
	case wire.Expression != nil:
		*p = Expression(*wire.Expression)
	default:
		return fmt.Errorf("parameter value must set exactly one of literal, reference, expression")
	}
	return nil
}

// GetNode returns the node with the given ID, or nil.
func (w *Workflow) GetNode(id types.NodeID) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// RetryPolicyFor returns the effective retry policy for a node: the node's
// own policy, else the workflow default, else nil.
func (w *Workflow) RetryPolicyFor(id types.NodeID) *RetryPolicy {
	if n := w.GetNode(id); n != nil && n.RetryPolicy != nil {
		return n.RetryPolicy
	}
	return w.Config.RetryPolicy
}
