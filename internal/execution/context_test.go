package execution

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

func newTestContext(t *testing.T) (*ExecutionContext, []types.NodeID) {
	t.Helper()

	ids := []types.NodeID{types.NewNodeID(), types.NewNodeID()}
	def := &workflow.Workflow{
		ID:   types.NewWorkflowID(),
		Name: "ctx-test",
		Nodes: []workflow.Node{
			{ID: ids[0], Name: "first", ActionID: types.NewActionID()},
			{ID: ids[1], Name: "second", ActionID: types.NewActionID()},
		},
		Connections: []workflow.Connection{{From: ids[0], To: ids[1]}},
		Variables:   map[string]any{"region": "eu-west-1"},
	}
	scope := types.GlobalScope().WorkflowScope(def.ID).ExecutionScope(types.NewExecutionID())
	return NewExecutionContext(types.NewExecutionID(), def, scope, workflow.Budget{}), ids
}

func TestNewExecutionContextInitialState(t *testing.T) {
	ctx, ids := newTestContext(t)

	assert.Equal(t, StatusCreated, ctx.Status())
	for _, id := range ids {
		state, ok := ctx.NodeState(id)
		require.True(t, ok)
		assert.Equal(t, NodePending, state)
	}
	v, ok := ctx.Variable("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", v)
	assert.False(t, ctx.Token().IsCancelled())
}

func TestVariablesAreCopiedFromDefinition(t *testing.T) {
	ctx, _ := newTestContext(t)
	ctx.SetVariable("region", "us-east-1")
	// The definition's variable map must stay untouched.
	assert.Equal(t, "eu-west-1", ctx.Workflow().Variables["region"])
}

func TestTransitionStatus(t *testing.T) {
	ctx, _ := newTestContext(t)

	require.NoError(t, ctx.TransitionStatus(StatusRunning))
	require.NoError(t, ctx.TransitionStatus(StatusCompleted))
	assert.False(t, ctx.FinishedAt().IsZero())

	err := ctx.TransitionStatus(StatusRunning)
	require.Error(t, err)
	assert.Equal(t, types.KindTransition, types.KindOf(err))
}

func TestTransitionNode(t *testing.T) {
	ctx, ids := newTestContext(t)

	require.NoError(t, ctx.TransitionNode(ids[0], NodeReady))
	require.NoError(t, ctx.TransitionNode(ids[0], NodeRunning))
	require.NoError(t, ctx.TransitionNode(ids[0], NodeFailed))
	require.NoError(t, ctx.TransitionNode(ids[0], NodeRetrying))
	require.NoError(t, ctx.TransitionNode(ids[0], NodeRunning))
	require.NoError(t, ctx.TransitionNode(ids[0], NodeCompleted))

	assert.Error(t, ctx.TransitionNode(ids[0], NodeRunning))
	assert.Error(t, ctx.TransitionNode(types.NewNodeID(), NodeReady))
}

func TestOutputsAreWriteOnce(t *testing.T) {
	ctx, ids := newTestContext(t)
	out := &NodeOutput{NodeID: ids[0], State: NodeCompleted, Inline: json.RawMessage(`{"ok":true}`), Bytes: 11}

	require.NoError(t, ctx.SetOutput(ids[0], out))
	err := ctx.SetOutput(ids[0], out)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	got, ok := ctx.Output(ids[0])
	require.True(t, ok)
	assert.Equal(t, out, got)
	assert.Len(t, ctx.Outputs(), 1)
}

func TestCancelSetsTokenAndStatus(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.TransitionStatus(StatusRunning))
	require.NoError(t, ctx.Cancel("user requested"))

	assert.Equal(t, StatusCancelling, ctx.Status())
	assert.True(t, ctx.Token().IsCancelled())
	assert.Equal(t, "user requested", ctx.Token().Reason())

	err := ctx.Token().CheckCancelled()
	require.Error(t, err)
	assert.True(t, types.IsCancelled(err))

	require.NoError(t, ctx.TransitionStatus(StatusCancelled))
}

func TestCancelBeforeRunningFails(t *testing.T) {
	ctx, _ := newTestContext(t)
	// Created -> Cancelling is not a legal move; the token stays clean.
	require.Error(t, ctx.Cancel("too early"))
	assert.False(t, ctx.Token().IsCancelled())
}
