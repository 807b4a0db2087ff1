package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func TestNewExecutionPlanLinear(t *testing.T) {
	def, ids := buildWorkflow(t, 3, [][2]int{{0, 1}, {1, 2}})
	execID := types.NewExecutionID()

	plan, err := NewExecutionPlan(execID, def, Budget{})
	require.NoError(t, err)

	assert.Equal(t, execID, plan.ExecutionID)
	assert.Equal(t, def.ID, plan.WorkflowID)
	assert.Equal(t, 3, plan.TotalNodes)
	require.Len(t, plan.ParallelGroups, 3)
	assert.Equal(t, []types.NodeID{ids[0]}, plan.ParallelGroups[0])
	assert.Equal(t, []types.NodeID{ids[1]}, plan.ParallelGroups[1])
	assert.Equal(t, []types.NodeID{ids[2]}, plan.ParallelGroups[2])
	assert.Equal(t, []types.NodeID{ids[0]}, plan.EntryNodes)
	assert.Equal(t, []types.NodeID{ids[2]}, plan.ExitNodes)
}

func TestNewExecutionPlanDiamond(t *testing.T) {
	def, ids := buildWorkflow(t, 4, [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}})

	plan, err := NewExecutionPlan(types.NewExecutionID(), def, Budget{})
	require.NoError(t, err)

	require.Len(t, plan.ParallelGroups, 3)
	assert.Len(t, plan.ParallelGroups[0], 1)
	assert.Len(t, plan.ParallelGroups[1], 2)
	assert.Len(t, plan.ParallelGroups[2], 1)
	assert.Equal(t, 1, plan.LevelOf(ids[1]))
	assert.Equal(t, 2, plan.LevelOf(ids[3]))
	assert.Equal(t, -1, plan.LevelOf(types.NewNodeID()))
}

func TestNewExecutionPlanRejectsInvalid(t *testing.T) {
	def, _ := buildWorkflow(t, 2, [][2]int{{0, 1}, {1, 0}})
	_, err := NewExecutionPlan(types.NewExecutionID(), def, Budget{})
	assert.Error(t, err)
}

func TestPlanIsSerializable(t *testing.T) {
	def, _ := buildWorkflow(t, 3, [][2]int{{0, 1}, {0, 2}})
	plan, err := NewExecutionPlan(types.NewExecutionID(), def, Budget{MaxConcurrency: 4})
	require.NoError(t, err)

	data, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded ExecutionPlan
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plan.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, plan.ParallelGroups, decoded.ParallelGroups)
	assert.Equal(t, 4, decoded.Budget.MaxConcurrency)
}

func TestBudgetInlineLimit(t *testing.T) {
	assert.Equal(t, DefaultInlineOutputLimit, Budget{}.EffectiveInlineLimit())
	assert.Equal(t, int64(128), Budget{InlineOutputLimit: 128}.EffectiveInlineLimit())
}
