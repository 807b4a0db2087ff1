package workflow

import (
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Budget bounds one execution's resource use. Zero values mean "no limit"
// except InlineOutputLimit, which falls back to DefaultInlineOutputLimit.
type Budget struct {
	// Timeout bounds the whole execution.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxConcurrency caps nodes running at once within a level.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// InlineOutputLimit is the byte threshold above which node outputs are
	// moved to external storage, keeping only a handle in memory.
	InlineOutputLimit int64 `json:"inline_output_limit,omitempty"`
}

// DefaultInlineOutputLimit is the inline payload threshold when the budget
// does not set one.
const DefaultInlineOutputLimit int64 = 64 << 10

// EffectiveInlineLimit returns the inline threshold to apply.
func (b Budget) EffectiveInlineLimit() int64 {
	if b.InlineOutputLimit > 0 {
		return b.InlineOutputLimit
	}
	return DefaultInlineOutputLimit
}

// ExecutionPlan is the precomputed levelization of a validated workflow:
// parallel groups ordered bottom-up by level, entry and exit sets, and the
// execution budget. Plans are pure serializable values.
type ExecutionPlan struct {
	ExecutionID    types.ExecutionID  `json:"execution_id"`
	WorkflowID     types.WorkflowID   `json:"workflow_id"`
	ParallelGroups [][]types.NodeID   `json:"parallel_groups"`
	EntryNodes     []types.NodeID     `json:"entry_nodes"`
	ExitNodes      []types.NodeID     `json:"exit_nodes"`
	TotalNodes     int                `json:"total_nodes"`
	Budget         Budget             `json:"budget"`
	CreatedAt      time.Time          `json:"created_at"`
}

// NewExecutionPlan validates the workflow, computes its levels, and
// records entry/exit sets and totals.
func NewExecutionPlan(execID types.ExecutionID, def *Workflow, budget Budget) (*ExecutionPlan, error) {
	graph, err := NewGraph(def)
	if err != nil {
		return nil, err
	}
	groups, err := graph.ComputeLevels()
	if err != nil {
		return nil, err
	}
	return &ExecutionPlan{
		ExecutionID:    execID,
		WorkflowID:     def.ID,
		ParallelGroups: groups,
		EntryNodes:     graph.EntryNodes(),
		ExitNodes:      graph.ExitNodes(),
		TotalNodes:     len(def.Nodes),
		Budget:         budget,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// LevelOf returns the level index of a node in the plan, or -1.
func (p *ExecutionPlan) LevelOf(id types.NodeID) int {
	for level, group := range p.ParallelGroups {
		for _, n := range group {
			if n == id {
				return level
			}
		}
	}
	return -1
}
