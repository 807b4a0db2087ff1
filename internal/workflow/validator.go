package workflow

import (
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Validate runs every structural check on a definition in one pass and
// returns the aggregated failures, so authors see all problems at once
// instead of fixing them one by one.
//
// Checks, in order:
//   - name is non-empty
//   - node set is non-empty
//   - node IDs are set and unique
//   - connection endpoints name present nodes
//   - no self-loops
//   - the induced graph is acyclic
//   - every reference parameter names a present node
func Validate(w *Workflow) error {
	var v types.ValidationErrors

	if w == nil {
		v.Add(types.WORKFLOW_INVALID, "workflow cannot be nil")
		return v.ErrOrNil()
	}

	if w.Name == "" {
		v.Add(types.WORKFLOW_INVALID, "workflow name cannot be empty")
	}
	if len(w.Nodes) == 0 {
		v.Add(types.WORKFLOW_INVALID, "workflow must contain at least one node")
	}

	seen := make(map[types.NodeID]bool, len(w.Nodes))
	for i := range w.Nodes {
		node := &w.Nodes[i]
		if node.ID.IsZero() {
			v.Addf(types.WORKFLOW_INVALID, "node %d has no ID", i)
			continue
		}
		if seen[node.ID] {
			v.Addf(types.WORKFLOW_INVALID, "duplicate node ID %s", node.ID)
		}
		seen[node.ID] = true
	}

	for _, conn := range w.Connections {
		if !seen[conn.From] {
			v.Addf(types.WORKFLOW_NODE_NOT_FOUND, "connection references unknown source node %s", conn.From)
		}
		if !seen[conn.To] {
			v.Addf(types.WORKFLOW_NODE_NOT_FOUND, "connection references unknown destination node %s", conn.To)
		}
		if conn.From == conn.To && seen[conn.From] {
			v.Addf(types.WORKFLOW_CYCLE, "node %s connects to itself", conn.From)
		}
	}

	for i := range w.Nodes {
		node := &w.Nodes[i]
		for name, param := range node.Parameters {
			if param.Kind() != ParamReference {
				continue
			}
			target, _ := param.ReferenceTarget()
			if !seen[target] {
				v.Addf(types.WORKFLOW_NODE_NOT_FOUND,
					"node %s parameter %q references unknown node %s", node.ID, name, target)
			}
		}
	}

	// Cycle detection only makes sense over well-formed edges; skip it when
	// endpoints are already known to be broken.
	if !v.HasErrors() || allEndpointsPresent(w, seen) {
		if cycle := findCycle(w); len(cycle) > 0 {
			v.Addf(types.WORKFLOW_CYCLE, "cycle detected: %s", joinCycle(cycle))
		}
	}

	return v.ErrOrNil()
}

func allEndpointsPresent(w *Workflow, seen map[types.NodeID]bool) bool {
	for _, conn := range w.Connections {
		if !seen[conn.From] || !seen[conn.To] {
			return false
		}
	}
	return true
}

func joinCycle(cycle []types.NodeID) string {
	out := ""
	for i, id := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += id.String()
	}
	return out
}
