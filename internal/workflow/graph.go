package workflow

import (
	"sort"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Graph is the dependency graph derived from a validated workflow
// definition: forward adjacency (successors) and reverse adjacency
// (predecessors). Entry nodes have no predecessors; exit nodes have no
// successors.
type Graph struct {
	def   *Workflow
	nodes []types.NodeID
	succ  map[types.NodeID][]types.NodeID
	pred  map[types.NodeID][]types.NodeID
}

// NewGraph validates the definition and builds its dependency graph.
// Validation failures are returned aggregated (see Validate).
func NewGraph(def *Workflow) (*Graph, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	return newGraphUnchecked(def), nil
}

// newGraphUnchecked builds adjacency without validating. Used internally by
// cycle detection, which runs before a definition is known to be acyclic.
func newGraphUnchecked(def *Workflow) *Graph {
	g := &Graph{
		def:   def,
		nodes: make([]types.NodeID, 0, len(def.Nodes)),
		succ:  make(map[types.NodeID][]types.NodeID, len(def.Nodes)),
		pred:  make(map[types.NodeID][]types.NodeID, len(def.Nodes)),
	}
	for i := range def.Nodes {
		id := def.Nodes[i].ID
		g.nodes = append(g.nodes, id)
		g.succ[id] = nil
		g.pred[id] = nil
	}
	for _, conn := range def.Connections {
		g.succ[conn.From] = append(g.succ[conn.From], conn.To)
		g.pred[conn.To] = append(g.pred[conn.To], conn.From)
	}
	return g
}

// Definition returns the workflow the graph was derived from.
func (g *Graph) Definition() *Workflow { return g.def }

// Successors returns the direct successors of a node.
func (g *Graph) Successors(id types.NodeID) []types.NodeID { return g.succ[id] }

// Predecessors returns the direct predecessors of a node.
func (g *Graph) Predecessors(id types.NodeID) []types.NodeID { return g.pred[id] }

// EntryNodes returns all nodes with no predecessors, sorted.
func (g *Graph) EntryNodes() []types.NodeID {
	var out []types.NodeID
	for _, id := range g.nodes {
		if len(g.pred[id]) == 0 {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out
}

// ExitNodes returns all nodes with no successors, sorted.
func (g *Graph) ExitNodes() []types.NodeID {
	var out []types.NodeID
	for _, id := range g.nodes {
		if len(g.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out
}

// HasCycle reports whether the graph contains a cycle, using an iterative
// three-color depth-first search. Any edge into a gray (in-progress) node
// is a back edge and therefore a cycle.
func (g *Graph) HasCycle() bool {
	return len(g.findCycle()) > 0
}

// dfs colors for cycle detection.
const (
	white = 0 // unvisited
	gray  = 1 // on the current DFS path
	black = 2 // fully explored
)

// findCycle returns the node IDs forming a cycle, or nil.
func (g *Graph) findCycle() []types.NodeID {
	color := make(map[types.NodeID]int, len(g.nodes))
	parent := make(map[types.NodeID]types.NodeID, len(g.nodes))

	type frame struct {
		id   types.NodeID
		next int
	}

	for _, start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succs := g.succ[top.id]
			if top.next < len(succs) {
				next := succs[top.next]
				top.next++
				switch color[next] {
				case white:
					color[next] = gray
					parent[next] = top.id
					stack = append(stack, frame{id: next})
				case gray:
					// Back edge: reconstruct the cycle path.
					cycle := []types.NodeID{next}
					for cur := top.id; cur != next; cur = parent[cur] {
						cycle = append([]types.NodeID{cur}, cycle...)
					}
					return append([]types.NodeID{next}, cycle...)
				}
			} else {
				color[top.id] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// findCycle is the validator's entry point: it builds unchecked adjacency
// and looks for a cycle.
func findCycle(def *Workflow) []types.NodeID {
	return newGraphUnchecked(def).findCycle()
}

// TopologicalSort returns a linear extension of the dependency partial
// order using Kahn's algorithm. Returns an error if the graph is cyclic.
func (g *Graph) TopologicalSort() ([]types.NodeID, error) {
	inDegree := make(map[types.NodeID]int, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = len(g.pred[id])
	}

	var queue []types.NodeID
	for _, id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sortNodeIDs(queue)

	result := make([]types.NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, next := range g.succ[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, types.NewError(types.KindValidation, types.WORKFLOW_CYCLE,
			"cannot sort topologically: cycle detected")
	}
	return result, nil
}

// ComputeLevels partitions the nodes into maximal antichains by longest
// path from an entry: level(v) = 1 + max(level(preds)), 0 for entries.
// Nodes sharing a level have no dependency relationship and may run
// concurrently. Fails if the graph is cyclic.
//
// For every edge u->v the result satisfies level(u) < level(v), and the
// union of all groups is exactly the node set.
func (g *Graph) ComputeLevels() ([][]types.NodeID, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	level := make(map[types.NodeID]int, len(g.nodes))
	maxLevel := 0
	for _, id := range order {
		l := 0
		for _, p := range g.pred[id] {
			if level[p]+1 > l {
				l = level[p] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	groups := make([][]types.NodeID, maxLevel+1)
	for _, id := range order {
		l := level[id]
		groups[l] = append(groups[l], id)
	}
	for _, group := range groups {
		sortNodeIDs(group)
	}
	return groups, nil
}

func sortNodeIDs(ids []types.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
