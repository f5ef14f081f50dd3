package engine

import (
	"github.com/chainflow-ai/chainflow/internal/flow"
)

// plannedTask is one node scheduled for a run, with its computed priority
// and dependency list.
type plannedTask struct {
	node     *flow.Node
	priority int
	deps     []string
}

// planTasks orders a flow definition for the queue. Nodes reachable from an
// in-degree-0 start node form the connected phase, enqueued first in
// topological order; everything else is the isolated phase. Priority is a
// kind base plus a rank so topologically earlier nodes win ties.
func planTasks(def *flow.Definition) []plannedTask {
	deps := flow.Dependencies(def.Edges)
	inDegree, adjacency := buildGraph(def)
	connected := connectedSet(def.Nodes, inDegree, adjacency)
	topo := topoOrder(def.Nodes, inDegree, adjacency)

	inTopo := make(map[string]bool, len(topo))
	for _, id := range topo {
		inTopo[id] = true
	}

	var connectedPhase []string
	for _, id := range topo {
		if connected[id] {
			connectedPhase = append(connectedPhase, id)
		}
	}
	// Connected nodes trapped in a cycle never reach the topological order;
	// enqueue them anyway so they surface as unrunnable instead of vanishing.
	for _, node := range def.Nodes {
		if connected[node.ID] && !inTopo[node.ID] {
			connectedPhase = append(connectedPhase, node.ID)
		}
	}

	var isolatedPhase []string
	for _, node := range def.Nodes {
		if !connected[node.ID] {
			isolatedPhase = append(isolatedPhase, node.ID)
		}
	}

	tasks := make([]plannedTask, 0, len(def.Nodes))
	for i, id := range connectedPhase {
		node, _ := def.NodeByID(id)
		tasks = append(tasks, plannedTask{
			node:     node,
			priority: priorityBase(node.Kind, true) + len(connectedPhase) - i,
			deps:     deps[id],
		})
	}
	for i, id := range isolatedPhase {
		node, _ := def.NodeByID(id)
		tasks = append(tasks, plannedTask{
			node:     node,
			priority: priorityBase(node.Kind, false) + len(isolatedPhase) - i,
			deps:     deps[id],
		})
	}
	return tasks
}

// priorityBase returns the scheduling tier for a node kind. Triggers run
// before inputs, inputs before everything else; nodes cut off from any
// start node sit below all connected work.
func priorityBase(kind string, connected bool) int {
	switch kind {
	case flow.KindTrigger:
		if connected {
			return 2000
		}
		return 900
	case flow.KindInput:
		if connected {
			return 1800
		}
		return 800
	default:
		if connected {
			return 1200
		}
		return 400
	}
}

// buildGraph derives in-degree counts and a successor adjacency list from
// the definition's edges, deduplicating parallel edges.
func buildGraph(def *flow.Definition) (map[string]int, map[string][]string) {
	inDegree := make(map[string]int, len(def.Nodes))
	adjacency := make(map[string][]string)
	for _, node := range def.Nodes {
		inDegree[node.ID] = 0
	}

	seen := make(map[string]bool, len(def.Edges))
	for _, edge := range def.Edges {
		key := edge.Source + "\x00" + edge.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		inDegree[edge.Target]++
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}
	return inDegree, adjacency
}

// connectedSet walks breadth-first from every in-degree-0 node.
func connectedSet(nodes []flow.Node, inDegree map[string]int, adjacency map[string][]string) map[string]bool {
	visited := make(map[string]bool, len(nodes))
	var frontier []string
	for _, node := range nodes {
		if inDegree[node.ID] == 0 {
			visited[node.ID] = true
			frontier = append(frontier, node.ID)
		}
	}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, succ := range adjacency[id] {
			if !visited[succ] {
				visited[succ] = true
				frontier = append(frontier, succ)
			}
		}
	}
	return visited
}

// topoOrder runs Kahn's algorithm. Members of cycles are omitted.
func topoOrder(nodes []flow.Node, inDegree map[string]int, adjacency map[string][]string) []string {
	degree := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		degree[id] = d
	}

	var ready []string
	for _, node := range nodes {
		if degree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range adjacency[id] {
			degree[succ]--
			if degree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return order
}
