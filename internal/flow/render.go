package flow

import (
	"fmt"
	"strings"
)

// Step ties a rendered step index to its node
type Step struct {
	Index  int
	NodeID string
}

// Script is the compact prompt form of a graph
type Script struct {
	Text  string
	Steps []Step
}

// NodeForStep maps a step index back to a node id
func (s *Script) NodeForStep(index int) (string, bool) {
	for _, st := range s.Steps {
		if st.Index == index {
			return st.NodeID, true
		}
	}
	return "", false
}

// Render walks the graph breadth-first from the start node and writes one
// numbered step per reachable node with its captured answer, visit count and
// outcome branches. Each node is emitted once; edges back to an emitted node
// point at its step number instead of re-expanding it. current marks the
// last completed node.
func Render(g *Graph, bindings map[string]string, current string) *Script {
	start := g.Start()
	if start == nil {
		return &Script{}
	}

	// first pass assigns step numbers in BFS order
	order := []*Node{start}
	steps := map[string]int{start.ID: 1}
	for i := 0; i < len(order); i++ {
		for _, child := range g.Children(order[i].ID) {
			if _, seen := steps[child.ID]; seen {
				continue
			}
			steps[child.ID] = len(order) + 1
			order = append(order, child)
		}
	}

	var b strings.Builder
	script := &Script{Steps: make([]Step, 0, len(order))}
	for _, n := range order {
		idx := steps[n.ID]
		script.Steps = append(script.Steps, Step{Index: idx, NodeID: n.ID})

		fmt.Fprintf(&b, "[%d] %s: %s", idx, n.Type, strings.TrimSpace(n.Description))
		if n.ID == current {
			b.WriteString(" (last completed)")
		}
		b.WriteByte('\n')

		if v, ok := bindings[n.ID]; ok && v != "" {
			fmt.Fprintf(&b, "    answer: %q\n", v)
		}
		if n.Visits > 0 {
			fmt.Fprintf(&b, "    visited: %d\n", n.Visits)
		}
		if n.IsTransfer() {
			b.WriteString("    transfers the caller\n")
		}

		edges := g.OutgoingEdges(n.ID)
		if len(edges) == 0 {
			continue
		}
		branches := make([]string, 0, len(edges))
		for _, e := range edges {
			if e.Outcome != "" {
				branches = append(branches, fmt.Sprintf("%q -> [%d]", e.Outcome, steps[e.Target]))
			} else {
				branches = append(branches, fmt.Sprintf("-> [%d]", steps[e.Target]))
			}
		}
		fmt.Fprintf(&b, "    next: %s\n", strings.Join(branches, "; "))
	}

	script.Text = b.String()
	return script
}
