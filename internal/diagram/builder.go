package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Build constructs a DiagramModel from a plan. When result is non-nil, node
// outcomes are overlaid; viewport picks which pass to show for multi-viewport
// runs (empty means the first pass recorded for each node).
func Build(plan *engine.Plan, result *engine.PipelineResult, viewport string) (*DiagramModel, error) {
	if plan == nil || plan.Pipeline == nil {
		return nil, fmt.Errorf("diagram: plan is nil")
	}
	statuses := overlays(result, viewport)

	nodes := make([]*Node, 0, len(plan.Order)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range plan.Order {
		n := plan.Nodes[id]
		node := &Node{ID: id, Label: nodeLabel(id, n), Kind: NodeKindFlow, Status: statuses[id]}
		if n.Condition != "" {
			node.Kind = NodeKindGuarded
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  plan.Pipeline.Name,
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}, nil
}

// nodeLabel is the node id followed by its flow file on a second line.
func nodeLabel(id string, n *schema.WorkflowNode) string {
	if n.File == "" || n.File == id {
		return id
	}
	return id + "\n" + n.File
}

// buildEdges links dependencies in plan order, roots to start and leaves to end.
func buildEdges(plan *engine.Plan) []Edge {
	var edges []Edge
	for _, id := range plan.Order {
		deps := plan.Edges[id]
		if len(deps) == 0 {
			edges = append(edges, Edge{From: StartID, To: id})
			continue
		}
		label := ""
		if p := plan.Policy(id); p != schema.FailurePolicySkip {
			label = string(p)
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id, Label: label})
		}
	}
	for _, id := range plan.Order {
		if len(plan.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func buildLevels(plan *engine.Plan) [][]string {
	levels := make([][]string, 0, len(plan.Levels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, plan.Levels...)
	levels = append(levels, []string{EndID})
	return levels
}

// overlays maps node ids to their outcome in the chosen viewport pass.
func overlays(result *engine.PipelineResult, viewport string) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	if result == nil {
		return out
	}
	for _, nr := range result.Nodes {
		if viewport != "" && nr.Label != nr.NodeID && !strings.HasPrefix(nr.Label, viewport+"/") {
			continue
		}
		if _, seen := out[nr.NodeID]; seen {
			continue
		}
		out[nr.NodeID] = &StatusOverlay{
			Status:     string(nr.Status),
			DurationMs: nr.Duration.Milliseconds(),
			Reason:     nr.Reason,
		}
	}
	return out
}
