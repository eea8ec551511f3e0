package engine

import (
	"strings"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Plan is the validated, ordered form of a pipeline. Built once per run and
// shared read-only by every viewport pass.
type Plan struct {
	Pipeline *schema.Pipeline
	Nodes    map[string]*schema.WorkflowNode // node ID → definition
	Index    map[string]int                  // node ID → source position
	Edges    map[string][]string             // node ID → dependencies
	Reverse  map[string][]string             // node ID → dependents
	Order    []string                        // topological order, source-order tie-break
	Levels   [][]string                      // nodes grouped by dependency depth
}

// BuildPlan assigns missing ids, validates references and orders the nodes
// with Kahn's algorithm. Among simultaneously eligible nodes the one declared
// first runs first, so identical input always yields the identical order.
// A cycle is reported before anything runs and names every unordered node.
func BuildPlan(p *schema.Pipeline) (*Plan, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline is nil")
	}
	if len(p.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no nodes")
	}

	norm := *p
	norm.Nodes = make([]schema.WorkflowNode, len(p.Nodes))
	copy(norm.Nodes, p.Nodes)

	plan := &Plan{
		Pipeline: &norm,
		Nodes:    make(map[string]*schema.WorkflowNode, len(norm.Nodes)),
		Index:    make(map[string]int, len(norm.Nodes)),
		Edges:    make(map[string][]string, len(norm.Nodes)),
		Reverse:  make(map[string][]string, len(norm.Nodes)),
	}

	issues := &schema.ValidationResult{}
	if !norm.OnFailure.Valid() {
		issues.Addf("on_failure", schema.ErrCodeValidation, "unknown on_failure policy %q", norm.OnFailure)
	}

	for i := range norm.Nodes {
		node := &norm.Nodes[i]
		if node.ID == "" {
			node.ID = schema.DefaultNodeID(i)
		}
		if _, dup := plan.Nodes[node.ID]; dup {
			issues.Addf(schema.NodePath(i, "id"), schema.ErrCodeValidation, "duplicate node id %q", node.ID)
			continue
		}
		if !node.OnFailure.Valid() {
			issues.Addf(schema.NodePath(i, "on_failure"), schema.ErrCodeValidation, "unknown on_failure policy %q", node.OnFailure)
		}
		plan.Nodes[node.ID] = node
		plan.Index[node.ID] = i
	}

	for i := range norm.Nodes {
		node := &norm.Nodes[i]
		if plan.Index[node.ID] != i {
			continue
		}
		seen := make(map[string]bool, len(node.DependsOn))
		deps := make([]string, 0, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if _, ok := plan.Nodes[dep]; !ok {
				issues.Addf(schema.NodePath(i, "depends_on"), schema.ErrCodeValidation,
					"node %s depends on unknown node %q", node.ID, dep)
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			plan.Reverse[dep] = append(plan.Reverse[dep], node.ID)
		}
		plan.Edges[node.ID] = deps
	}

	if err := issues.ToError(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(plan.Nodes))
	var ready []int
	for id := range plan.Nodes {
		inDegree[id] = len(plan.Edges[id])
		if inDegree[id] == 0 {
			ready = insertSorted(ready, plan.Index[id])
		}
	}

	order := make([]string, 0, len(plan.Nodes))
	for len(ready) > 0 {
		id := norm.Nodes[ready[0]].ID
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range plan.Reverse[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, plan.Index[dependent])
			}
		}
	}

	if len(order) < len(plan.Nodes) {
		var cyclic []string
		for i := range norm.Nodes {
			if inDegree[norm.Nodes[i].ID] > 0 {
				cyclic = append(cyclic, norm.Nodes[i].ID)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeDependencyCycle,
			"dependency cycle among nodes: %s", strings.Join(cyclic, ", ")).
			WithDetails(map[string]any{"nodes": cyclic})
	}

	plan.Order = order
	plan.Levels = computeLevels(plan)
	return plan, nil
}

// Policy returns the effective failure policy of a node: its own, else the
// pipeline default, else skip.
func (p *Plan) Policy(id string) schema.FailurePolicy {
	if n, ok := p.Nodes[id]; ok && n.OnFailure != "" {
		return n.OnFailure
	}
	if p.Pipeline.OnFailure != "" {
		return p.Pipeline.OnFailure
	}
	return schema.FailurePolicySkip
}

// Viewports returns the resolved viewport list, defaulting to desktop.
func (p *Plan) Viewports() ([]schema.ViewportSpec, error) {
	if len(p.Pipeline.Viewports) == 0 {
		return []schema.ViewportSpec{schema.DefaultViewport}, nil
	}
	out := make([]schema.ViewportSpec, 0, len(p.Pipeline.Viewports))
	for _, v := range p.Pipeline.Viewports {
		r, err := v.Resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// computeLevels groups nodes by dependency depth. Informational only; nodes
// never run concurrently.
func computeLevels(plan *Plan) [][]string {
	depth := make(map[string]int, len(plan.Order))
	maxLevel := 0
	for _, id := range plan.Order {
		d := 0
		for _, dep := range plan.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range plan.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// insertSorted inserts v into the ascending slice s with an insertion step.
// Ready queues stay small so this beats a heap.
func insertSorted(s []int, v int) []int {
	s = append(s, v)
	j := len(s) - 1
	for j > 0 && s[j-1] > v {
		s[j] = s[j-1]
		j--
	}
	s[j] = v
	return s
}
