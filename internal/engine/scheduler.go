package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Skip and failure reasons recorded on NodeResult.
const (
	ReasonStopped      = "stopped by previous failure"
	ReasonCancelled    = "cancelled"
	ReasonConditionMet = "condition not met"
)

// NodeResult is the outcome of one node in one pass.
type NodeResult struct {
	NodeID   string            `json:"node_id"`
	Label    string            `json:"label"`
	Status   schema.NodeStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Duration time.Duration     `json:"duration"`
	Steps    []StepResult      `json:"steps,omitempty"`
}

// PipelineResult is the outcome of one or more scheduler passes.
type PipelineResult struct {
	Status  schema.NodeStatus `json:"status"`
	Nodes   []NodeResult      `json:"nodes"`
	Stopped bool              `json:"stopped"`
}

// Node returns the result for label, or nil.
func (r *PipelineResult) Node(label string) *NodeResult {
	for i := range r.Nodes {
		if r.Nodes[i].Label == label {
			return &r.Nodes[i]
		}
	}
	return nil
}

// Counts returns passed, failed and skipped totals.
func (r *PipelineResult) Counts() (passed, failed, skipped int) {
	for _, n := range r.Nodes {
		switch n.Status {
		case schema.NodeStatusPassed:
			passed++
		case schema.NodeStatusFailed:
			failed++
		case schema.NodeStatusSkipped:
			skipped++
		}
	}
	return passed, failed, skipped
}

// Scheduler runs a plan's nodes strictly sequentially against one session.
type Scheduler struct {
	runner     WorkflowRunner
	conditions expressions.BoolEvaluator
	logger     *slog.Logger
}

// NewScheduler creates a scheduler. conditions may be nil when no node uses a Condition.
func NewScheduler(runner WorkflowRunner, conditions expressions.BoolEvaluator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, conditions: conditions, logger: logger}
}

// Run executes plan in order. Dependency and node failures are resolved by
// each node's effective policy and never returned as errors.
func (s *Scheduler) Run(ctx context.Context, plan *Plan, rc *ExecutionContext, opts RunOptions) *PipelineResult {
	rc.SeedVars(plan.Pipeline.Variables)

	result := &PipelineResult{Status: schema.NodeStatusPassed, Nodes: make([]NodeResult, 0, len(plan.Order))}
	failed := make(map[string]bool)
	skipped := make(map[string]bool)
	prefix := opts.Label

	for _, id := range plan.Order {
		node := plan.Nodes[id]
		nr := NodeResult{NodeID: id, Label: id}
		if prefix != "" {
			nr.Label = prefix + "/" + id
		}

		nodeOpts := opts
		nodeOpts.Label = nr.Label
		s.runNode(ctx, plan, node, rc, nodeOpts, &nr, failed, skipped, &result.Stopped)

		switch nr.Status {
		case schema.NodeStatusFailed:
			failed[id] = true
			result.Status = schema.NodeStatusFailed
		case schema.NodeStatusSkipped:
			skipped[id] = true
		}
		result.Nodes = append(result.Nodes, nr)
	}
	return result
}

func (s *Scheduler) runNode(ctx context.Context, plan *Plan, node *schema.WorkflowNode, rc *ExecutionContext,
	opts RunOptions, nr *NodeResult, failed, skipped map[string]bool, stop *bool) {
	nctx := logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(nctx, s.logger)
	policy := plan.Policy(node.ID)

	if ctx.Err() != nil {
		nr.Status, nr.Reason = schema.NodeStatusSkipped, ReasonCancelled
		return
	}
	if *stop {
		nr.Status, nr.Reason = schema.NodeStatusSkipped, ReasonStopped
		return
	}

	if dep, how := blockedBy(plan.Edges[node.ID], failed, skipped); dep != "" {
		reason := fmt.Sprintf("dependency %s %s", dep, how)
		switch policy {
		case schema.FailurePolicyFail:
			nr.Status, nr.Reason = schema.NodeStatusFailed, reason
			*stop = true
			log.Warn("dependency unmet, stopping pipeline", "dependency", dep)
			return
		case schema.FailurePolicyIgnore:
			log.Info("dependency unmet, running anyway", "dependency", dep)
		default:
			nr.Status, nr.Reason = schema.NodeStatusSkipped, reason
			log.Info("dependency unmet, skipping", "dependency", dep)
			return
		}
	}

	if node.Condition != "" {
		ok, err := s.evalCondition(nctx, node.Condition, rc, opts.Viewport)
		if err != nil {
			nr.Status, nr.Reason = schema.NodeStatusFailed, err.Error()
			if policy == schema.FailurePolicyFail {
				*stop = true
			}
			return
		}
		if !ok {
			nr.Status, nr.Reason = schema.NodeStatusSkipped, ReasonConditionMet
			return
		}
	}

	rc.MergeVars(node.Variables)

	start := time.Now()
	log.Info("node started", "file", node.File)
	res, err := s.runner.RunWorkflow(nctx, node, rc, opts)
	nr.Duration = time.Since(start)

	switch {
	case err != nil:
		nr.Status, nr.Reason = schema.NodeStatusFailed, err.Error()
	case res == nil:
		nr.Status, nr.Reason = schema.NodeStatusFailed, "runner returned no result"
	default:
		nr.Steps = res.Steps
		switch res.Status {
		case schema.NodeStatusPassed:
			nr.Status = schema.NodeStatusPassed
		case schema.NodeStatusSkipped:
			nr.Status, nr.Reason = schema.NodeStatusSkipped, "skipped by runner"
		default:
			nr.Status, nr.Reason = schema.NodeStatusFailed, firstStepError(res.Steps)
		}
	}

	if nr.Status == schema.NodeStatusFailed {
		log.Warn("node failed", "reason", nr.Reason, "policy", string(policy))
		if policy == schema.FailurePolicyFail {
			*stop = true
		}
		return
	}
	log.Info("node finished", "status", string(nr.Status), "duration", nr.Duration)
}

func (s *Scheduler) evalCondition(ctx context.Context, expr string, rc *ExecutionContext, vp schema.ViewportSpec) (bool, error) {
	if s.conditions == nil {
		return false, schema.NewError(schema.ErrCodeExpression, "node has a condition but no condition engine is configured")
	}
	return s.conditions.EvalBool(ctx, expr, rc.conditionData(vp.String()))
}

// blockedBy returns the first dependency (in declaration order) that failed or was skipped.
func blockedBy(deps []string, failed, skipped map[string]bool) (string, string) {
	for _, dep := range deps {
		if failed[dep] {
			return dep, "failed"
		}
		if skipped[dep] {
			return dep, "skipped"
		}
	}
	return "", ""
}

func firstStepError(steps []StepResult) string {
	for _, st := range steps {
		if st.Status == schema.NodeStatusFailed && st.Error != "" {
			return st.Name + ": " + st.Error
		}
	}
	return "workflow failed"
}
