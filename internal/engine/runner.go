package engine

import (
	"context"
	"time"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/pkg/schema"
)

// RunOptions carries the per-pass details a workflow runner needs.
type RunOptions struct {
	Session  browser.Session
	Viewport schema.ViewportSpec
	// Label is the node id, prefixed with the viewport when several are configured.
	Label string
}

// StepResult is one step inside a workflow, as reported by the runner.
type StepResult struct {
	Name     string            `json:"name"`
	Status   schema.NodeStatus `json:"status"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// WorkflowResult is what a runner returns for one node.
type WorkflowResult struct {
	Status schema.NodeStatus `json:"status"`
	Steps  []StepResult      `json:"steps,omitempty"`
}

// WorkflowRunner executes one node's workflow file against the shared session.
// Implementations add created resources to rc.Ledger as a side effect.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, node *schema.WorkflowNode, rc *ExecutionContext, opts RunOptions) (*WorkflowResult, error)
}

// RunnerFunc adapts a function to WorkflowRunner.
type RunnerFunc func(ctx context.Context, node *schema.WorkflowNode, rc *ExecutionContext, opts RunOptions) (*WorkflowResult, error)

func (f RunnerFunc) RunWorkflow(ctx context.Context, node *schema.WorkflowNode, rc *ExecutionContext, opts RunOptions) (*WorkflowResult, error) {
	return f(ctx, node, rc, opts)
}
