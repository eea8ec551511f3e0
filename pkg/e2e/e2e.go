// Package e2e is the library entry point for running a pipeline from another
// module. The caller supplies the WorkflowRunner that performs UI actions;
// e2ekit schedules nodes, drives viewports, tracks what the run created and
// cleans it up.
//
//	report, err := e2e.Run(ctx, e2e.Options{
//		Pipeline: p,
//		Runner:   myRunner,
//		Sessions: &e2e.ChromeFactory{Headless: true},
//		Tracking: e2e.TrackingOptions{HTTP: true},
//	})
package e2e

import (
	"context"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/harness"
	"github.com/rendis/e2ekit/internal/intercept"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/internal/webserver"
)

// Run options and outcome.
type (
	Options          = harness.Options
	TrackingOptions  = harness.TrackingOptions
	InterceptOptions = harness.InterceptOptions
	Report           = harness.Report
	PipelineResult   = engine.PipelineResult
	NodeResult       = engine.NodeResult
	ServerConfig     = webserver.Config
	CleanupConfig    = cleanup.Config
	UpdatePolicy     = intercept.UpdatePolicy
	Store            = store.Store
	// Conditions evaluates node guards.
	Conditions = expressions.BoolEvaluator
)

// The workflow runner port.
type (
	WorkflowRunner   = engine.WorkflowRunner
	RunnerFunc       = engine.RunnerFunc
	ExecutionContext = engine.ExecutionContext
	RunOptions       = engine.RunOptions
	WorkflowResult   = engine.WorkflowResult
	StepResult       = engine.StepResult
	Identity         = engine.Identity
)

// The browser port.
type (
	Session         = browser.Session
	SessionFactory  = browser.SessionFactory
	Response        = browser.Response
	ResponseHandler = browser.ResponseHandler
	ChromeFactory   = browser.ChromeFactory
)

const (
	UpdateOff   = intercept.UpdateOff
	UpdateOwned = intercept.UpdateOwned
	UpdateAll   = intercept.UpdateAll
)

// Variables seeded into every ExecutionContext.
const (
	VarSessionID    = harness.VarSessionID
	VarTrackingURL  = harness.VarTrackingURL
	VarTrackingFile = harness.VarTrackingFile
)

// Run executes opts.Pipeline and then finalises even when ctx is cancelled.
// Node failures are reported in Report.Pipeline, not as an error. The report
// is nil only when opts are invalid or the pipeline has a cycle.
func Run(ctx context.Context, opts Options) (*Report, error) {
	return harness.Run(ctx, opts)
}

// NewFileStore persists failed cleanups as JSON files under dir.
func NewFileStore(dir string) Store {
	return store.NewFileStore(dir, nil)
}

// NewCELConditions evaluates node conditions as CEL expressions.
func NewCELConditions() (Conditions, error) {
	e, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return e, nil
}
