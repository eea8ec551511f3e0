// Package harness runs a pipeline end to end: tracking channels, the
// application server, the viewport passes and, whatever happened, cleanup of
// everything the run created.
package harness

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/internal/intercept"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/internal/tracking"
	"github.com/rendis/e2ekit/internal/webserver"
	"github.com/rendis/e2ekit/pkg/reporter"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Variables a run seeds for its workflows.
const (
	VarSessionID    = "session_id"
	VarTrackingURL  = "tracking_url"
	VarTrackingFile = "tracking_file"
)

// Report is the outcome of a run.
type Report struct {
	SessionID      string                 `json:"session_id"`
	Pipeline       *engine.PipelineResult `json:"pipeline,omitempty"`
	Cleanup        *schema.CleanupResult  `json:"cleanup"`
	Reconciled     []string               `json:"reconciled,omitempty"`
	CleanupSummary string                 `json:"cleanup_summary"`
}

// ownership lists what this run started. Only these are released.
type ownership struct {
	tracking *tracking.Channels
	server   *webserver.Manager
}

type run struct {
	opts     Options
	plan     *engine.Plan
	rc       *engine.ExecutionContext
	started  time.Time
	channels *tracking.Channels
	report   *Report
	logger   *slog.Logger
}

// Run executes the pipeline and then finalises: the browser session is
// closed, reported resources are merged into the ledger, cleanup runs, and
// the tracking channels and server are released if this run owns them.
// Finalisation ignores ctx cancellation and is bounded by FinalizeTimeout.
//
// A returned error is fatal to the run (invalid input, cycle, server start
// failure); node failures are only in Report.Pipeline. Except for invalid
// input and cycles, the report is non-nil even when an error is returned.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	plan, err := engine.BuildPlan(opts.Pipeline)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	sid := opts.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	ctx = logging.WithSessionID(ctx, sid)

	r := &run{
		opts:    opts,
		plan:    plan,
		rc:      engine.NewExecutionContext(sid),
		started: time.Now().UTC(),
		report:  &Report{SessionID: sid},
		logger:  logging.LogWith(ctx, opts.Logger),
	}
	r.logger.Info("run started", slog.String("pipeline", plan.Pipeline.Name), slog.Int("nodes", len(plan.Order)))

	var own ownership
	session, runErr := r.execute(ctx, &own)
	if runErr != nil {
		r.logger.Error("run aborted", slog.String("error", runErr.Error()))
	}
	r.finalize(ctx, own, session)
	return r.report, runErr
}

func (r *run) execute(ctx context.Context, own *ownership) (browser.Session, error) {
	ch, err := r.openTracking()
	if err != nil {
		return nil, err
	}
	r.channels = ch
	if ch.Owned() {
		own.tracking = ch
	}
	env := ch.Env()
	r.seedVars(env)

	if r.opts.Server != nil {
		cfg := *r.opts.Server
		cfg.Env = append(append([]string(nil), cfg.Env...), env.Environ()...)
		h, err := r.opts.ServerManager.Start(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if h.Owned {
			own.server = r.opts.ServerManager
		}
		r.logger.Info("application server ready",
			slog.String("url", h.URL),
			slog.Bool("owned", h.Owned),
			slog.Bool("external", h.External),
		)
	}

	vc := &engine.ViewportController{
		Scheduler: engine.NewScheduler(r.opts.Runner, r.opts.Conditions, r.opts.Logger),
		Sessions:  r.opts.Sessions,
		Logger:    r.opts.Logger,
	}
	if rules := intercept.RulesFor(r.opts.Intercept.Rules); len(rules) > 0 {
		vc.Observer = intercept.NewObserver(intercept.Config{
			Rules:        rules,
			Ledger:       r.rc.Ledger,
			Identity:     func() string { return r.rc.Identity().UserID },
			UpdatePolicy: r.opts.Intercept.UpdatePolicy,
			Logger:       r.opts.Logger,
		})
	}

	result, session, err := vc.Run(ctx, r.plan, r.rc, nil)
	r.report.Pipeline = result
	if result != nil {
		passed, failed, skipped := result.Counts()
		r.logger.Info("pipeline finished",
			slog.String("status", string(result.Status)),
			slog.Int("passed", passed),
			slog.Int("failed", failed),
			slog.Int("skipped", skipped),
		)
	}
	return session, err
}

func (r *run) openTracking() (*tracking.Channels, error) {
	if env := r.opts.Tracking.Attach; env != nil && !env.Inert() {
		attached := *env
		if attached.SessionID == "" {
			attached.SessionID = r.rc.SessionID
		}
		return tracking.Attach(attached, r.opts.Logger), nil
	}
	return tracking.Open(tracking.Options{
		SessionID: r.rc.SessionID,
		HTTP:      r.opts.Tracking.HTTP,
		FileDir:   r.opts.Tracking.FileDir,
		Validator: r.opts.Validator,
		Logger:    r.opts.Logger,
	})
}

func (r *run) seedVars(env reporter.Env) {
	vars := map[string]any{VarSessionID: r.rc.SessionID}
	if env.URL != "" {
		vars[VarTrackingURL] = env.URL
	}
	if env.File != "" {
		vars[VarTrackingFile] = env.File
	}
	r.rc.MergeVars(vars)
}

func (r *run) finalize(parent context.Context, own ownership, session browser.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.FinalizeTimeout)
	defer cancel()

	if session != nil {
		if err := session.Close(); err != nil {
			r.logger.Warn("closing browser session failed", slog.String("error", err.Error()))
		}
	}

	if r.channels != nil {
		reported, err := r.channels.Collect(ctx)
		if err != nil {
			r.logger.Warn("tracking collection incomplete", slog.String("error", err.Error()))
		}
		added := r.rc.Ledger.Merge(reported...)
		r.logger.Debug("tracked resources merged", slog.Int("reported", len(reported)), slog.Int("new", added))
	}

	r.cleanup(ctx)
	r.report.CleanupSummary = cleanup.Summary(r.report.Cleanup, r.rc.SessionID)

	if own.tracking != nil {
		if err := own.tracking.Close(ctx); err != nil {
			r.logger.Warn("closing tracking channels failed", slog.String("error", err.Error()))
		}
	}
	if own.server != nil {
		if err := own.server.Stop(ctx); err != nil {
			r.logger.Warn("stopping application server failed", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("run finished", slog.Bool("cleanup_success", r.report.Cleanup.Success))
}
