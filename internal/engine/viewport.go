package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/pkg/schema"
)

// SessionObserver watches a session's traffic. Install must be idempotent per session.
type SessionObserver interface {
	Install(s browser.Session)
}

// ViewportController runs one scheduler pass per configured viewport,
// recreating the browser session between sizes while the ExecutionContext
// carries over.
type ViewportController struct {
	Scheduler *Scheduler
	Sessions  browser.SessionFactory
	// Observer is optional.
	Observer SessionObserver
	Logger   *slog.Logger
}

// Run executes every viewport pass. The first pass reuses current (opening one
// when nil). The returned session is the live one; the caller closes it.
func (c *ViewportController) Run(ctx context.Context, plan *Plan, rc *ExecutionContext, current browser.Session) (*PipelineResult, browser.Session, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sizes, err := plan.Viewports()
	if err != nil {
		return nil, current, err
	}

	overall := &PipelineResult{Status: schema.NodeStatusPassed, Nodes: []NodeResult{}}
	session := current

	for i, vp := range sizes {
		if err := ctx.Err(); err != nil {
			return overall, session, schema.NewError(schema.ErrCodeCancelled, "run cancelled between viewports").WithCause(err)
		}

		if i > 0 || session == nil {
			if session != nil {
				if err := session.Close(); err != nil {
					logger.WarnContext(ctx, "closing session failed", "error", err)
				}
				session = nil
			}
			session, err = c.Sessions.Open(ctx, vp)
			if err != nil {
				overall.Status = schema.NodeStatusFailed
				return overall, nil, fmt.Errorf("open session at %s: %w", vp, err)
			}
		}
		if c.Observer != nil {
			c.Observer.Install(session)
		}

		label := ""
		if len(sizes) > 1 {
			label = vp.String()
		}
		vctx := logging.WithViewport(ctx, vp.String())
		logging.LogWith(vctx, logger).Info("viewport pass started", "width", vp.Width, "height", vp.Height)

		pass := c.Scheduler.Run(vctx, plan, rc, RunOptions{Session: session, Viewport: vp, Label: label})
		overall.Nodes = append(overall.Nodes, pass.Nodes...)
		if pass.Status == schema.NodeStatusFailed {
			overall.Status = schema.NodeStatusFailed
		}
		if pass.Stopped {
			overall.Stopped = true
		}
	}
	return overall, session, nil
}
