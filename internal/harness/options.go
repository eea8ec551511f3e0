package harness

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/intercept"
	"github.com/rendis/e2ekit/internal/providers"
	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/internal/validation"
	"github.com/rendis/e2ekit/internal/webserver"
	"github.com/rendis/e2ekit/pkg/reporter"
	"github.com/rendis/e2ekit/pkg/schema"
)

// DefaultFinalizeTimeout bounds finalisation after the pipeline returns.
const DefaultFinalizeTimeout = 2 * time.Minute

// TrackingOptions selects the tracking channels of a run.
type TrackingOptions struct {
	HTTP bool
	// FileDir enables the file channel.
	FileDir string
	// Attach reads channels another process opened instead of opening new
	// ones. They are never torn down by this run.
	Attach *reporter.Env
}

// InterceptOptions configures the network observer.
type InterceptOptions struct {
	// Rules names a built-in rule table; empty disables the observer.
	Rules        string
	UpdatePolicy intercept.UpdatePolicy
}

// ProviderOpener opens the cleanup backend.
type ProviderOpener func(ctx context.Context, cfg schema.ProviderConfig, creds secrets.Credentials) (provider.Provider, error)

// Options configures one run.
type Options struct {
	// SessionID defaults to a random UUID.
	SessionID string
	Pipeline  *schema.Pipeline
	Runner    engine.WorkflowRunner
	Sessions  browser.SessionFactory
	// Conditions evaluates node guards; required only when a node has one.
	Conditions expressions.BoolEvaluator

	// Server, when set, is started (or reused) before the first node.
	Server *webserver.Config
	// ServerManager defaults to webserver.Shared.
	ServerManager *webserver.Manager

	Tracking  TrackingOptions
	Intercept InterceptOptions

	Cleanup      cleanup.Config
	ProjectRoot  string
	Credentials  cleanup.CredentialLoader
	OpenProvider ProviderOpener
	Handlers     cleanup.HandlerLoader
	// Store receives failed cleanups; nil keeps them in the report only.
	Store     store.Store
	Validator *validation.Validator

	FinalizeTimeout time.Duration
	Logger          *slog.Logger
}

func (o Options) validate() error {
	switch {
	case o.Pipeline == nil:
		return schema.NewError(schema.ErrCodeValidation, "run requires a pipeline")
	case o.Runner == nil:
		return schema.NewError(schema.ErrCodeValidation, "run requires a workflow runner")
	case o.Sessions == nil:
		return schema.NewError(schema.ErrCodeValidation, "run requires a browser session factory")
	}
	return o.Cleanup.Provider.Validate()
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ServerManager == nil {
		o.ServerManager = webserver.Shared()
	}
	if o.Credentials == nil {
		o.Credentials = secrets.NewLoader()
	}
	if o.OpenProvider == nil {
		logger := o.Logger
		o.OpenProvider = func(ctx context.Context, cfg schema.ProviderConfig, creds secrets.Credentials) (provider.Provider, error) {
			return providers.New(ctx, cfg, creds, logger)
		}
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return o
}
