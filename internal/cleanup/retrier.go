package cleanup

import (
	"context"
	"log/slog"

	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/pkg/schema"
)

// HandlerSources locates the handler files a retry overlays on the provider.
type HandlerSources struct {
	ProjectRoot  string
	Discovery    DiscoveryConfig
	HandlerFiles []string
	Loader       HandlerLoader
}

// Retrier re-runs persisted failed cleanups.
type Retrier struct {
	Store       store.Store
	Credentials CredentialLoader
	Providers   ProviderFactory
	Handlers    HandlerSources
	Retries     int
	Parallel    bool
	Logger      *slog.Logger
}

// RetryOutcome reports one record's retry.
type RetryOutcome struct {
	SessionID string                `json:"session_id"`
	Result    *schema.CleanupResult `json:"result,omitempty"`
	// Resolved is true when nothing is left and the record was removed.
	Resolved  bool   `json:"resolved"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func (r *Retrier) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Retry loads the record, rebuilds the provider with fresh credentials and
// deletes what is still pending. Full success removes the record; partial
// success rewrites it with only the outstanding resources.
func (r *Retrier) Retry(ctx context.Context, sessionID string) (*RetryOutcome, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	logger := logging.LogWith(ctx, r.logger())

	rec, err := r.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := &RetryOutcome{SessionID: sessionID}

	pending := make([]schema.TrackedResource, 0, len(rec.Resources))
	for _, res := range rec.Resources {
		if !res.Deleted {
			pending = append(pending, res)
		}
	}
	if len(pending) == 0 {
		out.Resolved = true
		return out, r.Store.Delete(ctx, sessionID)
	}

	loaded, err := r.Credentials.Load(ctx, rec.Provider)
	if err != nil {
		return nil, err
	}
	prov, err := r.Providers(ctx, rec.Provider, loaded)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "build provider %s", rec.Provider.Kind).WithCause(err)
	}
	defer func() {
		if cerr := prov.Close(); cerr != nil {
			logger.Debug("close provider", slog.String("error", cerr.Error()))
		}
	}()

	reg, err := BuildRegistry(ctx, BuildInput{
		ProjectRoot:  r.Handlers.ProjectRoot,
		Provider:     prov,
		Discovery:    r.Handlers.Discovery,
		HandlerFiles: r.Handlers.HandlerFiles,
		Loader:       r.Handlers.Loader,
		Logger:       r.Logger,
	})
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		Registry: reg,
		TypeMap:  ResolveTypeMap(prov.DefaultTypeMap(), rec.TypeMap),
		Parallel: r.Parallel,
		Retries:  r.Retries,
		Provider: rec.Provider,
		Logger:   r.Logger,
	}
	result, err := eng.Execute(ctx, pending, ExecOptions{SessionID: sessionID, SuppressPersist: true})
	out.Result = result
	if err != nil {
		return out, err
	}

	if result.Success {
		out.Resolved = true
		logger.Info("failed cleanup resolved", slog.Int("deleted", len(result.Deleted)))
		return out, r.Store.Delete(ctx, sessionID)
	}

	failed := make(map[string]bool, len(result.Failed))
	for _, k := range result.Failed {
		failed[k] = true
	}
	outstanding := make([]schema.TrackedResource, 0, len(result.Failed))
	for _, res := range pending {
		if failed[res.Key()] {
			outstanding = append(outstanding, res)
		}
	}
	rec.Resources = outstanding
	rec.Errors = result.ErrorStrings()
	out.Remaining = len(outstanding)
	if err := r.Store.Save(ctx, rec); err != nil {
		return out, err
	}
	logger.Info("failed cleanup partially resolved",
		slog.Int("deleted", len(result.Deleted)),
		slog.Int("remaining", out.Remaining),
	)
	return out, nil
}

// RetryAll retries every listed record, oldest first. Per-record errors are
// reported in the outcomes; unreadable records are logged and skipped.
func (r *Retrier) RetryAll(ctx context.Context) ([]*RetryOutcome, error) {
	recs, invalid, err := r.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range invalid {
		r.logger().Warn("skipping unreadable failed-cleanup record", slog.String("error", e.Error()))
	}

	outcomes := make([]*RetryOutcome, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return outcomes, schema.NewError(schema.ErrCodeCancelled, "retry cancelled").WithCause(err)
		}
		out, err := r.Retry(ctx, rec.SessionID)
		if out == nil {
			out = &RetryOutcome{SessionID: rec.SessionID, Remaining: len(rec.Resources)}
		}
		if err != nil {
			out.Error = err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
