package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/e2ekit/internal/ledger"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/pkg/schema"
)

// DefaultConcurrency bounds parallel mode when Engine.Concurrency is unset.
const DefaultConcurrency = 8

// Engine deletes tracked resources through a handler registry.
type Engine struct {
	Registry *Registry
	// TypeMap maps a resource type to a handler name; see ResolveTypeMap.
	TypeMap map[string]string
	// Parallel deletes concurrently with no ordering guarantee.
	Parallel    bool
	Concurrency int
	// Retries is the number of immediate re-attempts after a failure.
	Retries int
	// Store receives a record when resources are left behind. Optional.
	Store store.Store
	// Provider is the identity written into failed-cleanup records.
	Provider schema.ProviderConfig
	Logger   *slog.Logger
}

// ExecOptions are per-call settings.
type ExecOptions struct {
	SessionID string
	// SuppressPersist skips writing a failed-cleanup record, e.g. during a retry.
	SuppressPersist bool
	// Ledger, when set, has successfully deleted entries marked deleted.
	Ledger *ledger.Ledger
}

// Execute deletes every non-deleted resource. The returned result is never
// nil; Success is exactly "nothing failed". The error is non-nil only for
// engine-level problems, which also count every resource as failed.
func (e *Engine) Execute(ctx context.Context, resources []schema.TrackedResource, opts ExecOptions) (*schema.CleanupResult, error) {
	logger := e.logger(ctx)
	pending := make([]schema.TrackedResource, 0, len(resources))
	for _, r := range resources {
		if !r.Deleted {
			pending = append(pending, r)
		}
	}

	result := schema.NewCleanupResult()
	if len(pending) == 0 {
		return result, nil
	}

	if e.Registry == nil {
		err := schema.NewError(schema.ErrCodeValidation, "cleanup engine has no handler registry")
		for _, r := range pending {
			result.AddFailed(r.Key(), err)
		}
		e.persist(ctx, pending, result, opts, logger)
		return result, err
	}

	errs := make([]error, len(pending))
	if e.Parallel {
		limit := e.Concurrency
		if limit <= 0 {
			limit = DefaultConcurrency
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i := range pending {
			g.Go(func() error {
				errs[i] = e.deleteOne(gctx, pending[i], logger)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, r := range pending {
			errs[i] = e.deleteOne(ctx, r, logger)
		}
	}

	for i, r := range pending {
		if errs[i] != nil {
			result.AddFailed(r.Key(), errs[i])
			continue
		}
		result.AddDeleted(r.Key())
		if opts.Ledger != nil {
			opts.Ledger.MarkDeleted(r.Type, r.ID)
		}
	}

	logger.Info("cleanup finished",
		slog.Int("deleted", len(result.Deleted)),
		slog.Int("failed", len(result.Failed)),
	)
	if !result.Success {
		e.persist(ctx, pending, result, opts, logger)
	}
	return result, nil
}

func (e *Engine) logger(ctx context.Context) *slog.Logger {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	return logging.LogWith(ctx, l)
}

// resolve finds the handler for a resource type: explicit mapping first,
// then a handler named after the type.
func (e *Engine) resolve(typ string) (string, Handler, error) {
	if name, ok := e.TypeMap[typ]; ok {
		if h, ok := e.Registry.Get(name); ok {
			return name, h, nil
		}
	}
	if h, ok := e.Registry.Get(typ); ok {
		return typ, h, nil
	}
	if name, ok := e.TypeMap[typ]; ok {
		return "", nil, schema.NewErrorf(schema.ErrCodeUnmappedType, "type %s maps to unknown handler %s", typ, name)
	}
	return "", nil, schema.NewErrorf(schema.ErrCodeUnmappedType, "no handler for type %s", typ)
}

func (e *Engine) deleteOne(ctx context.Context, r schema.TrackedResource, logger *slog.Logger) error {
	name, h, err := e.resolve(r.Type)
	if err != nil {
		logger.Warn("resource not cleaned", slog.String("resource", r.Key()), slog.String("error", err.Error()))
		return err
	}

	attempts := 1 + max(e.Retries, 0)
	for a := 1; a <= attempts; a++ {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "cleanup cancelled").WithCause(ctx.Err())
		}
		if err = call(ctx, h, r); err == nil {
			logger.Debug("resource deleted", slog.String("resource", r.Key()), slog.String("handler", name), slog.Int("attempt", a))
			return nil
		}
		logger.Debug("delete attempt failed",
			slog.String("resource", r.Key()),
			slog.String("handler", name),
			slog.Int("attempt", a),
			slog.String("error", err.Error()),
		)
	}
	logger.Warn("resource not cleaned", slog.String("resource", r.Key()), slog.String("error", err.Error()))
	return schema.NewErrorf(schema.ErrCodeHandlerFailed, "%s: %v", name, err).WithCause(err)
}

// call runs a handler, turning a panic into an error.
func call(ctx context.Context, h Handler, r schema.TrackedResource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, r)
}

func (e *Engine) persist(ctx context.Context, pending []schema.TrackedResource, result *schema.CleanupResult, opts ExecOptions, logger *slog.Logger) {
	if opts.SuppressPersist {
		return
	}
	e.persistFailed(ctx, opts.SessionID, pending, result, logger)
}

// Persist writes a record holding the resources result lists as failed.
// Callers that combine several passes suppress per-pass persistence and call
// this once. A write failure is logged, never returned.
func (e *Engine) Persist(ctx context.Context, sessionID string, resources []schema.TrackedResource, result *schema.CleanupResult) {
	if result == nil || result.Success {
		return
	}
	e.persistFailed(ctx, sessionID, resources, result, e.logger(ctx))
}

func (e *Engine) persistFailed(ctx context.Context, sessionID string, pending []schema.TrackedResource, result *schema.CleanupResult, logger *slog.Logger) {
	if e.Store == nil {
		return
	}
	if sessionID == "" {
		logger.Warn("failed cleanup not persisted: no session id")
		return
	}
	failed := make(map[string]bool, len(result.Failed))
	for _, k := range result.Failed {
		failed[k] = true
	}
	rec := &schema.FailedCleanupRecord{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Provider:  e.Provider,
		TypeMap:   e.TypeMap,
		Errors:    result.ErrorStrings(),
	}
	for _, r := range pending {
		if failed[r.Key()] {
			rec.Resources = append(rec.Resources, r)
		}
	}
	if err := e.Store.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed cleanup not persisted",
			slog.String("code", schema.ErrCodePersistence),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("failed cleanup persisted", slog.Int("resources", len(rec.Resources)))
}
