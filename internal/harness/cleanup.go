package harness

import (
	"context"
	"log/slog"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/providers"
	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/internal/reconciler"
	"github.com/rendis/e2ekit/pkg/schema"
)

// cleanup deletes the ledger, then optionally reconciles and deletes what the
// sweep found. Both passes are persisted as one failed-cleanup record.
func (r *run) cleanup(ctx context.Context) {
	cfg := r.opts.Cleanup
	prov, identity := r.openProvider(ctx)
	defer func() {
		if err := prov.Close(); err != nil {
			r.logger.Debug("closing provider failed", slog.String("error", err.Error()))
		}
	}()

	reg, err := cleanup.BuildRegistry(ctx, cleanup.BuildInput{
		ProjectRoot:  r.opts.ProjectRoot,
		Provider:     prov,
		Discovery:    cfg.Discovery,
		HandlerFiles: cfg.HandlerFiles,
		Loader:       r.opts.Handlers,
		Logger:       r.logger,
	})
	if err != nil {
		r.logger.Error("handler registry unavailable", slog.String("error", err.Error()))
	}

	eng := &cleanup.Engine{
		Registry:    reg,
		TypeMap:     cleanup.ResolveTypeMap(prov.DefaultTypeMap(), cfg.TypeMap),
		Parallel:    cfg.Parallel,
		Concurrency: cfg.Concurrency,
		Retries:     cfg.RetryCount(),
		Store:       r.opts.Store,
		Provider:    identity,
		Logger:      r.opts.Logger,
	}
	opts := cleanup.ExecOptions{SessionID: r.rc.SessionID, SuppressPersist: true, Ledger: r.rc.Ledger}

	sweep := cfg.Reconcile.Enabled && reg != nil
	attempted := r.rc.Ledger.All()
	var req reconciler.Request
	var held []schema.TrackedResource
	if sweep {
		req = r.reconcileRequest()
		attempted, held = holdAccount(attempted, req)
	}

	result, err := eng.Execute(ctx, attempted, opts)
	if err != nil {
		r.logger.Error("cleanup failed", slog.String("error", err.Error()))
	}

	if sweep {
		extra, flagged := holdAccount(r.reconcile(ctx, prov, req), req)
		if len(held) == 0 {
			held = flagged
		}
		extra = append(extra, held...)
		if len(extra) > 0 {
			sequential := *eng
			sequential.Parallel = false
			more, err := sequential.Execute(ctx, extra, opts)
			if err != nil {
				r.logger.Error("reconciled cleanup failed", slog.String("error", err.Error()))
			}
			result.Merge(more)
			attempted = append(attempted, extra...)
		}
	}

	eng.Persist(ctx, r.rc.SessionID, attempted, result)
	r.report.Cleanup = result
}

// openProvider falls back to provider.None when the backend cannot be
// opened, so handler files still apply and unmapped resources are persisted.
// The identity comes from the opened provider when possible, since it strips
// credentials a DSN may carry.
func (r *run) openProvider(ctx context.Context) (provider.Provider, schema.ProviderConfig) {
	cfg := r.opts.Cleanup.Provider
	creds, err := r.opts.Credentials.Load(ctx, cfg)
	if err == nil {
		var p provider.Provider
		if p, err = r.opts.OpenProvider(ctx, cfg, creds); err == nil {
			return p, p.Identity()
		}
	}
	r.logger.Error("cleanup provider unavailable",
		slog.String("provider", string(cfg.Kind)),
		slog.String("error", err.Error()),
	)
	return provider.None{}, cfg
}

// holdAccount splits the identity account out of rs so it can be deleted
// after everything it may own.
func holdAccount(rs []schema.TrackedResource, req reconciler.Request) (rest, account []schema.TrackedResource) {
	rest = make([]schema.TrackedResource, 0, len(rs))
	for _, res := range rs {
		if req.IsAccount(res) {
			account = append(account, res)
			continue
		}
		rest = append(rest, res)
	}
	return rest, account
}

func (r *run) reconcileRequest() reconciler.Request {
	rcfg := r.opts.Cleanup.Reconcile
	id := r.rc.Identity()
	marker := rcfg.Marker
	if marker == "" {
		marker = id.UserID
	}
	if marker == "" {
		marker = id.Email
	}
	return reconciler.Request{
		Since:     r.started,
		Marker:    marker,
		MatchExpr: rcfg.Match,
		Account:   id.UserID,
	}
}

// reconcile adds resources found by the provider scan that the ledger does
// not hold yet and returns them.
func (r *run) reconcile(ctx context.Context, prov provider.Provider, req reconciler.Request) []schema.TrackedResource {
	sc, ok := providers.Scanner(prov)
	if !ok {
		r.logger.Info("reconcile skipped: provider cannot scan", slog.String("provider", string(prov.Kind())))
		return nil
	}

	rec := &reconciler.Reconciler{
		Scanners: []provider.Scanner{sc},
		Match:    expressions.NewExprEngine(),
		Logger:   r.opts.Logger,
	}
	found, err := rec.Run(ctx, req)
	if err != nil {
		r.logger.Warn("reconcile incomplete", slog.String("error", err.Error()))
	}

	var extra []schema.TrackedResource
	for _, res := range found {
		if r.rc.Ledger.Add(res) {
			extra = append(extra, res)
			r.report.Reconciled = append(r.report.Reconciled, res.Key())
		}
	}
	return extra
}
