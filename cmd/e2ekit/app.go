package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/internal/plugins"
	"github.com/rendis/e2ekit/internal/providers"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/internal/validation"
)

// app holds the long-lived dependencies a command needs.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	plugins *plugins.Manager
	getenv  func(string) string
	closers []func() error
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer, getenv func(string) string) (*app, error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		plugins: plugins.NewManager(logger),
		getenv:  getenv,
	}

	switch cfg.StoreBackend {
	case backendLibSQL:
		ls, err := store.NewLibSQLStore(libsqlDSN(cfg), v)
		if err != nil {
			return nil, err
		}
		if err := ls.Migrate(ctx); err != nil {
			_ = ls.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.store = ls
		a.closers = append(a.closers, ls.Close)
	default:
		a.store = store.NewFileStore(cfg.StorePath, v)
	}
	return a, nil
}

// libsqlDSN turns the configured store path into a libSQL DSN. The default
// file-store directory maps to a database next to it.
func libsqlDSN(cfg Config) string {
	p := cfg.StorePath
	if hasScheme(p) {
		return p
	}
	if p == filepath.Join(cfg.ProjectRoot, store.DefaultDir) {
		p += ".db"
	}
	return "file:" + p
}

// credentials returns a loader over the environment and, when a passphrase is
// set, the sealed credentials file.
func (a *app) credentials() (*secrets.Loader, error) {
	key := a.getenv(envSecretsKey)
	if key == "" {
		return secrets.NewLoader(), nil
	}
	sealed, err := secrets.OpenSealedFile(a.cfg.SecretsFile, key)
	if err != nil {
		return nil, err
	}
	return secrets.NewLoader(sealed), nil
}

func (a *app) retrier() (*cleanup.Retrier, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	return &cleanup.Retrier{
		Store:       a.store,
		Credentials: creds,
		Providers:   providers.Factory(a.logger),
		Handlers: cleanup.HandlerSources{
			ProjectRoot:  a.cfg.ProjectRoot,
			Discovery:    a.cfg.Cleanup.Discovery,
			HandlerFiles: a.cfg.Cleanup.HandlerFiles,
			Loader:       a.plugins,
		},
		Retries:  a.cfg.Cleanup.RetryCount(),
		Parallel: a.cfg.Cleanup.Parallel,
		Logger:   a.logger,
	}, nil
}

// Close stops handler plugins and releases the store.
func (a *app) Close(ctx context.Context) error {
	errs := []error{a.plugins.StopAll(ctx)}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
