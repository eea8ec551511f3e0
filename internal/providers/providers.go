// Package providers builds the configured cleanup backend.
package providers

import (
	"context"
	"log/slog"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/providers/objectstore"
	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/internal/providers/rest"
	"github.com/rendis/e2ekit/internal/providers/sqldb"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

// New validates cfg and opens the matching provider. Kind "" and "none"
// return provider.None.
func New(_ context.Context, cfg schema.ProviderConfig, creds secrets.Credentials, logger *slog.Logger) (provider.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("provider", string(cfg.Kind)))

	var (
		p   provider.Provider
		err error
	)
	switch cfg.Kind {
	case schema.ProviderSQL:
		p, err = sqldb.Open(*cfg.SQL, creds, logger)
	case schema.ProviderObjectStore:
		p, err = objectstore.Open(*cfg.ObjectStore, creds, logger)
	case schema.ProviderREST:
		p, err = rest.Open(*cfg.REST, creds, logger)
	default:
		p = provider.None{}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Factory adapts New to cleanup.ProviderFactory for the retry path.
func Factory(logger *slog.Logger) cleanup.ProviderFactory {
	return func(ctx context.Context, cfg schema.ProviderConfig, creds secrets.Credentials) (cleanup.Provider, error) {
		p, err := New(ctx, cfg, creds, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Scanner returns the provider's scanner when it has one.
func Scanner(p provider.Provider) (provider.Scanner, bool) {
	s, ok := p.(provider.Scanner)
	return s, ok
}
