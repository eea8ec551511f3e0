package cleanup

import (
	"context"

	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

// RootHandlerFile is the handler file looked up in the project root.
const RootHandlerFile = "e2ekit.handlers"

// DefaultRetries is the number of immediate re-attempts per resource.
const DefaultRetries = 2

// DiscoveryConfig lists glob patterns, relative to the project root, that
// match handler files.
type DiscoveryConfig struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// ReconcileConfig enables the untracked-resource scan after cleanup.
type ReconcileConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Marker defaults to the run's identity (user id, else email).
	Marker string `json:"marker,omitempty" yaml:"marker,omitempty"`
	// Match is an optional expr-lang boolean over record, marker and collection.
	Match string `json:"match,omitempty" yaml:"match,omitempty"`
}

// Config is the cleanup section of a run configuration.
type Config struct {
	Provider     schema.ProviderConfig `json:"provider" yaml:"provider"`
	Parallel     bool                  `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Concurrency  int                   `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Retries      *int                  `json:"retries,omitempty" yaml:"retries,omitempty"`
	TypeMap      map[string]string     `json:"type_map,omitempty" yaml:"type_map,omitempty"`
	Discovery    DiscoveryConfig       `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	HandlerFiles []string              `json:"handler_files,omitempty" yaml:"handler_files,omitempty"`
	Reconcile    ReconcileConfig       `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
}

// RetryCount returns the configured retries, DefaultRetries when unset.
func (c Config) RetryCount() int {
	if c.Retries == nil {
		return DefaultRetries
	}
	if *c.Retries < 0 {
		return 0
	}
	return *c.Retries
}

// Provider is a backend that can delete the resources it knows about.
type Provider interface {
	Handlers() map[string]Handler
	DefaultTypeMap() map[string]string
	Close() error
}

// ProviderFactory builds a Provider from identity plus freshly loaded credentials.
type ProviderFactory func(ctx context.Context, cfg schema.ProviderConfig, creds secrets.Credentials) (Provider, error)

// CredentialLoader loads credentials for a provider.
type CredentialLoader interface {
	Load(ctx context.Context, cfg schema.ProviderConfig) (secrets.Credentials, error)
}

// HandlerLoader turns a handler file into named handlers.
type HandlerLoader interface {
	Load(ctx context.Context, path string) (map[string]Handler, error)
}

// ResolveTypeMap overlays user mappings on a provider's defaults.
func ResolveTypeMap(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
