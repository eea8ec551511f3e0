// Package secrets loads backend credentials at the moment they are needed.
// Credentials are never written into failed-cleanup records; a retry loads
// them again.
package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Credentials holds the secret half of a provider configuration.
type Credentials struct {
	// Password is injected into SQL DSNs.
	Password string
	// AuthToken authenticates remote libSQL databases.
	AuthToken string
	// AccessKey and SecretKey authenticate object storage.
	AccessKey string
	SecretKey string
	// Token is sent as a bearer token to REST backends.
	Token string
}

// String keeps credentials out of logs and error messages.
func (Credentials) String() string { return "secrets.Credentials{redacted}" }

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("password", c.Password != ""),
		slog.Bool("auth_token", c.AuthToken != ""),
		slog.Bool("access_key", c.AccessKey != ""),
		slog.Bool("token", c.Token != ""),
	)
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool {
	return c == Credentials{}
}

// Source looks up one named secret.
type Source interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// EnvSource reads secrets from the process environment.
type EnvSource struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (s EnvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	return v, ok && v != "", nil
}

// Loader resolves credentials for a provider from an ordered list of sources;
// the first source that has a key wins.
type Loader struct {
	Sources []Source
}

// NewLoader returns a loader over the environment, then any extra sources.
func NewLoader(extra ...Source) *Loader {
	return &Loader{Sources: append([]Source{EnvSource{}}, extra...)}
}

// Env variable names. REST tokens are looked up per project first.
const (
	EnvDBPassword  = "E2EKIT_DB_PASSWORD"
	EnvDBAuthToken = "E2EKIT_DB_AUTH_TOKEN"
	EnvS3AccessKey = "E2EKIT_S3_ACCESS_KEY"
	EnvS3SecretKey = "E2EKIT_S3_SECRET_KEY"
	EnvAPIToken    = "E2EKIT_API_TOKEN"
)

// Load returns fresh credentials for cfg. Missing values stay empty; the
// provider decides whether it can work without them.
func (l *Loader) Load(ctx context.Context, cfg schema.ProviderConfig) (Credentials, error) {
	var c Credentials
	var err error
	switch cfg.Kind {
	case schema.ProviderSQL:
		if c.Password, err = l.first(ctx, EnvDBPassword); err != nil {
			return Credentials{}, err
		}
		if c.AuthToken, err = l.first(ctx, EnvDBAuthToken); err != nil {
			return Credentials{}, err
		}
	case schema.ProviderObjectStore:
		if c.AccessKey, err = l.first(ctx, EnvS3AccessKey, "AWS_ACCESS_KEY_ID"); err != nil {
			return Credentials{}, err
		}
		if c.SecretKey, err = l.first(ctx, EnvS3SecretKey, "AWS_SECRET_ACCESS_KEY"); err != nil {
			return Credentials{}, err
		}
	case schema.ProviderREST:
		keys := []string{EnvAPIToken}
		if cfg.REST != nil && cfg.REST.Project != "" {
			keys = append([]string{ProjectKey(cfg.REST.Project, "API_TOKEN")}, keys...)
		}
		if c.Token, err = l.first(ctx, keys...); err != nil {
			return Credentials{}, err
		}
	}
	return c, nil
}

func (l *Loader) first(ctx context.Context, keys ...string) (string, error) {
	for _, k := range keys {
		for _, src := range l.Sources {
			v, ok, err := src.Lookup(ctx, k)
			if err != nil {
				return "", schema.NewErrorf(schema.ErrCodeCredentials, "lookup %s", k).WithCause(err)
			}
			if ok {
				return v, nil
			}
		}
	}
	return "", nil
}

// ProjectKey builds E2EKIT_<PROJECT>_<SUFFIX> with the project upper-cased
// and non-alphanumerics replaced by underscores.
func ProjectKey(project, suffix string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(project) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "E2EKIT_" + b.String() + "_" + suffix
}
