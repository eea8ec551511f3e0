package secrets

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

type mapSource map[string]string

func (m mapSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

type failingSource struct{}

func (failingSource) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("locked")
}

func envLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoader_Load_SQL(t *testing.T) {
	l := &Loader{Sources: []Source{EnvSource{LookupEnv: envLookup(map[string]string{
		EnvDBPassword: "pw",
	})}}}
	c, err := l.Load(context.Background(), schema.ProviderConfig{Kind: schema.ProviderSQL})
	require.NoError(t, err)
	assert.Equal(t, "pw", c.Password)
	assert.Empty(t, c.Token)
}

func TestLoader_Load_RESTPrefersProjectToken(t *testing.T) {
	l := &Loader{Sources: []Source{mapSource{
		EnvAPIToken:               "generic",
		"E2EKIT_MY_APP_API_TOKEN": "project",
	}}}
	cfg := schema.ProviderConfig{Kind: schema.ProviderREST, REST: &schema.RESTProvider{BaseURL: "http://api", Project: "my-app"}}
	c, err := l.Load(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "project", c.Token)

	cfg.REST.Project = "other"
	c, err = l.Load(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "generic", c.Token)
}

func TestLoader_Load_EarlierSourceWins(t *testing.T) {
	l := &Loader{Sources: []Source{
		EnvSource{LookupEnv: envLookup(map[string]string{EnvS3AccessKey: "env-key"})},
		mapSource{EnvS3AccessKey: "file-key", EnvS3SecretKey: "file-secret"},
	}}
	c, err := l.Load(context.Background(), schema.ProviderConfig{Kind: schema.ProviderObjectStore})
	require.NoError(t, err)
	assert.Equal(t, "env-key", c.AccessKey)
	assert.Equal(t, "file-secret", c.SecretKey)
}

func TestLoader_Load_SourceError(t *testing.T) {
	l := &Loader{Sources: []Source{failingSource{}}}
	_, err := l.Load(context.Background(), schema.ProviderConfig{Kind: schema.ProviderREST, REST: &schema.RESTProvider{BaseURL: "x"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCredentials))
}

func TestLoader_Load_NoneKind(t *testing.T) {
	c, err := NewLoader().Load(context.Background(), schema.ProviderConfig{Kind: schema.ProviderNone})
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestCredentials_Redacted(t *testing.T) {
	c := Credentials{Password: "hunter2", Token: "abc"}
	assert.NotContains(t, fmt.Sprintf("%v %+v %s", c, c, c), "hunter2")
	assert.NotContains(t, c.LogValue().String(), "hunter2")
}

func TestProjectKey(t *testing.T) {
	assert.Equal(t, "E2EKIT_MY_APP_API_TOKEN", ProjectKey("my-app", "API_TOKEN"))
	assert.Equal(t, "E2EKIT_SHOP2_API_TOKEN", ProjectKey("Shop2", "API_TOKEN"))
}
