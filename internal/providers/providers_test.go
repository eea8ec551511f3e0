package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

func TestNew_None(t *testing.T) {
	p, err := New(context.Background(), schema.ProviderConfig{}, secrets.Credentials{}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ProviderNone, p.Kind())
	assert.Empty(t, p.Handlers())

	_, ok := Scanner(p)
	assert.False(t, ok)
}

func TestNew_Variants(t *testing.T) {
	cases := []struct {
		cfg      schema.ProviderConfig
		handler  string
		scanning bool
	}{
		{schema.ProviderConfig{Kind: schema.ProviderSQL, SQL: &schema.SQLProvider{Driver: "libsql", DSN: "file:" + t.TempDir() + "/app.db"}}, "row", true},
		{schema.ProviderConfig{Kind: schema.ProviderObjectStore, ObjectStore: &schema.ObjectStoreProvider{Endpoint: "localhost:9000", Bucket: "uploads"}}, "file", true},
		{schema.ProviderConfig{Kind: schema.ProviderREST, REST: &schema.RESTProvider{BaseURL: "https://api.example.test"}}, "team", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.cfg.Kind), func(t *testing.T) {
			p, err := New(context.Background(), tc.cfg, secrets.Credentials{}, nil)
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, tc.cfg.Kind, p.Kind())
			assert.Contains(t, p.Handlers(), tc.handler)
			_, ok := Scanner(p)
			assert.Equal(t, tc.scanning, ok)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), schema.ProviderConfig{Kind: schema.ProviderSQL}, secrets.Credentials{}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFactory(t *testing.T) {
	f := Factory(nil)
	p, err := f(context.Background(), schema.ProviderConfig{Kind: schema.ProviderNone}, secrets.Credentials{})
	require.NoError(t, err)
	_, isNone := p.(provider.None)
	assert.True(t, isNone)
}
