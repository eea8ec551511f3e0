package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

type staticCreds struct {
	creds secrets.Credentials
	seen  []schema.ProviderKind
}

func (s *staticCreds) Load(_ context.Context, cfg schema.ProviderConfig) (secrets.Credentials, error) {
	s.seen = append(s.seen, cfg.Kind)
	return s.creds, nil
}

func failedRecord(sessionID string, rs ...schema.TrackedResource) *schema.FailedCleanupRecord {
	return &schema.FailedCleanupRecord{
		SessionID: sessionID,
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Resources: rs,
		Provider:  sqlProvider(),
		TypeMap:   map[string]string{"post": "row"},
		Errors:    []string{"old error"},
	}
}

func newRetrier(t *testing.T, handlers map[string]Handler) (*Retrier, *staticCreds, *fakeProvider) {
	t.Helper()
	creds := &staticCreds{creds: secrets.Credentials{Password: "fresh"}}
	prov := &fakeProvider{handlers: handlers, typeMap: map[string]string{"user": "user"}}
	r := &Retrier{
		Store:       newTestFileStore(t),
		Credentials: creds,
		Providers: func(_ context.Context, cfg schema.ProviderConfig, c secrets.Credentials) (Provider, error) {
			if c.Password != "fresh" {
				return nil, errors.New("stale credentials")
			}
			return prov, nil
		},
		Handlers: HandlerSources{ProjectRoot: t.TempDir()},
	}
	return r, creds, prov
}

func TestRetrier_Retry_FullSuccessDeletesRecord(t *testing.T) {
	rec := &recorder{}
	r, creds, prov := newRetrier(t, map[string]Handler{"user": rec.handler(nil), "row": rec.handler(nil)})
	ctx := context.Background()
	require.NoError(t, r.Store.Save(ctx, failedRecord("s1",
		schema.TrackedResource{Type: "post", ID: "P1"},
		schema.TrackedResource{Type: "user", ID: "U1"},
	)))

	out, err := r.Retry(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, []string{"post:P1", "user:U1"}, rec.calls, "record type map is honoured")
	assert.Equal(t, []schema.ProviderKind{schema.ProviderSQL}, creds.seen)
	assert.True(t, prov.closed)

	_, err = r.Store.Get(ctx, "s1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRetrier_Retry_PartialRewritesRecord(t *testing.T) {
	r, _, _ := newRetrier(t, map[string]Handler{
		"user": noop,
		"team": func(context.Context, schema.TrackedResource) error { return errors.New("403 forbidden") },
	})
	ctx := context.Background()
	require.NoError(t, r.Store.Save(ctx, failedRecord("s1",
		schema.TrackedResource{Type: "user", ID: "U1"},
		schema.TrackedResource{Type: "team", ID: "T1"},
	)))

	out, err := r.Retry(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, out.Resolved)
	assert.Equal(t, 1, out.Remaining)

	saved, err := r.Store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, saved.Resources, 1)
	assert.Equal(t, "team:T1", saved.Resources[0].Key())
	require.Len(t, saved.Errors, 1)
	assert.Contains(t, saved.Errors[0], "403 forbidden")
	assert.Equal(t, map[string]string{"post": "row"}, saved.TypeMap)
}

func TestRetrier_Retry_NothingPending(t *testing.T) {
	r, creds, _ := newRetrier(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Store.Save(ctx, failedRecord("s1", schema.TrackedResource{Type: "user", ID: "U1", Deleted: true})))

	out, err := r.Retry(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Empty(t, creds.seen)
}

func TestRetrier_Retry_UnknownSession(t *testing.T) {
	r, _, _ := newRetrier(t, nil)
	_, err := r.Retry(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRetrier_RetryAll(t *testing.T) {
	r, _, _ := newRetrier(t, map[string]Handler{"user": noop})
	ctx := context.Background()
	require.NoError(t, r.Store.Save(ctx, failedRecord("s1", schema.TrackedResource{Type: "user", ID: "U1"})))
	late := failedRecord("s2", schema.TrackedResource{Type: "team", ID: "T1"})
	late.Timestamp = late.Timestamp.Add(time.Hour)
	require.NoError(t, r.Store.Save(ctx, late))

	outs, err := r.RetryAll(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "s1", outs[0].SessionID)
	assert.True(t, outs[0].Resolved)
	assert.Equal(t, "s2", outs[1].SessionID)
	assert.False(t, outs[1].Resolved)
	assert.Equal(t, 1, outs[1].Remaining)

	recs, _, err := r.Store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s2", recs[0].SessionID)
}
