package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "failed-cleanups"), nil)
}

func TestFileStore_Contract(t *testing.T) {
	exerciseStore(t, newFileStore(t))
}

func TestFileStore_Save_OwnerOnlyFile(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Save(context.Background(), sampleRecord("s1", time.Now())))

	st, err := os.Stat(filepath.Join(s.Dir(), "s1.json"))
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not survive")
}

func TestFileStore_Save_NoCredentialFields(t *testing.T) {
	s := newFileStore(t)
	rec := sampleRecord("s1", time.Now())
	rec.Provider = schema.ProviderConfig{Kind: schema.ProviderREST, REST: &schema.RESTProvider{BaseURL: "http://api"}}
	require.NoError(t, s.Save(context.Background(), rec))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), "s1.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "token")
	assert.NotContains(t, string(raw), "password")
}

func TestFileStore_List_ReportsInvalidFiles(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecord("good", time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "leaky.json"),
		[]byte(`{"sessionId":"leaky","timestamp":"2026-01-01T00:00:00Z","resources":[],"provider":{"kind":"rest","token":"abc"}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0o600))

	recs, invalid, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].SessionID)
	assert.Len(t, invalid, 2)
}

func TestFileStore_List_MissingDir(t *testing.T) {
	recs, invalid, err := newFileStore(t).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, invalid)
}

func TestFileStore_RejectsPathLikeSessionIDs(t *testing.T) {
	s := newFileStore(t)
	_, err := s.Get(context.Background(), "../etc/passwd")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	err = s.Save(context.Background(), sampleRecord("a/b", time.Now()))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFileStore_Save_FailsAsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	s := NewFileStore(filepath.Join(blocker, "records"), nil)
	err := s.Save(context.Background(), sampleRecord("s1", time.Now()))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
}
