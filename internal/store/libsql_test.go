package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cleanups.db")
	s, err := NewLibSQLStore("file:"+dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore_Contract(t *testing.T) {
	exerciseStore(t, newTestStore(t))
}

func TestLibSQLStore_Migrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	v, err := s.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(schemaVersions), v)
}

func TestLibSQLStore_Migrate_FreshDatabase(t *testing.T) {
	s, err := NewLibSQLStore("file:"+filepath.Join(t.TempDir(), "fresh.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	v, err := s.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.Migrate(ctx))
	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE name IN ('failed_cleanups', 'idx_failed_cleanups_recorded_at')`).Scan(&n))
	assert.Equal(t, 2, n)
}
