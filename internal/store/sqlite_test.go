// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Runs the shared store contract plus file-backed creation checks

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/parley.db")
	assert.Contains(t, dsn, "file:/tmp/parley.db")
	assert.Contains(t, dsn, "foreign_keys")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(t.Context()))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	f := seedFixture(t, s1)
	m := addMessage(t, s1, f.conv.ID, f.alice.ID, 10)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetMessage(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, *m.Body, *got.Body)
	assert.True(t, got.CreatedAt.Equal(m.CreatedAt))
}

// newTestStore creates a file-backed store in a temp dir so concurrent
// transactions exercise real locking.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
