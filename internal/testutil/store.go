package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/store"
)

// OpenStore opens a fresh file-backed store closed at test cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	st, _ := OpenStoreAt(t)
	return st
}

// OpenStoreAt is OpenStore that also returns the database path, for tests
// that open a second handle to simulate another process.
func OpenStoreAt(t testing.TB) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}
