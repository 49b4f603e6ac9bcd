// Package storagetest builds migrated throwaway databases for package tests.
package storagetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// NewSQLite returns a connected, migrated SQLite storage in t.TempDir()
func NewSQLite(t testing.TB) storage.Storage {
	t.Helper()
	require.NoError(t, utils.InitLogger("error", "text", "discard", ""))

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "medtrack.db"),
		MaxConnections:   1,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate())
	return store
}
