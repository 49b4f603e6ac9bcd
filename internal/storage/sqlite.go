// File: internal/storage/sqlite.go
package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	*sqlStore
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		sqlStore: &sqlStore{
			config:          config,
			logger:          utils.ComponentLogger("storage").WithField("driver", "sqlite"),
			migrations:      GetSQLiteMigrations(),
			migrationsTable: sqliteMigrationsTable,
			dialect:         dialectSQLite,
		},
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// SQLite allows a single writer; one connection serializes every transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	s.db = db
	s.logger.WithFields(logrus.Fields{"path": path}).Info("SQLite database connected")

	return nil
}
