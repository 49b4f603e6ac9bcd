package storage

import (
	"context"
	"time"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// Maintainer is implemented by backends that can reclaim space after rows are
// deleted and describe their physical state
type Maintainer interface {
	Vacuum(ctx context.Context) error
	DatabaseInfo(ctx context.Context) (map[string]interface{}, error)
}

// Vacuum reclaims the pages freed by pruned backup rows
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	s.logger.Info("Starting database vacuum")

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}

	s.logger.Info("Database vacuum completed")
	return nil
}

// DatabaseInfo reports the SQLite version, file size and journal mode
func (s *SQLiteStorage) DatabaseInfo(ctx context.Context) (map[string]interface{}, error) {
	var (
		version             string
		pageCount, pageSize int64
		journalMode         string
	)
	if err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read database info", err.Error())
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read database info", err.Error())
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read database info", err.Error())
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read database info", err.Error())
	}

	return map[string]interface{}{
		"driver":          "sqlite",
		"sqlite_version":  version,
		"file_size_bytes": pageCount * pageSize,
		"journal_mode":    journalMode,
	}, nil
}

// Vacuum lets PostgreSQL reclaim dead tuples in the backup table
func (p *PostgreSQLStorage) Vacuum(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, "VACUUM ANALYZE backups"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}
	return nil
}

// DatabaseInfo reports the server version and database size
func (p *PostgreSQLStorage) DatabaseInfo(ctx context.Context) (map[string]interface{}, error) {
	var (
		version string
		size    int64
	)
	err := p.db.QueryRowContext(ctx, "SELECT version(), pg_database_size(current_database())").Scan(&version, &size)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read database info", err.Error())
	}
	return map[string]interface{}{
		"driver":          "postgres",
		"server_version":  version,
		"file_size_bytes": size,
	}, nil
}

// Vacuum delegates to the wrapped backend when it supports maintenance
func (s *StorageWithMetrics) Vacuum(ctx context.Context) error {
	m, ok := s.Storage.(Maintainer)
	if !ok {
		return nil
	}
	start := time.Now()
	err := m.Vacuum(ctx)
	s.record("vacuum", "backups", start, err)
	return err
}

// DatabaseInfo delegates to the wrapped backend when it supports maintenance
func (s *StorageWithMetrics) DatabaseInfo(ctx context.Context) (map[string]interface{}, error) {
	m, ok := s.Storage.(Maintainer)
	if !ok {
		return nil, nil
	}
	return m.DatabaseInfo(ctx)
}
