// File: internal/storage/sql_store.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/pkg/utils"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// sqlStore holds the query logic shared by the SQLite and PostgreSQL backends.
// Queries are written with numbered $n placeholders and rebound for SQLite.
type sqlStore struct {
	db              *sql.DB
	config          *StorageConfig
	logger          *logrus.Entry
	migrations      []*Migration
	migrationsTable string
	dialect         dialect
}

// DB exposes the underlying handle for maintenance tooling and tests
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect == dialectPostgres {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate applies every migration that is not yet recorded in schema_migrations
func (s *sqlStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")

	if _, err := s.db.Exec(s.migrationsTable); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	applied := make(map[string]string)
	rows, err := s.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan migration", err.Error())
		}
		applied[version] = checksum
	}
	rows.Close()

	for _, migration := range s.migrations {
		checksum := utils.SHA256Hex([]byte(migration.SQL))
		if existing, ok := applied[migration.Version]; ok {
			if existing != checksum {
				s.logger.WithFields(logrus.Fields{
					"version": migration.Version,
				}).Warn("Applied migration differs from current definition")
			}
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}

		_, err := s.db.Exec(s.rebind(`
			INSERT INTO schema_migrations (version, description, checksum, applied_at)
			VALUES ($1, $2, $3, $4)
		`), migration.Version, migration.Description, checksum, utils.FormatTimestamp(time.Now()))
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to record migration %s", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// GetState reads a bookkeeping value from system_state
func (s *sqlStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT value FROM system_state WHERE key = $1"), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read system state", err.Error())
	}
	return value, true, nil
}

// SetState writes a bookkeeping value to system_state
func (s *sqlStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO system_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, utils.FormatTimestamp(time.Now()))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to write system state", err.Error())
	}
	return nil
}

// GetStorageStats returns row counts and latest activity
func (s *sqlStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM audit_entries", &stats.TotalAuditEntries},
		{"SELECT COUNT(*) FROM backups", &stats.TotalBackups},
		{"SELECT COUNT(*) FROM inventory_items", &stats.TotalInventoryItems},
		{"SELECT COUNT(*) FROM users", &stats.TotalUsers},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to collect storage stats", err.Error())
		}
	}

	latest := []struct {
		query string
		dest  **time.Time
	}{
		{"SELECT MAX(recorded_at) FROM audit_entries", &stats.LatestAuditEntry},
		{"SELECT MAX(created_at) FROM backups", &stats.LatestBackup},
	}
	for _, l := range latest {
		var raw sql.NullString
		if err := s.db.QueryRowContext(ctx, l.query).Scan(&raw); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to collect storage stats", err.Error())
		}
		t, err := parseNullTime(raw)
		if err != nil {
			return nil, err
		}
		*l.dest = t
	}

	return stats, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: utils.FormatTimestamp(*t), Valid: true}
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := utils.ParseTimestamp(raw.String)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid stored timestamp", raw.String)
	}
	return &t, nil
}

func parseTime(raw string) (time.Time, error) {
	t, err := utils.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, utils.NewAppError(utils.ErrCodeDatabase, "Invalid stored timestamp", raw)
	}
	return t, nil
}

// inClause renders "col IN ($n, ...)" starting at placeholder index next and returns the new index
func inClause(column string, n int, count int) (string, int) {
	clause := column + " IN ("
	for i := 0; i < count; i++ {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("$%d", n)
		n++
	}
	return clause + ")", n
}
