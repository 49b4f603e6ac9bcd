package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	*sqlStore
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: &sqlStore{
			config:          config,
			logger:          utils.ComponentLogger("storage").WithField("driver", "postgres"),
			migrations:      GetPostgresMigrations(),
			migrationsTable: postgresMigrationsTable,
			dialect:         dialectPostgres,
		},
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}
