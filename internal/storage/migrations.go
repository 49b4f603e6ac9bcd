package storage

import (
	"time"
)

// Migration represents a database migration
type Migration struct {
	ID          int       `db:"id"`
	Version     string    `db:"version"`
	Description string    `db:"description"`
	SQL         string    `db:"sql"`
	AppliedAt   time.Time `db:"applied_at"`
	Checksum    string    `db:"checksum"`
}

const sqliteMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);
`

const postgresMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		version TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);
`

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create inventory_items table",
			SQL: `
				CREATE TABLE IF NOT EXISTS inventory_items (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					batch_number TEXT NOT NULL DEFAULT '',
					quantity INTEGER NOT NULL DEFAULT 0,
					unit TEXT NOT NULL DEFAULT '',
					destination TEXT NOT NULL,
					expiry_date TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_inventory_destination ON inventory_items(destination);
				CREATE INDEX IF NOT EXISTS idx_inventory_created_at ON inventory_items(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL,
					password_hash TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create settings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create audit_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_entries (
					sequence INTEGER PRIMARY KEY,
					id TEXT NOT NULL UNIQUE,
					recorded_at TEXT NOT NULL,
					actor_id TEXT NOT NULL,
					action TEXT NOT NULL,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					changes TEXT NOT NULL, -- JSON, stored verbatim for signing
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					signature TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_recorded_at ON audit_entries(recorded_at);
				CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
				CREATE INDEX IF NOT EXISTS idx_audit_entity_type ON audit_entries(entity_type);
			`,
		},
		{
			Version:     "005",
			Description: "Create backups table",
			SQL: `
				CREATE TABLE IF NOT EXISTS backups (
					id TEXT PRIMARY KEY,
					filename TEXT NOT NULL UNIQUE,
					type TEXT NOT NULL,
					format TEXT NOT NULL,
					file_size INTEGER NOT NULL DEFAULT 0,
					record_count INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					created_at TEXT NOT NULL,
					created_by TEXT NOT NULL,
					completed_at TEXT,
					include_audit_logs BOOLEAN NOT NULL DEFAULT FALSE,
					include_users BOOLEAN NOT NULL DEFAULT FALSE,
					include_settings BOOLEAN NOT NULL DEFAULT FALSE,
					date_from TEXT,
					date_to TEXT,
					encrypted BOOLEAN NOT NULL DEFAULT FALSE,
					checksum TEXT NOT NULL DEFAULT '',
					validated BOOLEAN NOT NULL DEFAULT FALSE,
					validated_at TEXT,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_backups_type ON backups(type);
				CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status);
				CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);
			`,
		},
		{
			Version:     "006",
			Description: "Create backup_config table",
			SQL: `
				CREATE TABLE IF NOT EXISTS backup_config (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					enabled BOOLEAN NOT NULL,
					schedule_time TEXT NOT NULL,
					allowed_formats TEXT NOT NULL,
					default_format TEXT NOT NULL,
					include_audit_logs BOOLEAN NOT NULL,
					encrypt_automatic BOOLEAN NOT NULL,
					retention_daily_days INTEGER NOT NULL,
					retention_weekly_weeks INTEGER NOT NULL,
					retention_monthly_months INTEGER NOT NULL,
					storage_location TEXT NOT NULL,
					updated_by TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "007",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create inventory_items table",
			SQL: `
				CREATE TABLE IF NOT EXISTS inventory_items (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					batch_number TEXT NOT NULL DEFAULT '',
					quantity BIGINT NOT NULL DEFAULT 0,
					unit TEXT NOT NULL DEFAULT '',
					destination TEXT NOT NULL,
					expiry_date TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_inventory_destination ON inventory_items(destination);
				CREATE INDEX IF NOT EXISTS idx_inventory_created_at ON inventory_items(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL,
					password_hash TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create settings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create audit_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_entries (
					sequence BIGINT PRIMARY KEY,
					id TEXT NOT NULL UNIQUE,
					recorded_at TEXT NOT NULL,
					actor_id TEXT NOT NULL,
					action TEXT NOT NULL,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					changes TEXT NOT NULL, -- not JSONB: bytes must survive unchanged for signing
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					signature TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_recorded_at ON audit_entries(recorded_at);
				CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
				CREATE INDEX IF NOT EXISTS idx_audit_entity_type ON audit_entries(entity_type);
			`,
		},
		{
			Version:     "005",
			Description: "Create backups table",
			SQL: `
				CREATE TABLE IF NOT EXISTS backups (
					id TEXT PRIMARY KEY,
					filename TEXT NOT NULL UNIQUE,
					type TEXT NOT NULL,
					format TEXT NOT NULL,
					file_size BIGINT NOT NULL DEFAULT 0,
					record_count BIGINT NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					created_at TEXT NOT NULL,
					created_by TEXT NOT NULL,
					completed_at TEXT,
					include_audit_logs BOOLEAN NOT NULL DEFAULT FALSE,
					include_users BOOLEAN NOT NULL DEFAULT FALSE,
					include_settings BOOLEAN NOT NULL DEFAULT FALSE,
					date_from TEXT,
					date_to TEXT,
					encrypted BOOLEAN NOT NULL DEFAULT FALSE,
					checksum TEXT NOT NULL DEFAULT '',
					validated BOOLEAN NOT NULL DEFAULT FALSE,
					validated_at TEXT,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_backups_type ON backups(type);
				CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status);
				CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);
			`,
		},
		{
			Version:     "006",
			Description: "Create backup_config table",
			SQL: `
				CREATE TABLE IF NOT EXISTS backup_config (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					enabled BOOLEAN NOT NULL,
					schedule_time TEXT NOT NULL,
					allowed_formats TEXT NOT NULL,
					default_format TEXT NOT NULL,
					include_audit_logs BOOLEAN NOT NULL,
					encrypt_automatic BOOLEAN NOT NULL,
					retention_daily_days INTEGER NOT NULL,
					retention_weekly_weeks INTEGER NOT NULL,
					retention_monthly_months INTEGER NOT NULL,
					storage_location TEXT NOT NULL,
					updated_by TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
		{
			Version:     "007",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);
			`,
		},
	}
}
