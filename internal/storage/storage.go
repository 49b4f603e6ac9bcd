// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/medtrack/integrity-core/internal/models"
)

// Storage defines the persistence operations used by the integrity core
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Audit chain operations. Entries are only ever appended.
	AppendAuditEntry(ctx context.Context, build func(tail models.ChainTail) (*models.AuditEntry, error)) (*models.AuditEntry, error)
	GetAuditEntry(ctx context.Context, sequence int64) (*models.AuditEntry, error)
	ListAuditEntries(ctx context.Context, afterSequence, toSequence int64, limit int) ([]*models.AuditEntry, error)
	QueryAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error)
	CountAuditEntries(ctx context.Context, filter models.AuditFilter) (int64, error)

	// Backup metadata operations
	CreateBackup(ctx context.Context, backup *models.Backup) error
	UpdateBackup(ctx context.Context, backup *models.Backup) error
	GetBackup(ctx context.Context, id string) (*models.Backup, error)
	ListBackups(ctx context.Context, filter models.BackupFilter) ([]*models.Backup, error)
	DeleteBackup(ctx context.Context, id string) error

	// Configuration and bookkeeping
	GetBackupConfig(ctx context.Context) (*models.BackupConfig, error)
	SaveBackupConfig(ctx context.Context, cfg *models.BackupConfig) error
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	// Live data owned by collaborators
	SaveInventoryItem(ctx context.Context, item *models.InventoryItem) error
	SaveUser(ctx context.Context, user *models.User, passwordHash string) error
	SaveSetting(ctx context.Context, setting *models.Setting) error
	LoadSnapshot(ctx context.Context, sel models.Selection) (*models.Snapshot, error)
	ApplyRestore(ctx context.Context, plan *models.RestorePlan) error

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalAuditEntries   int64      `json:"total_audit_entries"`
	TotalBackups        int64      `json:"total_backups"`
	TotalInventoryItems int64      `json:"total_inventory_items"`
	TotalUsers          int64      `json:"total_users"`
	LatestAuditEntry    *time.Time `json:"latest_audit_entry,omitempty"`
	LatestBackup        *time.Time `json:"latest_backup,omitempty"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// State keys kept in system_state
const (
	StateRetentionLastRun = "retention_last_run"
)
