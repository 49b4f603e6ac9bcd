package storage

import (
	"context"
	"time"

	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// AppendAuditEntry appends to the chain and records metrics
func (s *StorageWithMetrics) AppendAuditEntry(ctx context.Context, build func(tail models.ChainTail) (*models.AuditEntry, error)) (*models.AuditEntry, error) {
	start := time.Now()
	entry, err := s.Storage.AppendAuditEntry(ctx, build)
	s.record("insert", "audit_entries", start, err)
	return entry, err
}

// ListAuditEntries reads a chain page and records metrics
func (s *StorageWithMetrics) ListAuditEntries(ctx context.Context, afterSequence, toSequence int64, limit int) ([]*models.AuditEntry, error) {
	start := time.Now()
	entries, err := s.Storage.ListAuditEntries(ctx, afterSequence, toSequence, limit)
	s.record("scan", "audit_entries", start, err)
	return entries, err
}

// QueryAuditEntries runs a filtered audit query and records metrics
func (s *StorageWithMetrics) QueryAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	start := time.Now()
	entries, err := s.Storage.QueryAuditEntries(ctx, filter)
	s.record("select", "audit_entries", start, err)
	return entries, err
}

// CreateBackup inserts backup metadata and records metrics
func (s *StorageWithMetrics) CreateBackup(ctx context.Context, backup *models.Backup) error {
	start := time.Now()
	err := s.Storage.CreateBackup(ctx, backup)
	s.record("insert", "backups", start, err)
	return err
}

// UpdateBackup updates backup metadata and records metrics
func (s *StorageWithMetrics) UpdateBackup(ctx context.Context, backup *models.Backup) error {
	start := time.Now()
	err := s.Storage.UpdateBackup(ctx, backup)
	s.record("update", "backups", start, err)
	return err
}

// LoadSnapshot reads live data for a backup and records metrics
func (s *StorageWithMetrics) LoadSnapshot(ctx context.Context, sel models.Selection) (*models.Snapshot, error) {
	start := time.Now()
	snap, err := s.Storage.LoadSnapshot(ctx, sel)
	s.record("snapshot", "live_data", start, err)
	return snap, err
}

// ApplyRestore applies a restore plan and records metrics
func (s *StorageWithMetrics) ApplyRestore(ctx context.Context, plan *models.RestorePlan) error {
	start := time.Now()
	err := s.Storage.ApplyRestore(ctx, plan)
	s.record("restore", "live_data", start, err)
	return err
}
