// File: internal/core/service.go

// Package core is the entry point other parts of the system use to record
// and read the audit trail and to run backup operations.
package core

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/backup"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/notification"
	"github.com/medtrack/integrity-core/internal/retention"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// EntityAuditLog is the entity a query of the trail itself is recorded against
const EntityAuditLog = "audit_log"

// Service wires the audit chain, backup lifecycle and retention scheduler
type Service struct {
	config    *config.Config
	store     storage.Storage
	writer    *audit.Writer
	verifier  *audit.Verifier
	query     *audit.Query
	backups   *backup.Manager
	scheduler *retention.Scheduler
	notifier  *notification.Notifier
	clock     clock.Clock
	metrics   *metrics.Manager
	logger    *logrus.Entry

	startedAt time.Time
	closeOnce sync.Once
}

// HealthStatus summarizes whether the core can do its job
type HealthStatus struct {
	Healthy          bool                   `json:"healthy"`
	StorageHealthy   bool                   `json:"storage_healthy"`
	SchedulerRunning bool                   `json:"scheduler_running"`
	AuditFailures    int64                  `json:"audit_failures"`
	Uptime           time.Duration          `json:"uptime"`
	Stats            *storage.StorageStats  `json:"stats,omitempty"`
	Database         map[string]interface{} `json:"database,omitempty"`
	Issues           []string               `json:"issues,omitempty"`
}

// Start seeds the backup configuration and starts background work
func (s *Service) Start(ctx context.Context) error {
	if err := s.backups.SeedConfig(ctx, s.config.InitialBackupConfig(s.clock.Now())); err != nil {
		return err
	}
	s.recoverInterrupted(ctx)
	if err := s.writer.Start(ctx); err != nil {
		return err
	}
	if s.config.Scheduler.Enabled {
		if err := s.scheduler.Start(ctx); err != nil {
			s.writer.Stop()
			return err
		}
	}
	s.startedAt = time.Now()
	s.logger.WithFields(logrus.Fields{
		"storage":   s.config.Storage.Type,
		"scheduler": s.config.Scheduler.Enabled,
	}).Info("Integrity core started")
	return nil
}

// recoverInterrupted fails backups a crashed process left IN_PROGRESS.
// Startup continues when the sweep cannot run; the scheduler retries it.
func (s *Service) recoverInterrupted(ctx context.Context) {
	n, err := s.backups.RecoverInterrupted(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Interrupted backup recovery failed")
		return
	}
	if n > 0 {
		s.logger.WithField("recovered", n).Warn("Recovered interrupted backups")
	}
}

// Close stops background work, drains queued audit writes and closes storage
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		s.writer.Stop()
		s.notifier.Wait()
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close storage")
		}
		s.logger.Info("Integrity core stopped")
	})
}

// Metrics exposes the metrics manager for the HTTP layer
func (s *Service) Metrics() *metrics.Manager {
	return s.metrics
}

// RecordAudit appends an entry for a sensitive action. Best-effort actions
// that were queued return an empty id.
func (s *Service) RecordAudit(ctx context.Context, in audit.RecordInput) (string, error) {
	entry, err := s.writer.Record(ctx, in)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	return entry.ID, nil
}

// QueryAudit returns a page of the trail and records that it was viewed
func (s *Service) QueryAudit(ctx context.Context, actor models.Actor, filter models.AuditFilter) (*audit.Page, error) {
	page, err := s.query.Query(ctx, actor, filter)
	if err != nil {
		return nil, err
	}

	changes, _ := audit.Diff(nil, map[string]interface{}{
		"returned": len(page.Entries),
		"offset":   page.Offset,
		"search":   filter.Search,
	})
	_, _ = s.writer.Record(ctx, audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionView,
		EntityType: EntityAuditLog,
		Changes:    changes,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	})
	return page, nil
}

// VerifyAuditChain walks the chain and raises an alert when it is broken
func (s *Service) VerifyAuditChain(ctx context.Context, actor models.Actor, r *audit.Range) (*audit.ChainReport, error) {
	if err := requireReader(actor); err != nil {
		return nil, err
	}
	report, err := s.verifier.VerifyChain(ctx, r)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		s.notifier.Raise(ctx, &notification.Alert{
			Kind:    notification.KindChainBroken,
			Message: "Audit chain integrity violation",
			Details: map[string]interface{}{
				"first_broken_at": report.FirstBrokenAt,
				"reason":          report.Reason,
				"checked":         report.Checked,
			},
		})
	}
	return report, nil
}

// CreateBackup takes a backup now
func (s *Service) CreateBackup(ctx context.Context, opts backup.CreateOptions) (*models.Backup, error) {
	return s.backups.Create(ctx, opts)
}

// ValidateBackup re-checks a stored artifact
func (s *Service) ValidateBackup(ctx context.Context, actor models.Actor, id string) (bool, error) {
	if err := requireReader(actor); err != nil {
		return false, err
	}
	ok, err := s.backups.Validate(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		s.raiseCorrupted(ctx, id)
	}
	return ok, nil
}

// RestoreBackup replaces live data from a backup
func (s *Service) RestoreBackup(ctx context.Context, id string, opts backup.RestoreOptions) (*backup.RestoreOutcome, error) {
	outcome, err := s.backups.Restore(ctx, id, opts)
	switch {
	case err == nil:
	case utils.IsCode(err, utils.ErrCodeIntegrity):
		s.raiseCorrupted(ctx, id)
	case outcome != nil && outcome.Outcome == backup.OutcomeFailed:
		s.notifier.Raise(ctx, &notification.Alert{
			Kind:    notification.KindRestoreFailed,
			Message: "Restore failed and was rolled back",
			Details: map[string]interface{}{
				"backup_id":             id,
				"pre_restore_backup_id": outcome.PreRestoreBackupID,
				"error":                 outcome.Error,
			},
		})
	}
	return outcome, err
}

// DeleteBackup removes a backup
func (s *Service) DeleteBackup(ctx context.Context, id string, opts backup.DeleteOptions) error {
	return s.backups.Delete(ctx, id, opts)
}

// DownloadBackup returns an artifact for export
func (s *Service) DownloadBackup(ctx context.Context, id string, actor models.Actor) (*backup.Download, error) {
	dl, err := s.backups.Download(ctx, id, actor)
	if utils.IsCode(err, utils.ErrCodeIntegrity) {
		s.raiseCorrupted(ctx, id)
	}
	return dl, err
}

// GetBackup returns backup metadata
func (s *Service) GetBackup(ctx context.Context, actor models.Actor, id string) (*models.Backup, error) {
	if err := requireReader(actor); err != nil {
		return nil, err
	}
	return s.backups.Get(ctx, id)
}

// ListBackups returns backup metadata newest first
func (s *Service) ListBackups(ctx context.Context, actor models.Actor, filter models.BackupFilter) ([]*models.Backup, error) {
	if err := requireReader(actor); err != nil {
		return nil, err
	}
	return s.backups.List(ctx, filter)
}

// GetBackupConfig returns the persisted backup configuration
func (s *Service) GetBackupConfig(ctx context.Context, actor models.Actor) (*models.BackupConfig, error) {
	if err := requireReader(actor); err != nil {
		return nil, err
	}
	return s.backups.GetConfig(ctx)
}

// UpdateBackupConfig replaces the backup configuration
func (s *Service) UpdateBackupConfig(ctx context.Context, actor models.Actor, cfg *models.BackupConfig) (*models.BackupConfig, error) {
	return s.backups.UpdateConfig(ctx, actor, cfg)
}

// RunRetention performs one scheduler pass immediately
func (s *Service) RunRetention(ctx context.Context) (*retention.RunResult, error) {
	return s.scheduler.RunOnce(ctx, s.clock.Now())
}

// Health reports storage reachability and background component state
func (s *Service) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		StorageHealthy:   true,
		SchedulerRunning: s.scheduler.IsRunning(),
		AuditFailures:    s.writer.Failures(),
	}
	if !s.startedAt.IsZero() {
		status.Uptime = time.Since(s.startedAt)
	}

	if err := s.store.Ping(); err != nil {
		status.StorageHealthy = false
		status.Issues = append(status.Issues, "storage unreachable: "+err.Error())
	} else {
		if stats, err := s.store.GetStorageStats(ctx); err == nil {
			status.Stats = stats
		}
		if m, ok := s.store.(storage.Maintainer); ok {
			if info, err := m.DatabaseInfo(ctx); err == nil {
				status.Database = info
			}
		}
	}
	if s.config.Scheduler.Enabled && !status.SchedulerRunning && !s.startedAt.IsZero() {
		status.Issues = append(status.Issues, "retention scheduler is not running")
	}
	if status.AuditFailures > 0 {
		status.Issues = append(status.Issues, "best-effort audit writes have been dropped")
	}
	status.Healthy = status.StorageHealthy && len(status.Issues) == 0

	pm := s.metrics.GetPrometheusMetrics()
	pm.UpdateComponentHealth("storage", status.StorageHealthy)
	pm.UpdateComponentHealth("scheduler", status.SchedulerRunning)
	pm.UpdateGoroutineCount(runtime.NumGoroutine())
	if !s.startedAt.IsZero() {
		pm.UpdateApplicationUptime(s.startedAt)
	}
	return status
}

func (s *Service) raiseCorrupted(ctx context.Context, id string) {
	s.notifier.Raise(ctx, &notification.Alert{
		Kind:    notification.KindBackupCorrupted,
		Message: "Backup failed integrity validation",
		Details: map[string]interface{}{"backup_id": id},
	})
}

func requireReader(actor models.Actor) error {
	if !actor.CanReadAudit() {
		return utils.NewAppError(utils.ErrCodeForbidden, "Role may not read audit or backup records", string(actor.Role))
	}
	return nil
}
