// File: internal/backup/manager.go

// Package backup owns the backup lifecycle: creation, validation, restore,
// download and deletion, all serialized by one process-wide lock.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/artifact"
	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/retention"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const (
	defaultRestoreTimeout = 5 * time.Minute
	defaultStaleAfter     = 30 * time.Minute
)

var errInterrupted = errors.New("interrupted")

// AuditRecorder appends entries to the audit chain
type AuditRecorder interface {
	Record(ctx context.Context, in audit.RecordInput) (*models.AuditEntry, error)
}

// Dependencies wires a Manager. Lock must be the process-wide instance.
type Dependencies struct {
	Store          storage.Storage
	Artifacts      *artifact.Store
	Cipher         *artifact.Cipher
	Audit          AuditRecorder
	Lock           *OperationLock
	Clock          clock.Clock
	Metrics        *metrics.Manager
	RestoreTimeout time.Duration
	// StaleAfter is how old an IN_PROGRESS row must be before recovery fails it
	StaleAfter     time.Duration
}

// CreateOptions describes a backup to take
type CreateOptions struct {
	Actor            models.Actor
	Type             models.BackupType
	Format           models.BackupFormat
	IncludeUsers     bool
	IncludeSettings  bool
	IncludeAuditLogs bool
	DateFrom         *time.Time
	DateTo           *time.Time
	Encrypt          bool
}

// DeleteOptions controls the retention guard on delete
type DeleteOptions struct {
	Actor      models.Actor
	Superseded bool
}

// Download is an artifact ready to hand to a client
type Download struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Manager runs backup operations
type Manager struct {
	store          storage.Storage
	artifacts      *artifact.Store
	cipher         *artifact.Cipher
	audit          AuditRecorder
	lock           *OperationLock
	validator      *Validator
	clock          clock.Clock
	metrics        *metrics.PrometheusMetrics
	logger         *logrus.Entry
	restoreTimeout time.Duration
	staleAfter     time.Duration
}

// NewManager creates a lifecycle manager
func NewManager(deps Dependencies) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup manager requires storage")
	case deps.Artifacts == nil:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup manager requires an artifact store")
	case deps.Cipher == nil:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup manager requires an encryption cipher")
	case deps.Audit == nil:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup manager requires an audit recorder")
	case deps.Lock == nil:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup manager requires the operation lock")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.RestoreTimeout <= 0 {
		deps.RestoreTimeout = defaultRestoreTimeout
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = defaultStaleAfter
	}

	m := &Manager{
		store:          deps.Store,
		artifacts:      deps.Artifacts,
		cipher:         deps.Cipher,
		audit:          deps.Audit,
		lock:           deps.Lock,
		validator:      NewValidator(deps.Store, deps.Artifacts, deps.Clock, deps.Metrics),
		clock:          deps.Clock,
		logger:         utils.ComponentLogger("backup_manager"),
		restoreTimeout: deps.RestoreTimeout,
		staleAfter:     deps.StaleAfter,
	}
	if deps.Metrics != nil {
		m.metrics = deps.Metrics.GetPrometheusMetrics()
	}
	return m, nil
}

func requireAdmin(actor models.Actor) error {
	if !actor.IsAdmin() {
		return utils.NewAppError(utils.ErrCodeForbidden, "Backup operations require an administrator", string(actor.Role))
	}
	return nil
}

func (m *Manager) acquire(operation string) (func(), error) {
	release, err := m.lock.TryAcquire(operation)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordLockContention(operation)
		}
		m.logger.WithField("operation", operation).Warn("Backup lock is held, rejecting operation")
		return nil, err
	}
	return release, nil
}

// Create takes a backup under the global lock
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*models.Backup, error) {
	if err := requireAdmin(opts.Actor); err != nil {
		return nil, err
	}
	release, err := m.acquire("create")
	if err != nil {
		return nil, err
	}
	defer release()

	return m.create(ctx, opts)
}

// CreateAutomatic takes the scheduled backup described by cfg
func (m *Manager) CreateAutomatic(ctx context.Context, cfg *models.BackupConfig) (*models.Backup, error) {
	return m.Create(ctx, CreateOptions{
		Actor:            models.SystemActor,
		Type:             models.BackupTypeAutomatic,
		Format:           cfg.DefaultFormat,
		IncludeUsers:     true,
		IncludeSettings:  true,
		IncludeAuditLogs: cfg.IncludeAuditLogs,
		Encrypt:          cfg.EncryptAutomatic,
	})
}

func (m *Manager) checkOptions(ctx context.Context, opts *CreateOptions) error {
	if !opts.Type.Valid() {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown backup type", string(opts.Type))
	}
	if opts.DateFrom != nil && opts.DateTo != nil && opts.DateTo.Before(*opts.DateFrom) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid date range", "date_to is before date_from")
	}

	cfg, err := m.store.GetBackupConfig(ctx)
	if err != nil {
		return err
	}
	if opts.Format == "" {
		opts.Format = models.FormatJSON
		if cfg != nil && cfg.DefaultFormat != "" {
			opts.Format = cfg.DefaultFormat
		}
	}
	format, ok := models.ParseBackupFormat(string(opts.Format))
	if !ok {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown backup format", string(opts.Format))
	}
	opts.Format = format

	// pre-restore snapshots must never be blocked by format policy
	if cfg != nil && opts.Type != models.BackupTypePreRestore && !cfg.AllowsFormat(format) {
		return utils.NewAppError(utils.ErrCodeValidation, "Backup format is disabled", string(format))
	}
	return nil
}

// create assumes the lock is held
func (m *Manager) create(ctx context.Context, opts CreateOptions) (*models.Backup, error) {
	if err := m.checkOptions(ctx, &opts); err != nil {
		return nil, err
	}

	start := time.Now()
	now := m.clock.Now().UTC()
	b := &models.Backup{
		ID:               utils.GenerateID(),
		Filename:         artifact.Filename(now, opts.Type, opts.Format, opts.Encrypt),
		Type:             opts.Type,
		Format:           opts.Format,
		Status:           models.BackupStatusInProgress,
		CreatedAt:        now,
		CreatedBy:        opts.Actor.ID,
		IncludeAuditLogs: opts.IncludeAuditLogs,
		IncludeUsers:     opts.IncludeUsers,
		IncludeSettings:  opts.IncludeSettings,
		DateFrom:         opts.DateFrom,
		DateTo:           opts.DateTo,
		Encrypted:        opts.Encrypt,
	}
	if err := m.store.CreateBackup(ctx, b); err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"backup_id": b.ID,
		"type":      b.Type,
		"format":    b.Format,
		"encrypted": b.Encrypted,
	})
	logger.Info("Backup started")

	if err := m.produce(ctx, b, opts.Actor); err != nil {
		m.fail(ctx, b, err)
		m.recordOperation("create", b, time.Since(start))
		logger.WithError(err).Error("Backup failed")
		return b, err
	}

	m.recordOperation("create", b, time.Since(start))
	if m.metrics != nil {
		m.metrics.RecordBackupSize(string(b.Format), b.FileSize)
	}
	logger.WithFields(logrus.Fields{
		"filename":     b.Filename,
		"size":         b.FileSize,
		"record_count": b.RecordCount,
	}).Info("Backup completed")
	return b, nil
}

func (m *Manager) produce(ctx context.Context, b *models.Backup, actor models.Actor) error {
	snap, err := m.store.LoadSnapshot(ctx, models.Selection{
		IncludeUsers:     b.IncludeUsers,
		IncludeSettings:  b.IncludeSettings,
		IncludeAuditLogs: b.IncludeAuditLogs,
		DateFrom:         b.DateFrom,
		DateTo:           b.DateTo,
	})
	if err != nil {
		return err
	}
	snap.GeneratedAt = m.clock.Now().UTC()

	art, err := artifact.Build(snap, b.Format)
	if err != nil {
		return err
	}

	data := art.Data
	if b.Encrypted {
		if data, err = m.cipher.Encrypt(data); err != nil {
			return err
		}
	}

	b.Checksum = ComputeChecksum(data)
	b.FileSize = int64(len(data))
	b.RecordCount = art.RecordCount

	if err := m.artifacts.Write(b.Filename, data); err != nil {
		return err
	}

	if _, err := m.audit.Record(ctx, audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionBackup,
		EntityType: models.EntityBackup,
		EntityID:   b.ID,
		Changes: mustJSON(map[string]interface{}{
			"operation":    "create",
			"type":         b.Type,
			"format":       b.Format,
			"filename":     b.Filename,
			"checksum":     b.Checksum,
			"record_count": b.RecordCount,
			"encrypted":    b.Encrypted,
		}),
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	}); err != nil {
		return err
	}

	completed := m.clock.Now().UTC()
	b.Status = models.BackupStatusCompleted
	b.CompletedAt = &completed
	return m.store.UpdateBackup(ctx, b)
}

// fail removes whatever was written and records the failure on the row
func (m *Manager) fail(ctx context.Context, b *models.Backup, cause error) {
	if err := m.artifacts.Delete(b.Filename); err != nil {
		m.logger.WithError(err).WithField("filename", b.Filename).Warn("Failed to remove partial artifact")
	}

	b.Status = models.BackupStatusFailed
	b.ErrorMessage = cause.Error()
	b.Checksum = ""
	b.CompletedAt = nil
	if err := m.store.UpdateBackup(context.WithoutCancel(ctx), b); err != nil {
		m.logger.WithError(err).WithField("backup_id", b.ID).Error("Failed to mark backup as failed")
	}
}

func (m *Manager) recordOperation(op string, b *models.Backup, d time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordBackupOperation(op, string(b.Type), string(b.Status), d)
	}
}

// Validate re-checks the stored artifact of backup id
func (m *Manager) Validate(ctx context.Context, id string) (bool, error) {
	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return false, err
	}
	return m.validator.Validate(ctx, b)
}

// Get returns one backup's metadata
func (m *Manager) Get(ctx context.Context, id string) (*models.Backup, error) {
	return m.store.GetBackup(ctx, id)
}

// List returns backups newest first. A zero limit returns all of them.
func (m *Manager) List(ctx context.Context, filter models.BackupFilter) ([]*models.Backup, error) {
	backups, err := m.store.ListBackups(ctx, filter)
	if err != nil {
		return nil, err
	}
	if backups == nil {
		backups = []*models.Backup{}
	}
	return backups, nil
}

// Delete removes a backup's artifact and metadata. Backups still held by a
// retention window need Superseded; CORRUPTED ones always do.
func (m *Manager) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	if err := requireAdmin(opts.Actor); err != nil {
		return err
	}
	release, err := m.acquire("delete")
	if err != nil {
		return err
	}
	defer release()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case b.Status == models.BackupStatusInProgress:
		return utils.NewAppError(utils.ErrCodeValidation, "Backup in progress cannot be deleted", b.ID)
	case b.Status == models.BackupStatusCorrupted && !opts.Superseded:
		return utils.NewAppError(utils.ErrCodeValidation, "Corrupted backups are kept until superseded", b.ID)
	case !opts.Superseded:
		retained, err := m.retained(ctx, b)
		if err != nil {
			return err
		}
		if retained {
			return utils.NewAppError(utils.ErrCodeValidation, "Backup is still held by retention policy", b.ID)
		}
	}

	if _, err := m.audit.Record(ctx, audit.RecordInput{
		ActorID:    opts.Actor.ID,
		Action:     models.ActionBackup,
		EntityType: models.EntityBackup,
		EntityID:   b.ID,
		Changes: mustJSON(map[string]interface{}{
			"operation":  "delete",
			"phase":      "started",
			"filename":   b.Filename,
			"status":     b.Status,
			"superseded": opts.Superseded,
		}),
		IPAddress: opts.Actor.IPAddress,
		UserAgent: opts.Actor.UserAgent,
	}); err != nil {
		return err
	}

	if err := m.removeBackup(ctx, b); err != nil {
		m.recordDeleteFailure(ctx, b, opts.Actor, err)
		return err
	}

	m.recordOperation("delete", b, 0)
	m.logger.WithFields(logrus.Fields{
		"backup_id":  b.ID,
		"filename":   b.Filename,
		"superseded": opts.Superseded,
	}).Info("Backup deleted")
	return nil
}

func (m *Manager) removeBackup(ctx context.Context, b *models.Backup) error {
	if err := m.artifacts.Delete(b.Filename); err != nil {
		return err
	}
	return m.store.DeleteBackup(ctx, b.ID)
}

// recordDeleteFailure closes the started delete entry when removal did not complete
func (m *Manager) recordDeleteFailure(ctx context.Context, b *models.Backup, actor models.Actor, cause error) {
	m.logger.WithError(cause).WithField("backup_id", b.ID).Error("Backup delete failed")
	if _, err := m.audit.Record(context.WithoutCancel(ctx), audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionBackup,
		EntityType: models.EntityBackup,
		EntityID:   b.ID,
		Changes: mustJSON(map[string]interface{}{
			"operation": "delete",
			"phase":     "finished",
			"outcome":   "failed",
			"error":     cause.Error(),
		}),
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	}); err != nil {
		m.logger.WithError(err).WithField("backup_id", b.ID).Error("Failed to record delete outcome")
	}
}

// RecoverInterrupted fails backups a dead process left IN_PROGRESS and
// removes their partial artifacts. Rows younger than the stale threshold may
// belong to a create running in another process and are left alone.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	release, err := m.acquire("recover")
	if err != nil {
		return 0, err
	}
	defer release()

	status := models.BackupStatusInProgress
	stuck, err := m.store.ListBackups(ctx, models.BackupFilter{Status: &status})
	if err != nil {
		return 0, err
	}

	cutoff := m.clock.Now().UTC().Add(-m.staleAfter)
	recovered := 0
	for _, b := range stuck {
		if b.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := m.audit.Record(ctx, audit.RecordInput{
			ActorID:    models.SystemActor.ID,
			Action:     models.ActionBackup,
			EntityType: models.EntityBackup,
			EntityID:   b.ID,
			Changes: mustJSON(map[string]interface{}{
				"operation": "recover",
				"filename":  b.Filename,
				"status":    models.BackupStatusFailed,
				"reason":    errInterrupted.Error(),
			}),
		}); err != nil {
			return recovered, err
		}

		m.fail(ctx, b, errInterrupted)
		m.recordOperation("recover", b, 0)
		recovered++
		m.logger.WithFields(logrus.Fields{
			"backup_id":  b.ID,
			"filename":   b.Filename,
			"created_at": b.CreatedAt,
		}).Warn("Marked interrupted backup as failed")
	}
	return recovered, nil
}

// Prune deletes a backup on behalf of the retention scheduler
func (m *Manager) Prune(ctx context.Context, id string) error {
	return m.Delete(ctx, id, DeleteOptions{Actor: models.SystemActor})
}

func (m *Manager) retained(ctx context.Context, b *models.Backup) (bool, error) {
	cfg, err := m.store.GetBackupConfig(ctx)
	if err != nil {
		return false, err
	}
	all, err := m.store.ListBackups(ctx, models.BackupFilter{})
	if err != nil {
		return false, err
	}
	return retention.Retained(b, all, retention.PolicyFrom(cfg), m.clock.Now()), nil
}

// Download returns the stored artifact after re-checking its checksum
func (m *Manager) Download(ctx context.Context, id string, actor models.Actor) (*Download, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := m.readVerified(ctx, b)
	if err != nil {
		return nil, err
	}

	if _, err := m.audit.Record(ctx, audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionExport,
		EntityType: models.EntityBackup,
		EntityID:   b.ID,
		Changes: mustJSON(map[string]interface{}{
			"filename": b.Filename,
			"size":     len(data),
		}),
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	return &Download{
		Filename:    b.Filename,
		ContentType: artifact.ContentType(b.Format, b.Encrypted),
		Data:        data,
	}, nil
}

// readVerified returns artifact bytes only when they still match the checksum.
// A mismatch marks the backup CORRUPTED.
func (m *Manager) readVerified(ctx context.Context, b *models.Backup) ([]byte, error) {
	switch b.Status {
	case models.BackupStatusCompleted:
	case models.BackupStatusCorrupted:
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Backup is corrupted", b.ID)
	default:
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Backup is not completed", string(b.Status))
	}

	data, err := m.artifacts.Read(b.Filename)
	if err != nil && !utils.IsCode(err, utils.ErrCodeNotFound) {
		return nil, err
	}

	var ok bool
	if err != nil {
		ok, err = m.validator.Validate(ctx, b)
	} else {
		ok, err = m.validator.Check(ctx, b, data)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Backup failed integrity validation", b.ID)
	}
	return data, nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
