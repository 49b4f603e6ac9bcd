// File: internal/backup/validator.go
package backup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/artifact"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// ComputeChecksum digests artifact bytes as stored, after any encryption
func ComputeChecksum(data []byte) string {
	return utils.SHA256Hex(data)
}

// Validator compares stored artifacts against their recorded checksums
type Validator struct {
	store     storage.Storage
	artifacts *artifact.Store
	clock     clock.Clock
	metrics   *metrics.PrometheusMetrics
	logger    *logrus.Entry
}

// NewValidator creates an integrity validator
func NewValidator(store storage.Storage, artifacts *artifact.Store, clk clock.Clock, m *metrics.Manager) *Validator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	v := &Validator{
		store:     store,
		artifacts: artifacts,
		clock:     clk,
		logger:    utils.ComponentLogger("backup_validator"),
	}
	if m != nil {
		v.metrics = m.GetPrometheusMetrics()
	}
	return v
}

// Validate re-reads the artifact and checks its digest. A match marks the
// backup validated; a mismatch or a missing artifact marks it CORRUPTED for
// good. Safe to repeat.
func (v *Validator) Validate(ctx context.Context, b *models.Backup) (bool, error) {
	switch b.Status {
	case models.BackupStatusCorrupted:
		return false, nil
	case models.BackupStatusCompleted:
	default:
		return false, utils.NewAppError(utils.ErrCodeValidation, "Backup cannot be validated in its current status",
			string(b.Status))
	}

	data, err := v.artifacts.Read(b.Filename)
	if utils.IsCode(err, utils.ErrCodeNotFound) {
		return false, v.markCorrupted(ctx, b, "artifact missing from storage")
	}
	if err != nil {
		return false, err
	}
	return v.Check(ctx, b, data)
}

// Check applies the validation outcome for bytes the caller has already read
func (v *Validator) Check(ctx context.Context, b *models.Backup, data []byte) (bool, error) {
	if b.Status == models.BackupStatusCorrupted {
		return false, nil
	}
	if ComputeChecksum(data) != b.Checksum {
		return false, v.markCorrupted(ctx, b, "checksum mismatch")
	}

	now := v.clock.Now()
	b.Validated = true
	b.ValidatedAt = &now
	if err := v.store.UpdateBackup(ctx, b); err != nil {
		return false, err
	}

	v.logger.WithFields(logrus.Fields{
		"backup_id": b.ID,
		"filename":  b.Filename,
	}).Debug("Backup validated")
	return true, nil
}

func (v *Validator) markCorrupted(ctx context.Context, b *models.Backup, reason string) error {
	b.Status = models.BackupStatusCorrupted
	b.Validated = false
	b.ValidatedAt = nil
	b.ErrorMessage = reason
	if err := v.store.UpdateBackup(ctx, b); err != nil {
		return err
	}

	if v.metrics != nil {
		v.metrics.RecordBackupCorrupted()
	}
	v.logger.WithFields(logrus.Fields{
		"backup_id": b.ID,
		"filename":  b.Filename,
		"checksum":  b.Checksum,
		"reason":    reason,
		"at":        v.clock.Now().Format(time.RFC3339),
	}).Error("Backup integrity violation")
	return nil
}
