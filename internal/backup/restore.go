// File: internal/backup/restore.go
package backup

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/artifact"
	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Restore outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// RestoreOptions carries the restoring identity
type RestoreOptions struct {
	Actor models.Actor
}

// RestoreOutcome reports what a restore did
type RestoreOutcome struct {
	BackupID           string        `json:"backup_id"`
	PreRestoreBackupID string        `json:"pre_restore_backup_id,omitempty"`
	Outcome            string        `json:"outcome"`
	RecordsRestored    int64         `json:"records_restored"`
	Error              string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// Restore replaces live data with the contents of backup id. A PRE_RESTORE
// snapshot of the current data is taken first; the apply itself runs in one
// transaction bounded by the restore timeout.
func (m *Manager) Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreOutcome, error) {
	if err := requireAdmin(opts.Actor); err != nil {
		return nil, err
	}
	release, err := m.acquire("restore")
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outcome := &RestoreOutcome{BackupID: b.ID}
	logger := m.logger.WithFields(logrus.Fields{
		"backup_id": b.ID,
		"filename":  b.Filename,
		"actor_id":  opts.Actor.ID,
	})

	plan, err := m.prepare(ctx, b)
	if err != nil {
		outcome.Outcome = OutcomeRejected
		return m.finishRestore(ctx, opts.Actor, outcome, start, err, logger)
	}

	pre, err := m.create(ctx, CreateOptions{
		Actor:           opts.Actor,
		Type:            models.BackupTypePreRestore,
		Format:          models.FormatJSON,
		IncludeUsers:    true,
		IncludeSettings: true,
		Encrypt:         true,
	})
	if pre != nil {
		outcome.PreRestoreBackupID = pre.ID
	}
	if err != nil {
		outcome.Outcome = OutcomeFailed
		return m.finishRestore(ctx, opts.Actor, outcome, start, err, logger)
	}

	// the chain must show the attempt before any data changes
	if _, err := m.audit.Record(ctx, m.restoreEntry(opts.Actor, b.ID, map[string]interface{}{
		"phase":                 "started",
		"filename":              b.Filename,
		"pre_restore_backup_id": pre.ID,
	})); err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		m.recordRestore(outcome)
		logger.WithError(err).Error("Restore aborted, audit entry could not be written")
		return outcome, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, m.restoreTimeout)
	defer cancel()

	if err := m.store.ApplyRestore(applyCtx, plan); err != nil {
		if errors.Is(applyCtx.Err(), context.DeadlineExceeded) {
			err = utils.NewAppError(utils.ErrCodeStorage, "Restore timed out and was rolled back",
				m.restoreTimeout.String())
		}
		outcome.Outcome = OutcomeFailed
		return m.finishRestore(ctx, opts.Actor, outcome, start, err, logger)
	}

	outcome.Outcome = OutcomeSucceeded
	if plan.Snapshot != nil {
		outcome.RecordsRestored = plan.Snapshot.RecordCount()
	} else {
		outcome.RecordsRestored = b.RecordCount
	}
	return m.finishRestore(ctx, opts.Actor, outcome, start, nil, logger)
}

// prepare verifies and decodes the artifact without touching live data
func (m *Manager) prepare(ctx context.Context, b *models.Backup) (*models.RestorePlan, error) {
	data, err := m.readVerified(ctx, b)
	if err != nil {
		return nil, err
	}

	if b.Encrypted {
		if data, err = m.cipher.Decrypt(data); err != nil {
			return nil, err
		}
	} else if artifact.IsEncrypted(data) {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Artifact is encrypted but metadata says otherwise", b.ID)
	}

	return artifact.PlanFor(data, b.Format)
}

func (m *Manager) finishRestore(ctx context.Context, actor models.Actor, outcome *RestoreOutcome,
	start time.Time, cause error, logger *logrus.Entry) (*RestoreOutcome, error) {
	outcome.Duration = time.Since(start)
	if cause != nil {
		outcome.Error = cause.Error()
	}

	_, auditErr := m.audit.Record(context.WithoutCancel(ctx), m.restoreEntry(actor, outcome.BackupID, map[string]interface{}{
		"phase":                 "finished",
		"outcome":               outcome.Outcome,
		"pre_restore_backup_id": outcome.PreRestoreBackupID,
		"records_restored":      outcome.RecordsRestored,
		"error":                 outcome.Error,
	}))
	m.recordRestore(outcome)

	fields := logrus.Fields{
		"outcome":               outcome.Outcome,
		"pre_restore_backup_id": outcome.PreRestoreBackupID,
		"duration":              outcome.Duration,
	}
	switch {
	case cause != nil:
		logger.WithFields(fields).WithError(cause).Error("Restore did not complete")
		return outcome, cause
	case auditErr != nil:
		logger.WithFields(fields).WithError(auditErr).Error("Restore applied but its outcome could not be audited")
		return outcome, auditErr
	}
	logger.WithFields(fields).WithField("records_restored", outcome.RecordsRestored).Info("Restore completed")
	return outcome, nil
}

func (m *Manager) restoreEntry(actor models.Actor, backupID string, changes map[string]interface{}) audit.RecordInput {
	return audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionRestore,
		EntityType: models.EntityBackup,
		EntityID:   backupID,
		Changes:    mustJSON(changes),
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}
}

func (m *Manager) recordRestore(outcome *RestoreOutcome) {
	if m.metrics != nil {
		m.metrics.RecordRestore(outcome.Outcome)
	}
}
