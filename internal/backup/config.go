package backup

import (
	"context"

	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// GetConfig returns the stored backup configuration
func (m *Manager) GetConfig(ctx context.Context) (*models.BackupConfig, error) {
	cfg, err := m.store.GetBackupConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Backup configuration has not been initialized")
	}
	return cfg, nil
}

// SeedConfig stores initial when no configuration exists yet
func (m *Manager) SeedConfig(ctx context.Context, initial *models.BackupConfig) error {
	existing, err := m.store.GetBackupConfig(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := ValidateConfig(initial); err != nil {
		return err
	}
	return m.store.SaveBackupConfig(ctx, initial)
}

// UpdateConfig replaces the configuration on behalf of an administrator
func (m *Manager) UpdateConfig(ctx context.Context, actor models.Actor, cfg *models.BackupConfig) (*models.BackupConfig, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	before, err := m.store.GetBackupConfig(ctx)
	if err != nil {
		return nil, err
	}

	cfg.UpdatedBy = actor.ID
	cfg.UpdatedAt = m.clock.Now().UTC()

	changes, err := audit.Diff(before, cfg)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to diff backup configuration", err.Error())
	}
	if _, err := m.audit.Record(ctx, audit.RecordInput{
		ActorID:    actor.ID,
		Action:     models.ActionUpdate,
		EntityType: models.EntityBackupConfig,
		EntityID:   "1",
		Changes:    changes,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	if err := m.store.SaveBackupConfig(ctx, cfg); err != nil {
		return nil, err
	}
	m.logger.WithField("updated_by", actor.ID).Info("Backup configuration updated")
	return cfg, nil
}

// ValidateConfig checks a configuration before it is stored
func ValidateConfig(cfg *models.BackupConfig) error {
	if cfg == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Backup configuration is required")
	}
	if _, _, err := cfg.ScheduleClock(); err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "schedule_time must be HH:MM", cfg.ScheduleTime)
	}
	for i, f := range cfg.AllowedFormats {
		parsed, ok := models.ParseBackupFormat(string(f))
		if !ok {
			return utils.NewAppError(utils.ErrCodeValidation, "Unknown backup format", string(f))
		}
		cfg.AllowedFormats[i] = parsed
	}
	format, ok := models.ParseBackupFormat(string(cfg.DefaultFormat))
	if !ok {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown default format", string(cfg.DefaultFormat))
	}
	cfg.DefaultFormat = format
	if !cfg.AllowsFormat(format) {
		return utils.NewAppError(utils.ErrCodeValidation, "Default format is not allowed", string(format))
	}
	if cfg.RetentionDailyDays < 1 || cfg.RetentionWeeklyWeeks < 0 || cfg.RetentionMonthlyMonths < 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Retention windows must be positive",
			"daily must be at least 1 day")
	}
	return nil
}
