// File: internal/storage/backup_store.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const backupColumns = `id, filename, type, format, file_size, record_count, status, created_at,
	created_by, completed_at, include_audit_logs, include_users, include_settings, date_from,
	date_to, encrypted, checksum, validated, validated_at, error_message`

// CreateBackup inserts a new backup metadata row
func (s *sqlStore) CreateBackup(ctx context.Context, b *models.Backup) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO backups (`+backupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`),
		b.ID, b.Filename, string(b.Type), string(b.Format), b.FileSize, b.RecordCount,
		string(b.Status), utils.FormatTimestamp(b.CreatedAt), b.CreatedBy, nullTime(b.CompletedAt),
		b.IncludeAuditLogs, b.IncludeUsers, b.IncludeSettings, nullTime(b.DateFrom),
		nullTime(b.DateTo), b.Encrypted, b.Checksum, b.Validated, nullTime(b.ValidatedAt),
		b.ErrorMessage)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create backup record", err.Error())
	}
	return nil
}

// UpdateBackup persists mutable backup fields. A status change is only written
// when it is a legal lifecycle transition from the stored status.
func (s *sqlStore) UpdateBackup(ctx context.Context, b *models.Backup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, s.rebind("SELECT status FROM backups WHERE id = $1"), b.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return utils.NewAppError(utils.ErrCodeNotFound, "Backup not found", b.ID)
	}
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read backup status", err.Error())
	}

	from := models.BackupStatus(current)
	if from != b.Status && !from.CanTransitionTo(b.Status) {
		return utils.NewAppError(utils.ErrCodeValidation, "Illegal backup status transition",
			fmt.Sprintf("%s -> %s", from, b.Status))
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE backups SET
			file_size = $1, record_count = $2, status = $3, completed_at = $4,
			encrypted = $5, checksum = $6, validated = $7, validated_at = $8, error_message = $9
		WHERE id = $10
	`),
		b.FileSize, b.RecordCount, string(b.Status), nullTime(b.CompletedAt), b.Encrypted,
		b.Checksum, b.Validated, nullTime(b.ValidatedAt), b.ErrorMessage, b.ID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update backup", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit backup update", err.Error())
	}
	return nil
}

// GetBackup retrieves a backup by id
func (s *sqlStore) GetBackup(ctx context.Context, id string) (*models.Backup, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+backupColumns+" FROM backups WHERE id = $1"), id)
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Backup not found", id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBackups returns backups matching filter, newest first
func (s *sqlStore) ListBackups(ctx context.Context, filter models.BackupFilter) ([]*models.Backup, error) {
	query := "SELECT " + backupColumns + " FROM backups WHERE 1=1"
	args := []interface{}{}
	n := 1

	if filter.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, string(*filter.Type))
		n++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
		n++
	}

	query += " ORDER BY created_at DESC, id ASC"

	// an offset is only meaningful with a limit; sqlite rejects OFFSET alone
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
		n++
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET $%d", n)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query backups", err.Error())
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate backups", err.Error())
	}
	return backups, nil
}

// DeleteBackup removes a backup metadata row
func (s *sqlStore) DeleteBackup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM backups WHERE id = $1"), id)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete backup", err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rows affected", err.Error())
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Backup not found", id)
	}
	return nil
}

func scanBackup(row rowScanner) (*models.Backup, error) {
	var b models.Backup
	var typ, format, status, createdAt string
	var completedAt, dateFrom, dateTo, validatedAt sql.NullString

	err := row.Scan(&b.ID, &b.Filename, &typ, &format, &b.FileSize, &b.RecordCount, &status,
		&createdAt, &b.CreatedBy, &completedAt, &b.IncludeAuditLogs, &b.IncludeUsers,
		&b.IncludeSettings, &dateFrom, &dateTo, &b.Encrypted, &b.Checksum, &b.Validated,
		&validatedAt, &b.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan backup", err.Error())
	}

	b.Type = models.BackupType(typ)
	b.Format = models.BackupFormat(format)
	b.Status = models.BackupStatus(status)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw  sql.NullString
		dest **time.Time
	}{
		{completedAt, &b.CompletedAt},
		{dateFrom, &b.DateFrom},
		{dateTo, &b.DateTo},
		{validatedAt, &b.ValidatedAt},
	} {
		if *f.dest, err = parseNullTime(f.raw); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

// GetBackupConfig returns the singleton configuration, or nil before it is seeded
func (s *sqlStore) GetBackupConfig(ctx context.Context) (*models.BackupConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT enabled, schedule_time, allowed_formats, default_format, include_audit_logs,
		       encrypt_automatic, retention_daily_days, retention_weekly_weeks,
		       retention_monthly_months, storage_location, updated_by, updated_at
		FROM backup_config WHERE id = 1
	`)

	var cfg models.BackupConfig
	var formats, defaultFormat, updatedAt string
	err := row.Scan(&cfg.Enabled, &cfg.ScheduleTime, &formats, &defaultFormat, &cfg.IncludeAuditLogs,
		&cfg.EncryptAutomatic, &cfg.RetentionDailyDays, &cfg.RetentionWeeklyWeeks,
		&cfg.RetentionMonthlyMonths, &cfg.StorageLocation, &cfg.UpdatedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read backup config", err.Error())
	}

	for _, f := range strings.Split(formats, ",") {
		if format, ok := models.ParseBackupFormat(f); ok {
			cfg.AllowedFormats = append(cfg.AllowedFormats, format)
		}
	}
	cfg.DefaultFormat = models.BackupFormat(defaultFormat)
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveBackupConfig upserts the singleton configuration
func (s *sqlStore) SaveBackupConfig(ctx context.Context, cfg *models.BackupConfig) error {
	formats := make([]string, 0, len(cfg.AllowedFormats))
	for _, f := range cfg.AllowedFormats {
		formats = append(formats, string(f))
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO backup_config (id, enabled, schedule_time, allowed_formats, default_format,
			include_audit_logs, encrypt_automatic, retention_daily_days, retention_weekly_weeks,
			retention_monthly_months, storage_location, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			schedule_time = excluded.schedule_time,
			allowed_formats = excluded.allowed_formats,
			default_format = excluded.default_format,
			include_audit_logs = excluded.include_audit_logs,
			encrypt_automatic = excluded.encrypt_automatic,
			retention_daily_days = excluded.retention_daily_days,
			retention_weekly_weeks = excluded.retention_weekly_weeks,
			retention_monthly_months = excluded.retention_monthly_months,
			storage_location = excluded.storage_location,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`),
		cfg.Enabled, cfg.ScheduleTime, strings.Join(formats, ","), string(cfg.DefaultFormat),
		cfg.IncludeAuditLogs, cfg.EncryptAutomatic, cfg.RetentionDailyDays, cfg.RetentionWeeklyWeeks,
		cfg.RetentionMonthlyMonths, cfg.StorageLocation, cfg.UpdatedBy, utils.FormatTimestamp(cfg.UpdatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save backup config", err.Error())
	}
	return nil
}
