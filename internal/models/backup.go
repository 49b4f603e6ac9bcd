package models

import (
	"strings"
	"time"
)

// BackupType describes what triggered a backup
type BackupType string

const (
	BackupTypeManual     BackupType = "MANUAL"
	BackupTypeAutomatic  BackupType = "AUTOMATIC"
	BackupTypePreRestore BackupType = "PRE_RESTORE"
)

// Valid reports whether t is a known backup type
func (t BackupType) Valid() bool {
	switch t {
	case BackupTypeManual, BackupTypeAutomatic, BackupTypePreRestore:
		return true
	}
	return false
}

// BackupFormat is the serialization used for an artifact
type BackupFormat string

const (
	FormatCSV  BackupFormat = "CSV"
	FormatJSON BackupFormat = "JSON"
	FormatSQL  BackupFormat = "SQL"
)

// ParseBackupFormat normalizes and validates a format name
func ParseBackupFormat(s string) (BackupFormat, bool) {
	f := BackupFormat(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FormatCSV, FormatJSON, FormatSQL:
		return f, true
	}
	return f, false
}

// Extension returns the artifact file extension for the format
func (f BackupFormat) Extension() string {
	return strings.ToLower(string(f))
}

// BackupStatus is the lifecycle state of a backup
type BackupStatus string

const (
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusFailed     BackupStatus = "FAILED"
	BackupStatusCorrupted  BackupStatus = "CORRUPTED"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// IN_PROGRESS -> COMPLETED|FAILED, COMPLETED -> CORRUPTED. Nothing else, ever.
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	switch s {
	case BackupStatusInProgress:
		return next == BackupStatusCompleted || next == BackupStatusFailed
	case BackupStatusCompleted:
		return next == BackupStatusCorrupted
	}
	return false
}

// Backup is the metadata row describing one stored artifact
type Backup struct {
	ID               string       `json:"id" db:"id"`
	Filename         string       `json:"filename" db:"filename"`
	Type             BackupType   `json:"type" db:"type"`
	Format           BackupFormat `json:"format" db:"format"`
	FileSize         int64        `json:"file_size" db:"file_size"`
	RecordCount      int64        `json:"record_count" db:"record_count"`
	Status           BackupStatus `json:"status" db:"status"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	CreatedBy        string       `json:"created_by" db:"created_by"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	IncludeAuditLogs bool         `json:"include_audit_logs" db:"include_audit_logs"`
	IncludeUsers     bool         `json:"include_users" db:"include_users"`
	IncludeSettings  bool         `json:"include_settings" db:"include_settings"`
	DateFrom         *time.Time   `json:"date_from,omitempty" db:"date_from"`
	DateTo           *time.Time   `json:"date_to,omitempty" db:"date_to"`
	Encrypted        bool         `json:"encrypted" db:"encrypted"`
	Checksum         string       `json:"checksum,omitempty" db:"checksum"`
	Validated        bool         `json:"validated" db:"validated"`
	ValidatedAt      *time.Time   `json:"validated_at,omitempty" db:"validated_at"`
	ErrorMessage     string       `json:"error_message,omitempty" db:"error_message"`
}

// IsFullBackup reports whether the backup covers all rows rather than a date range
func (b *Backup) IsFullBackup() bool {
	return b.DateFrom == nil && b.DateTo == nil
}

// BackupFilter for listing backups
type BackupFilter struct {
	Type   *BackupType   `json:"type,omitempty"`
	Status *BackupStatus `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// BackupConfig is the singleton scheduling and retention configuration
type BackupConfig struct {
	Enabled                bool           `json:"enabled"`
	ScheduleTime           string         `json:"schedule_time"` // HH:MM, UTC
	AllowedFormats         []BackupFormat `json:"allowed_formats"`
	DefaultFormat          BackupFormat   `json:"default_format"`
	IncludeAuditLogs       bool           `json:"include_audit_logs"`
	EncryptAutomatic       bool           `json:"encrypt_automatic"`
	RetentionDailyDays     int            `json:"retention_daily_days"`
	RetentionWeeklyWeeks   int            `json:"retention_weekly_weeks"`
	RetentionMonthlyMonths int            `json:"retention_monthly_months"`
	StorageLocation        string         `json:"storage_location"`
	UpdatedBy              string         `json:"updated_by"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// AllowsFormat reports whether f is enabled by the configuration
func (c *BackupConfig) AllowsFormat(f BackupFormat) bool {
	if len(c.AllowedFormats) == 0 {
		return true
	}
	for _, allowed := range c.AllowedFormats {
		if allowed == f {
			return true
		}
	}
	return false
}

// ScheduleClock parses ScheduleTime into hour and minute
func (c *BackupConfig) ScheduleClock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.ScheduleTime))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
