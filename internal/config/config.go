// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// AuditConfig contains audit chain configuration
type AuditConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	QueueSize  int    `mapstructure:"queue_size"` // best-effort VIEW writes
}

// BackupConfig contains artifact storage configuration
type BackupConfig struct {
	StorageLocation  string        `mapstructure:"storage_location"`
	EncryptionSecret string        `mapstructure:"encryption_secret"`
	RestoreTimeout   time.Duration `mapstructure:"restore_timeout"`
	StaleAfter       time.Duration `mapstructure:"stale_after"` // age at which an IN_PROGRESS row counts as interrupted
}

// SchedulerConfig contains the retention scheduler settings and the values the
// persisted backup configuration is seeded with on first start
type SchedulerConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	ScheduleTime           string        `mapstructure:"schedule_time"` // HH:MM UTC
	AllowedFormats         []string      `mapstructure:"allowed_formats"`
	DefaultFormat          string        `mapstructure:"default_format"`
	IncludeAuditLogs       bool          `mapstructure:"include_audit_logs"`
	Encrypt                bool          `mapstructure:"encrypt"`
	RetentionDailyDays     int           `mapstructure:"retention_daily_days"`
	RetentionWeeklyWeeks   int           `mapstructure:"retention_weekly_weeks"`
	RetentionMonthlyMonths int           `mapstructure:"retention_monthly_months"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// AuthConfig contains bearer token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AlertsConfig contains integrity alert delivery settings. Alerts are only
// logged when no webhook URL is set.
type AlertsConfig struct {
	WebhookURL    string            `mapstructure:"webhook_url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file, discard
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// MEDTRACK_AUDIT_SIGNING_KEY overrides audit.signing_key, and so on
	v.SetEnvPrefix("MEDTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// An explicit path must exist; the search path may come up empty
		if _, notFound := err.(viper.ConfigFileNotFoundError); configPath != "" || !notFound {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Error reading config file", err.Error())
		}
		utils.GetLogger().Info("Config file not found, using defaults and environment variables")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Error unmarshaling config", err.Error())
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "medtrack-integrity")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/medtrack.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")

	// Audit defaults; signing_key has none on purpose
	v.SetDefault("audit.signing_key", "")
	v.SetDefault("audit.queue_size", 1024)

	// Backup defaults
	v.SetDefault("backup.storage_location", "./data/backups")
	v.SetDefault("backup.encryption_secret", "")
	v.SetDefault("backup.restore_timeout", "5m")
	v.SetDefault("backup.stale_after", "30m")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval", "1h")
	v.SetDefault("scheduler.schedule_time", "02:00")
	v.SetDefault("scheduler.allowed_formats", []string{"CSV", "JSON", "SQL"})
	v.SetDefault("scheduler.default_format", "JSON")
	v.SetDefault("scheduler.include_audit_logs", true)
	v.SetDefault("scheduler.encrypt", true)
	v.SetDefault("scheduler.retention_daily_days", 30)
	v.SetDefault("scheduler.retention_weekly_weeks", 12)
	v.SetDefault("scheduler.retention_monthly_months", 12)

	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	// Alert defaults
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.timeout", "10s")
	v.SetDefault("alerts.retry_attempts", 3)
	v.SetDefault("alerts.retry_delay", "2s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration. Missing secrets are fatal: the core
// refuses to run rather than sign or encrypt with an empty key.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Audit.SigningKey) == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Audit signing key is required",
			"set audit.signing_key or MEDTRACK_AUDIT_SIGNING_KEY")
	}
	if strings.TrimSpace(c.Backup.EncryptionSecret) == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Backup encryption secret is required",
			"set backup.encryption_secret or MEDTRACK_BACKUP_ENCRYPTION_SECRET")
	}
	if c.Storage.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required", "")
	}
	if c.Backup.StorageLocation == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Backup storage location is required", "")
	}
	if c.Backup.RestoreTimeout <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Restore timeout must be positive", "")
	}
	if c.Backup.StaleAfter <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Backup stale threshold must be positive", "")
	}
	if c.Audit.QueueSize <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Audit queue size must be positive", "")
	}
	if c.Scheduler.CheckInterval <= 0 || c.Scheduler.CheckInterval > 24*time.Hour {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Scheduler check interval must be between 0 and 24h",
			c.Scheduler.CheckInterval.String())
	}
	if _, err := time.Parse("15:04", c.Scheduler.ScheduleTime); err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid scheduler schedule time",
			fmt.Sprintf("%q is not HH:MM", c.Scheduler.ScheduleTime))
	}
	if _, ok := models.ParseBackupFormat(c.Scheduler.DefaultFormat); !ok {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid default backup format", c.Scheduler.DefaultFormat)
	}
	for _, f := range c.Scheduler.AllowedFormats {
		if _, ok := models.ParseBackupFormat(f); !ok {
			return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid allowed backup format", f)
		}
	}
	if c.Scheduler.RetentionDailyDays < 1 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Daily retention must be at least one day", "")
	}
	if c.Scheduler.RetentionWeeklyWeeks < 0 || c.Scheduler.RetentionMonthlyMonths < 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Retention windows must not be negative", "")
	}
	return nil
}

// InitialBackupConfig builds the persisted backup configuration used before an
// administrator has saved one
func (c *Config) InitialBackupConfig(now time.Time) *models.BackupConfig {
	cfg := &models.BackupConfig{
		Enabled:                c.Scheduler.Enabled,
		ScheduleTime:           c.Scheduler.ScheduleTime,
		IncludeAuditLogs:       c.Scheduler.IncludeAuditLogs,
		EncryptAutomatic:       c.Scheduler.Encrypt,
		RetentionDailyDays:     c.Scheduler.RetentionDailyDays,
		RetentionWeeklyWeeks:   c.Scheduler.RetentionWeeklyWeeks,
		RetentionMonthlyMonths: c.Scheduler.RetentionMonthlyMonths,
		StorageLocation:        c.Backup.StorageLocation,
		UpdatedBy:              models.SystemActor.ID,
		UpdatedAt:              now.UTC(),
	}
	cfg.DefaultFormat, _ = models.ParseBackupFormat(c.Scheduler.DefaultFormat)
	for _, f := range c.Scheduler.AllowedFormats {
		if format, ok := models.ParseBackupFormat(f); ok {
			cfg.AllowedFormats = append(cfg.AllowedFormats, format)
		}
	}
	return cfg
}
