package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the integrity core
type PrometheusMetrics struct {
	// Audit chain metrics
	AuditWritesTotal        *prometheus.CounterVec
	AuditWriteFailuresTotal *prometheus.CounterVec
	AuditQueueDepth         prometheus.Gauge
	ChainVerificationsTotal *prometheus.CounterVec
	ChainEntriesVerified    prometheus.Counter

	// Backup metrics
	BackupOperationsTotal   *prometheus.CounterVec
	BackupOperationDuration *prometheus.HistogramVec
	BackupSizeBytes         *prometheus.HistogramVec
	BackupsCorruptedTotal   prometheus.Counter
	LockContentionTotal     *prometheus.CounterVec
	RestoresTotal           *prometheus.CounterVec

	// Retention metrics
	RetentionRunsTotal   *prometheus.CounterVec
	RetentionPrunedTotal prometheus.Counter
	RetentionKept        prometheus.Gauge

	// Alert metrics
	AlertsTotal *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		// Audit chain metrics
		AuditWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_audit_writes_total",
				Help: "Total number of audit entries appended",
			},
			[]string{"action", "mode"},
		),

		AuditWriteFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_audit_write_failures_total",
				Help: "Total number of audit writes that failed or were dropped",
			},
			[]string{"action", "reason"},
		),

		AuditQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medtrack_audit_queue_depth",
				Help: "Number of best-effort audit writes waiting in the queue",
			},
		),

		ChainVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_audit_chain_verifications_total",
				Help: "Total number of audit chain verifications by result",
			},
			[]string{"result"},
		),

		ChainEntriesVerified: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "medtrack_audit_chain_entries_verified_total",
				Help: "Total number of audit entries whose signature was recomputed",
			},
		),

		// Backup metrics
		BackupOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_backup_operations_total",
				Help: "Total number of backup lifecycle operations",
			},
			[]string{"operation", "type", "status"},
		),

		BackupOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medtrack_backup_operation_duration_seconds",
				Help:    "Duration of backup lifecycle operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		BackupSizeBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medtrack_backup_size_bytes",
				Help:    "Size of stored backup artifacts",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"format"},
		),

		BackupsCorruptedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "medtrack_backups_corrupted_total",
				Help: "Total number of backups marked CORRUPTED by the validator",
			},
		),

		LockContentionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_backup_lock_contention_total",
				Help: "Total number of operations rejected because the backup lock was held",
			},
			[]string{"operation"},
		),

		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_restores_total",
				Help: "Total number of restores by outcome",
			},
			[]string{"outcome"},
		),

		// Retention metrics
		RetentionRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_retention_runs_total",
				Help: "Total number of retention scheduler runs",
			},
			[]string{"status"},
		),

		RetentionPrunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "medtrack_retention_pruned_total",
				Help: "Total number of automatic backups pruned by retention",
			},
		),

		RetentionKept: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medtrack_retention_kept",
				Help: "Number of automatic backups kept by the last retention run",
			},
		),

		// Storage metrics
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medtrack_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		// Alert metrics
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_alerts_total",
				Help: "Total number of integrity alerts delivered per sink",
			},
			[]string{"kind", "sink", "status"},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medtrack_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medtrack_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Application health metrics
		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medtrack_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "medtrack_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medtrack_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medtrack_goroutines",
				Help: "Number of running goroutines",
			},
		),
	}
}

// RecordAuditWrite records an appended audit entry
func (m *PrometheusMetrics) RecordAuditWrite(action, mode string) {
	m.AuditWritesTotal.WithLabelValues(action, mode).Inc()
}

// RecordAuditWriteFailure records a failed or dropped audit write
func (m *PrometheusMetrics) RecordAuditWriteFailure(action, reason string) {
	m.AuditWriteFailuresTotal.WithLabelValues(action, reason).Inc()
}

// UpdateAuditQueueDepth updates the best-effort queue depth
func (m *PrometheusMetrics) UpdateAuditQueueDepth(depth int) {
	m.AuditQueueDepth.Set(float64(depth))
}

// RecordChainVerification records a verification run and the entries it checked
func (m *PrometheusMetrics) RecordChainVerification(valid bool, checked int64) {
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.ChainVerificationsTotal.WithLabelValues(result).Inc()
	m.ChainEntriesVerified.Add(float64(checked))
}

// RecordBackupOperation records a backup lifecycle operation
func (m *PrometheusMetrics) RecordBackupOperation(operation, backupType, status string, duration time.Duration) {
	m.BackupOperationsTotal.WithLabelValues(operation, backupType, status).Inc()
	m.BackupOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBackupSize records the stored size of an artifact
func (m *PrometheusMetrics) RecordBackupSize(format string, size int64) {
	m.BackupSizeBytes.WithLabelValues(format).Observe(float64(size))
}

// RecordBackupCorrupted records a backup moving to CORRUPTED
func (m *PrometheusMetrics) RecordBackupCorrupted() {
	m.BackupsCorruptedTotal.Inc()
}

// RecordLockContention records an operation rejected by the global lock
func (m *PrometheusMetrics) RecordLockContention(operation string) {
	m.LockContentionTotal.WithLabelValues(operation).Inc()
}

// RecordRestore records a restore outcome
func (m *PrometheusMetrics) RecordRestore(outcome string) {
	m.RestoresTotal.WithLabelValues(outcome).Inc()
}

// RecordRetentionRun records one scheduler pass
func (m *PrometheusMetrics) RecordRetentionRun(status string, pruned, kept int) {
	m.RetentionRunsTotal.WithLabelValues(status).Inc()
	m.RetentionPrunedTotal.Add(float64(pruned))
	m.RetentionKept.Set(float64(kept))
}

// RecordAlert records one alert delivery attempt
func (m *PrometheusMetrics) RecordAlert(kind, sink, status string) {
	m.AlertsTotal.WithLabelValues(kind, sink, status).Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
