// File: internal/core/bootstrap.go
package core

import (
	"context"

	"github.com/spf13/afero"

	"github.com/medtrack/integrity-core/internal/artifact"
	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/backup"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/notification"
	"github.com/medtrack/integrity-core/internal/retention"
	"github.com/medtrack/integrity-core/internal/signer"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Option adjusts how New wires the service
type Option func(*options)

type options struct {
	fs      afero.Fs
	clock   clock.Clock
	metrics *metrics.Manager
	sinks   []notification.Sink
}

// WithFs stores artifacts on fs instead of the OS filesystem
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMetrics shares an existing metrics manager
func WithMetrics(m *metrics.Manager) Option {
	return func(o *options) { o.metrics = m }
}

// WithAlertSinks adds alert destinations beyond the configured ones
func WithAlertSinks(sinks ...notification.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New validates cfg, opens and migrates storage and wires every component.
// Missing secrets fail here, before anything is written.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		utils.ComponentLogger("core").WithError(err).Error("Invalid configuration")
		return nil, err
	}

	o := &options{fs: afero.NewOsFs(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewManager()
	}

	sgn, err := signer.New([]byte(cfg.Audit.SigningKey))
	if err != nil {
		return nil, err
	}
	cipher, err := artifact.NewCipher(cfg.Backup.EncryptionSecret)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(o.fs, cfg.Backup.StorageLocation)
	if err != nil {
		return nil, err
	}

	base, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := base.Connect(); err != nil {
		return nil, err
	}
	if err := base.Migrate(); err != nil {
		_ = base.Close()
		return nil, err
	}
	store := storage.NewStorageWithMetrics(base, o.metrics)

	writer := audit.NewWriter(store, sgn, o.clock, cfg.Audit.QueueSize, o.metrics)
	manager, err := backup.NewManager(backup.Dependencies{
		Store:          store,
		Artifacts:      artifacts,
		Cipher:         cipher,
		Audit:          writer,
		Lock:           backup.NewOperationLock(),
		Clock:          o.clock,
		Metrics:        o.metrics,
		RestoreTimeout: cfg.Backup.RestoreTimeout,
		StaleAfter:     cfg.Backup.StaleAfter,
	})
	if err != nil {
		_ = base.Close()
		return nil, err
	}

	sinks := []notification.Sink{notification.NewLogSink()}
	if cfg.Alerts.WebhookURL != "" {
		webhook, err := notification.NewWebhookSink(notification.WebhookConfig{
			URL:           cfg.Alerts.WebhookURL,
			Headers:       cfg.Alerts.Headers,
			Timeout:       cfg.Alerts.Timeout,
			RetryAttempts: cfg.Alerts.RetryAttempts,
			RetryDelay:    cfg.Alerts.RetryDelay,
		})
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		sinks = append(sinks, webhook)
	}
	sinks = append(sinks, o.sinks...)

	return &Service{
		config:    cfg,
		store:     store,
		writer:    writer,
		verifier:  audit.NewVerifier(store, sgn, o.clock, o.metrics),
		query:     audit.NewQuery(store),
		backups:   manager,
		scheduler: retention.NewScheduler(store, manager, o.clock, cfg.Scheduler.CheckInterval, o.metrics),
		notifier:  notification.NewNotifier(cfg.Alerts.Timeout*3, o.metrics, sinks...),
		clock:     o.clock,
		metrics:   o.metrics,
		logger:    utils.ComponentLogger("core"),
	}, nil
}

// Open builds the service, seeds the persisted backup configuration and fails
// interrupted backups, without starting background work. Used by one-shot commands.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	svc, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := svc.backups.SeedConfig(ctx, cfg.InitialBackupConfig(svc.clock.Now())); err != nil {
		svc.Close()
		return nil, err
	}
	svc.recoverInterrupted(ctx)
	return svc, nil
}
