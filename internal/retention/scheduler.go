// File: internal/retention/scheduler.go
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const (
	defaultCheckInterval = time.Hour
	maxCheckInterval     = 24 * time.Hour
)

// Lifecycle is the part of the backup manager the scheduler drives
type Lifecycle interface {
	CreateAutomatic(ctx context.Context, cfg *models.BackupConfig) (*models.Backup, error)
	List(ctx context.Context, filter models.BackupFilter) ([]*models.Backup, error)
	Prune(ctx context.Context, id string) error
	RecoverInterrupted(ctx context.Context) (int, error)
}

// RunResult describes one scheduler pass
type RunResult struct {
	RanAt     time.Time      `json:"ran_at"`
	Created   *models.Backup `json:"created,omitempty"`
	Pruned    []string       `json:"pruned"`
	Kept      int            `json:"kept"`
	Recovered int            `json:"recovered,omitempty"`
	Skipped   string         `json:"skipped,omitempty"`
}

// Scheduler takes automatic backups at the configured time and prunes the
// ones no retention window holds
type Scheduler struct {
	store     storage.Storage
	lifecycle Lifecycle
	clock     clock.Clock
	interval  time.Duration
	metrics   *metrics.PrometheusMetrics
	logger    *logrus.Entry

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. The interval is clamped so a pass runs at
// least once a day.
func NewScheduler(store storage.Storage, lifecycle Lifecycle, clk clock.Clock, interval time.Duration, m *metrics.Manager) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	switch {
	case interval <= 0:
		interval = defaultCheckInterval
	case interval > maxCheckInterval:
		interval = maxCheckInterval
	}
	s := &Scheduler{
		store:     store,
		lifecycle: lifecycle,
		clock:     clk,
		interval:  interval,
		logger:    utils.ComponentLogger("retention_scheduler"),
	}
	if m != nil {
		s.metrics = m.GetPrometheusMetrics()
	}
	return s
}

// Start runs a pass immediately and then on every tick
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Retention scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopChan)

	s.logger.WithField("interval", s.interval).Info("Retention scheduler started")
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Retention scheduler stopped")
}

// IsRunning reports whether the loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention loop stopped by context")
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx, s.clock.Now()); err != nil {
		entry := s.logger.WithError(err)
		if utils.IsCode(err, utils.ErrCodeConcurrency) {
			entry.Warn("Backup lock busy, retrying on next tick")
			return
		}
		entry.Error("Retention pass failed")
	}
}

// RunOnce performs one pass as of now: an automatic backup when one is due,
// then pruning.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*RunResult, error) {
	now = now.UTC()
	result := &RunResult{RanAt: now, Pruned: []string{}}

	recovered, err := s.lifecycle.RecoverInterrupted(ctx)
	if err != nil && !utils.IsCode(err, utils.ErrCodeConcurrency) {
		s.logger.WithError(err).Warn("Interrupted backup recovery failed")
	}
	result.Recovered = recovered

	cfg, err := s.store.GetBackupConfig(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg == nil:
		result.Skipped = "not configured"
		return result, nil
	case !cfg.Enabled:
		result.Skipped = "disabled"
		return result, nil
	}

	created, createErr := s.createIfDue(ctx, cfg, now)
	if utils.IsCode(createErr, utils.ErrCodeConcurrency) {
		s.recordRun("failed", result)
		return result, createErr
	}
	result.Created = created
	if createErr != nil {
		s.logger.WithError(createErr).Error("Automatic backup failed, pruning anyway")
	}

	// Pruning runs even when the create failed
	if err := s.prune(ctx, cfg, now, result); err != nil {
		s.recordRun("failed", result)
		return result, errors.Join(createErr, err)
	}
	if createErr != nil {
		s.recordRun("failed", result)
		return result, createErr
	}

	s.recordRun("succeeded", result)
	s.logger.WithFields(logrus.Fields{
		"created": created != nil,
		"pruned":  len(result.Pruned),
		"kept":    result.Kept,
	}).Info("Retention pass completed")
	return result, nil
}

func (s *Scheduler) createIfDue(ctx context.Context, cfg *models.BackupConfig, now time.Time) (*models.Backup, error) {
	hour, minute, err := cfg.ScheduleClock()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid schedule time", cfg.ScheduleTime)
	}
	due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.Before(due) {
		return nil, nil
	}

	last, ok, err := s.store.GetState(ctx, storage.StateRetentionLastRun)
	if err != nil {
		return nil, err
	}
	if ok {
		if lastRun, err := utils.ParseTimestamp(last); err == nil && !lastRun.Before(due) {
			return nil, nil
		}
	}

	exists, err := s.automaticSince(ctx, due)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, s.markRun(ctx, now)
	}

	b, err := s.lifecycle.CreateAutomatic(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, s.markRun(ctx, now)
}

// automaticSince reports whether a non-failed automatic backup was taken at or after t
func (s *Scheduler) automaticSince(ctx context.Context, t time.Time) (bool, error) {
	automatic := models.BackupTypeAutomatic
	backups, err := s.lifecycle.List(ctx, models.BackupFilter{Type: &automatic})
	if err != nil {
		return false, err
	}
	for _, b := range backups {
		if b.CreatedAt.Before(t) {
			break
		}
		if b.Status != models.BackupStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) markRun(ctx context.Context, now time.Time) error {
	return s.store.SetState(ctx, storage.StateRetentionLastRun, utils.FormatTimestamp(now))
}

func (s *Scheduler) prune(ctx context.Context, cfg *models.BackupConfig, now time.Time, result *RunResult) error {
	backups, err := s.lifecycle.List(ctx, models.BackupFilter{})
	if err != nil {
		return err
	}

	decision := Evaluate(backups, PolicyFrom(cfg), now)
	result.Kept = len(decision.Keep)

	for _, b := range decision.Prune {
		if err := s.lifecycle.Prune(ctx, b.ID); err != nil {
			if utils.IsCode(err, utils.ErrCodeConcurrency) {
				return err
			}
			s.logger.WithError(err).WithField("backup_id", b.ID).Error("Failed to prune backup")
			continue
		}
		result.Pruned = append(result.Pruned, b.ID)
	}

	if m, ok := s.store.(storage.Maintainer); ok && len(result.Pruned) > 0 {
		if err := m.Vacuum(ctx); err != nil {
			s.logger.WithError(err).Warn("Database vacuum after pruning failed")
		}
	}
	return nil
}

func (s *Scheduler) recordRun(status string, result *RunResult) {
	if s.metrics != nil {
		s.metrics.RecordRetentionRun(status, len(result.Pruned), result.Kept)
	}
}
