// File: internal/retention/retention_test.go
package retention

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/internal/storage/storagetest"
	"github.com/medtrack/integrity-core/pkg/utils"
)

var standard = Policy{DailyDays: 30, WeeklyWeeks: 12, MonthlyMonths: 12}

func automaticAt(id string, at time.Time, status models.BackupStatus, validated bool) *models.Backup {
	return &models.Backup{
		ID:        id,
		Type:      models.BackupTypeAutomatic,
		Status:    status,
		CreatedAt: at,
		Validated: validated,
	}
}

func ids(backups []*models.Backup) map[string]bool {
	out := make(map[string]bool, len(backups))
	for _, b := range backups {
		out[b.ID] = true
	}
	return out
}

func TestEvaluateFourHundredDays(t *testing.T) {
	start := time.Date(2025, 9, 1, 2, 0, 0, 0, time.UTC)
	now := start.AddDate(0, 0, 399).Add(10 * time.Hour)

	var backups []*models.Backup
	for d := 0; d < 400; d++ {
		at := start.AddDate(0, 0, d)
		backups = append(backups, automaticAt(fmt.Sprintf("auto-%03d", d), at, models.BackupStatusCompleted, true))
	}
	manual := &models.Backup{ID: "manual-old", Type: models.BackupTypeManual, Status: models.BackupStatusCompleted, CreatedAt: start}
	pre := &models.Backup{ID: "pre-old", Type: models.BackupTypePreRestore, Status: models.BackupStatusCompleted, CreatedAt: start.AddDate(0, 0, 3)}
	backups = append(backups, manual, pre)

	d := Evaluate(backups, standard, now)
	keep, prune := ids(d.Keep), ids(d.Prune)

	assert.Equal(t, 400, len(d.Keep)+len(d.Prune))
	assert.False(t, keep[manual.ID] || prune[manual.ID], "manual backups are never auto-pruned")
	assert.False(t, keep[pre.ID] || prune[pre.ID], "pre-restore backups are never auto-pruned")

	// Expected survivors computed period by period
	expected := make(map[string]bool)
	latestWeek := make(map[string]*models.Backup)
	latestMonth := make(map[string]*models.Backup)
	weekCutoff := now.Add(-12 * 7 * 24 * time.Hour)
	monthCutoff := now.AddDate(0, -12, 0)
	for _, b := range backups[:400] {
		if now.Sub(b.CreatedAt) < 30*24*time.Hour {
			expected[b.ID] = true
		}
		if b.CreatedAt.After(weekCutoff) {
			y, w := b.CreatedAt.ISOWeek()
			k := fmt.Sprintf("%d-%02d", y, w)
			if cur, ok := latestWeek[k]; !ok || b.CreatedAt.After(cur.CreatedAt) {
				latestWeek[k] = b
			}
		}
		if b.CreatedAt.After(monthCutoff) {
			k := b.CreatedAt.Format("2006-01")
			if cur, ok := latestMonth[k]; !ok || b.CreatedAt.After(cur.CreatedAt) {
				latestMonth[k] = b
			}
		}
	}
	for _, b := range latestWeek {
		expected[b.ID] = true
	}
	for _, b := range latestMonth {
		expected[b.ID] = true
	}
	assert.Equal(t, expected, keep)

	daily := 0
	for id := range keep {
		var day int
		_, err := fmt.Sscanf(id, "auto-%03d", &day)
		require.NoError(t, err)
		if day >= 370 {
			daily++
		}
		assert.Greater(t, day, 399-366, "nothing older than the monthly window survives: %s", id)
	}
	assert.Equal(t, 30, daily)

	// Roughly 30 daily + ~8 extra weekly + ~10 extra monthly
	assert.InDelta(t, 48, len(d.Keep), 4)

	// A second pass over the survivors prunes nothing more
	again := Evaluate(d.Keep, standard, now)
	assert.Empty(t, again.Prune)
}

func TestEvaluateEdgeCases(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -45)

	t.Run("Prefers validated within a period", func(t *testing.T) {
		// Wednesday and Friday of the same ISO week, both outside the daily window
		wed := time.Date(2026, 4, 29, 2, 0, 0, 0, time.UTC)
		fri := wed.AddDate(0, 0, 2)
		d := Evaluate([]*models.Backup{
			automaticAt("wed", wed, models.BackupStatusCompleted, true),
			automaticAt("fri", fri, models.BackupStatusCompleted, false),
		}, Policy{DailyDays: 7, WeeklyWeeks: 12}, now)
		assert.True(t, ids(d.Keep)["wed"])
		assert.True(t, ids(d.Prune)["fri"])
	})

	t.Run("Status rules", func(t *testing.T) {
		d := Evaluate([]*models.Backup{
			automaticAt("failed-old", old, models.BackupStatusFailed, false),
			automaticAt("failed-new", now.Add(-time.Hour), models.BackupStatusFailed, false),
			automaticAt("corrupt-old", old.AddDate(-1, 0, 0), models.BackupStatusCorrupted, false),
			automaticAt("running", old, models.BackupStatusInProgress, false),
		}, standard, now)
		keep, prune := ids(d.Keep), ids(d.Prune)
		assert.True(t, prune["failed-old"])
		assert.True(t, keep["failed-new"])
		assert.True(t, keep["corrupt-old"])
		assert.True(t, keep["running"])
	})

	t.Run("Retained", func(t *testing.T) {
		manualNew := &models.Backup{ID: "m1", Type: models.BackupTypeManual, CreatedAt: now.Add(-time.Hour)}
		manualOld := &models.Backup{ID: "m2", Type: models.BackupTypeManual, CreatedAt: old}
		auto := automaticAt("a1", old, models.BackupStatusCompleted, true)
		all := []*models.Backup{manualNew, manualOld, auto}

		assert.True(t, Retained(manualNew, all, standard, now))
		assert.False(t, Retained(manualOld, all, standard, now))
		assert.True(t, Retained(auto, all, standard, now), "only backup of its week and month")
		assert.False(t, Retained(auto, all, Policy{DailyDays: 30}, now))
	})
}

func TestMonthlyWindowAtMonthEnd(t *testing.T) {
	cases := []struct {
		now  time.Time
		n    int
		want time.Time
	}{
		{time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC), 3, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC), 14, time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 31, 2, 0, 0, 0, time.UTC), 0, time.Date(2026, 1, 31, 2, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, monthsBefore(tc.now, tc.n), "%s minus %d months", tc.now, tc.n)
	}

	now := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	backups := []*models.Backup{
		automaticAt("feb-end", time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC), models.BackupStatusCompleted, true),
		automaticAt("mar", time.Date(2026, 3, 30, 2, 0, 0, 0, time.UTC), models.BackupStatusCompleted, true),
	}
	d := Evaluate(backups, Policy{DailyDays: 1, MonthlyMonths: 1}, now)
	assert.Equal(t, map[string]bool{"feb-end": true, "mar": true}, ids(d.Keep))
	assert.Empty(t, d.Prune)
}

// fakeLifecycle stands in for the backup manager
type fakeLifecycle struct {
	clock     func() time.Time
	backups   []*models.Backup
	createErr error
	creates   int
	pruned    []string
	recovers  int
}

func (f *fakeLifecycle) CreateAutomatic(_ context.Context, cfg *models.BackupConfig) (*models.Backup, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	b := automaticAt(fmt.Sprintf("auto-%d", f.creates), f.clock(), models.BackupStatusCompleted, false)
	b.Format = cfg.DefaultFormat
	f.backups = append(f.backups, b)
	return b, nil
}

func (f *fakeLifecycle) List(_ context.Context, filter models.BackupFilter) ([]*models.Backup, error) {
	var out []*models.Backup
	for _, b := range f.backups {
		if filter.Type == nil || b.Type == *filter.Type {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeLifecycle) Prune(_ context.Context, id string) error {
	for i, b := range f.backups {
		if b.ID == id {
			f.backups = append(f.backups[:i], f.backups[i+1:]...)
			f.pruned = append(f.pruned, id)
			return nil
		}
	}
	return utils.NewAppError(utils.ErrCodeNotFound, "Backup not found", id)
}

func (f *fakeLifecycle) RecoverInterrupted(context.Context) (int, error) {
	f.recovers++
	return 0, nil
}

func newScheduler(t *testing.T) (*Scheduler, *fakeLifecycle, storage.Storage, *time.Time) {
	t.Helper()
	store := storagetest.NewSQLite(t)
	now := time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC)
	lc := &fakeLifecycle{}
	lc.clock = func() time.Time { return now }
	s := NewScheduler(store, lc, nil, 0, nil)
	return s, lc, store, &now
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	s, lc, store, now := newScheduler(t)

	res, err := s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.Equal(t, "not configured", res.Skipped)
	assert.Equal(t, 1, lc.recovers, "every pass sweeps interrupted backups")

	cfg := &models.BackupConfig{
		Enabled: true, ScheduleTime: "02:00", DefaultFormat: models.FormatJSON,
		RetentionDailyDays: 30, RetentionWeeklyWeeks: 12, RetentionMonthlyMonths: 12, UpdatedAt: *now,
	}
	require.NoError(t, store.SaveBackupConfig(ctx, cfg))

	res, err = s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.Nil(t, res.Created, "before the schedule time")

	*now = now.Add(90 * time.Minute)
	res, err = s.RunOnce(ctx, *now)
	require.NoError(t, err)
	require.NotNil(t, res.Created)
	assert.Equal(t, 1, lc.creates)

	last, ok, err := store.GetState(ctx, storage.StateRetentionLastRun)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, utils.FormatTimestamp(*now), last)

	*now = now.Add(time.Hour)
	res, err = s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.Nil(t, res.Created, "already ran today")

	*now = now.Add(23 * time.Hour)
	res, err = s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.NotNil(t, res.Created)
	assert.Equal(t, 2, lc.creates)

	cfg.Enabled = false
	require.NoError(t, store.SaveBackupConfig(ctx, cfg))
	*now = now.Add(24 * time.Hour)
	res, err = s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Skipped)
	assert.Equal(t, 2, lc.creates)
}

func TestRunOnceRetriesAfterContention(t *testing.T) {
	ctx := context.Background()
	s, lc, store, now := newScheduler(t)
	require.NoError(t, store.SaveBackupConfig(ctx, &models.BackupConfig{
		Enabled: true, ScheduleTime: "00:30", DefaultFormat: models.FormatJSON, RetentionDailyDays: 30,
	}))

	lc.createErr = utils.NewAppError(utils.ErrCodeConcurrency, "Another backup operation is in progress")
	_, err := s.RunOnce(ctx, *now)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConcurrency))

	_, ok, err := store.GetState(ctx, storage.StateRetentionLastRun)
	require.NoError(t, err)
	assert.False(t, ok, "a contended run is not recorded")

	lc.createErr = nil
	res, err := s.RunOnce(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, res.Created)
}

func TestRunOncePrunes(t *testing.T) {
	ctx := context.Background()
	s, lc, store, now := newScheduler(t)
	require.NoError(t, store.SaveBackupConfig(ctx, &models.BackupConfig{
		Enabled: true, ScheduleTime: "02:00", DefaultFormat: models.FormatJSON,
		RetentionDailyDays: 30, RetentionWeeklyWeeks: 4, RetentionMonthlyMonths: 1,
	}))

	lc.backups = []*models.Backup{
		automaticAt("ancient", now.AddDate(-1, 0, 0), models.BackupStatusCompleted, true),
		automaticAt("failed", now.AddDate(0, 0, -40), models.BackupStatusFailed, false),
		automaticAt("recent", now.AddDate(0, 0, -1), models.BackupStatusCompleted, true),
		{ID: "manual", Type: models.BackupTypeManual, Status: models.BackupStatusCompleted, CreatedAt: now.AddDate(-2, 0, 0)},
	}

	res, err := s.RunOnce(ctx, *now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ancient", "failed"}, res.Pruned)
	assert.ElementsMatch(t, []string{"ancient", "failed"}, lc.pruned)
	assert.Equal(t, 1, res.Kept)
}

func TestRunOncePrunesWhenCreateFails(t *testing.T) {
	ctx := context.Background()
	s, lc, store, now := newScheduler(t)
	require.NoError(t, store.SaveBackupConfig(ctx, &models.BackupConfig{
		Enabled: true, ScheduleTime: "00:30", DefaultFormat: models.FormatJSON,
		RetentionDailyDays: 30, RetentionWeeklyWeeks: 4, RetentionMonthlyMonths: 1,
	}))

	lc.backups = []*models.Backup{
		automaticAt("ancient", now.AddDate(-1, 0, 0), models.BackupStatusCompleted, true),
		automaticAt("failed-old", now.AddDate(0, 0, -40), models.BackupStatusFailed, false),
		automaticAt("recent", now.AddDate(0, 0, -1), models.BackupStatusCompleted, true),
	}
	lc.createErr = utils.NewAppError(utils.ErrCodeStorage, "Failed to write artifact", "disk full")

	res, err := s.RunOnce(ctx, *now)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeStorage))
	assert.Nil(t, res.Created)
	assert.ElementsMatch(t, []string{"ancient", "failed-old"}, lc.pruned)
	assert.ElementsMatch(t, []string{"ancient", "failed-old"}, res.Pruned)

	_, ok, err := store.GetState(ctx, storage.StateRetentionLastRun)
	require.NoError(t, err)
	assert.False(t, ok, "a failed create is retried on the next pass")
}

func TestSchedulerStartStop(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(ctx))
	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	require.NoError(t, s.Start(ctx))
	s.Stop()
}

func TestNewSchedulerClampsInterval(t *testing.T) {
	assert.Equal(t, defaultCheckInterval, NewScheduler(nil, nil, nil, 0, nil).interval)
	assert.Equal(t, maxCheckInterval, NewScheduler(nil, nil, nil, 72*time.Hour, nil).interval)
	assert.Equal(t, 5*time.Minute, NewScheduler(nil, nil, nil, 5*time.Minute, nil).interval)
}
