// File: internal/retention/policy.go

// Package retention rotates automatic backups through daily, weekly and
// monthly windows and schedules new ones.
package retention

import (
	"sort"
	"time"

	"github.com/medtrack/integrity-core/internal/models"
)

const day = 24 * time.Hour

// Policy holds the three retention windows
type Policy struct {
	DailyDays     int `json:"daily_days"`
	WeeklyWeeks   int `json:"weekly_weeks"`
	MonthlyMonths int `json:"monthly_months"`
}

// PolicyFrom extracts the windows from the stored configuration
func PolicyFrom(cfg *models.BackupConfig) Policy {
	if cfg == nil {
		return Policy{}
	}
	return Policy{
		DailyDays:     cfg.RetentionDailyDays,
		WeeklyWeeks:   cfg.RetentionWeeklyWeeks,
		MonthlyMonths: cfg.RetentionMonthlyMonths,
	}
}

// Decision partitions automatic backups into those to keep and those to prune.
// Other backup types never appear in either list.
type Decision struct {
	Keep  []*models.Backup
	Prune []*models.Backup
}

type period struct {
	year int
	unit int
}

func isoWeek(t time.Time) period {
	y, w := t.UTC().ISOWeek()
	return period{year: y, unit: w}
}

func calendarMonth(t time.Time) period {
	t = t.UTC()
	return period{year: t.Year(), unit: int(t.Month())}
}

// Evaluate applies the policy to backups as of now. It has no side effects.
func Evaluate(backups []*models.Backup, p Policy, now time.Time) Decision {
	var automatic []*models.Backup
	for _, b := range backups {
		if b.Type == models.BackupTypeAutomatic {
			automatic = append(automatic, b)
		}
	}

	// newest first so each period's first candidate is its most recent
	sort.SliceStable(automatic, func(i, j int) bool {
		return automatic[i].CreatedAt.After(automatic[j].CreatedAt)
	})

	weekly := representatives(automatic, now.Add(-time.Duration(p.WeeklyWeeks)*7*day), isoWeek)
	monthly := representatives(automatic, monthsBefore(now, p.MonthlyMonths), calendarMonth)

	var d Decision
	for _, b := range automatic {
		switch {
		case b.Status == models.BackupStatusInProgress, b.Status == models.BackupStatusCorrupted:
			d.Keep = append(d.Keep, b)
		case inDailyWindow(b, p, now):
			d.Keep = append(d.Keep, b)
		case b.Status == models.BackupStatusFailed:
			d.Prune = append(d.Prune, b)
		case weekly[b.ID] || monthly[b.ID]:
			d.Keep = append(d.Keep, b)
		default:
			d.Prune = append(d.Prune, b)
		}
	}
	return d
}

// Retained reports whether any window currently holds b. Manual and
// pre-restore backups are held only by the daily window.
func Retained(b *models.Backup, all []*models.Backup, p Policy, now time.Time) bool {
	if b.Type != models.BackupTypeAutomatic {
		return inDailyWindow(b, p, now)
	}
	for _, kept := range Evaluate(all, p, now).Keep {
		if kept.ID == b.ID {
			return true
		}
	}
	return false
}

// monthsBefore steps back n calendar months, clamping the day to the target
// month's length so Mar 31 minus one month is Feb 28 and not Mar 3.
func monthsBefore(t time.Time, n int) time.Time {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month()-time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	d := t.Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func inDailyWindow(b *models.Backup, p Policy, now time.Time) bool {
	return now.Sub(b.CreatedAt) < time.Duration(p.DailyDays)*day
}

// representatives picks one COMPLETED backup per period newer than cutoff:
// the most recent validated one, or the most recent one when none is validated.
// backups must be sorted newest first.
func representatives(backups []*models.Backup, cutoff time.Time, key func(time.Time) period) map[string]bool {
	newest := make(map[period]*models.Backup)
	validated := make(map[period]*models.Backup)

	for _, b := range backups {
		if b.Status != models.BackupStatusCompleted || !b.CreatedAt.After(cutoff) {
			continue
		}
		k := key(b.CreatedAt)
		if _, ok := newest[k]; !ok {
			newest[k] = b
		}
		if _, ok := validated[k]; !ok && b.Validated {
			validated[k] = b
		}
	}

	kept := make(map[string]bool, len(newest))
	for k, b := range newest {
		if v, ok := validated[k]; ok {
			b = v
		}
		kept[b.ID] = true
	}
	return kept
}
