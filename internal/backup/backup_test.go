package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrack/integrity-core/internal/artifact"
	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/signer"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/internal/storage/storagetest"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const backupRoot = "/var/backups/medtrack"

var admin = models.Actor{ID: "admin-1", Role: models.RoleAdmin, IPAddress: "10.1.1.1", UserAgent: "test"}

// hookedStore lets a test intercept the snapshot and restore paths
type hookedStore struct {
	storage.Storage
	loadSnapshot func(ctx context.Context, sel models.Selection) (*models.Snapshot, error)
	applyRestore func(ctx context.Context, plan *models.RestorePlan) error
	deleteBackup func(ctx context.Context, id string) error
}

func (h *hookedStore) DeleteBackup(ctx context.Context, id string) error {
	if h.deleteBackup != nil {
		return h.deleteBackup(ctx, id)
	}
	return h.Storage.DeleteBackup(ctx, id)
}

func (h *hookedStore) LoadSnapshot(ctx context.Context, sel models.Selection) (*models.Snapshot, error) {
	if h.loadSnapshot != nil {
		return h.loadSnapshot(ctx, sel)
	}
	return h.Storage.LoadSnapshot(ctx, sel)
}

func (h *hookedStore) ApplyRestore(ctx context.Context, plan *models.RestorePlan) error {
	if h.applyRestore != nil {
		return h.applyRestore(ctx, plan)
	}
	return h.Storage.ApplyRestore(ctx, plan)
}

type fixture struct {
	store    *hookedStore
	fs       afero.Fs
	clock    *clock.ManualClock
	writer   *audit.Writer
	verifier *audit.Verifier
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := storagetest.NewSQLite(t)
	store := &hookedStore{Storage: base}

	fs := afero.NewMemMapFs()
	artifacts, err := artifact.NewStore(fs, backupRoot)
	require.NoError(t, err)
	cipher, err := artifact.NewCipher("backup-secret")
	require.NoError(t, err)
	sgn, err := signer.New([]byte("audit-key"))
	require.NoError(t, err)

	clk := clock.NewManualClock(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	m := metrics.NewManager()
	writer := audit.NewWriter(store, sgn, clk, 16, m)

	manager, err := NewManager(Dependencies{
		Store:          store,
		Artifacts:      artifacts,
		Cipher:         cipher,
		Audit:          writer,
		Lock:           NewOperationLock(),
		Clock:          clk,
		Metrics:        m,
		RestoreTimeout: time.Minute,
	})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		fs:       fs,
		clock:    clk,
		writer:   writer,
		verifier: audit.NewVerifier(store, sgn, clk, m),
		manager:  manager,
	}
	f.seed(t)
	return f
}

// seed writes ten records: seven items, two users and one setting
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 7; i++ {
		require.NoError(t, f.store.SaveInventoryItem(ctx, &models.InventoryItem{
			ID:          fmt.Sprintf("item-%d", i),
			Name:        fmt.Sprintf("Item %d", i),
			Category:    "consumable",
			BatchNumber: fmt.Sprintf("B-%03d", i),
			Quantity:    int64(i * 10),
			Unit:        "box",
			Destination: "ward-a",
			ExpiryDate:  "2027-01-31",
			CreatedAt:   at,
			UpdatedAt:   at,
		}))
	}
	require.NoError(t, f.store.SaveUser(ctx, &models.User{
		ID: "u-1", Email: "nurse@example.org", Name: "Nurse", Role: models.RoleDataEntry, Active: true, CreatedAt: at,
	}, "hash-1"))
	require.NoError(t, f.store.SaveUser(ctx, &models.User{
		ID: "u-2", Email: "admin@example.org", Name: "Admin", Role: models.RoleAdmin, Active: true, CreatedAt: at,
	}, "hash-2"))
	require.NoError(t, f.store.SaveSetting(ctx, &models.Setting{Key: "low_stock_threshold", Value: "5", UpdatedAt: at}))
}

func (f *fixture) createManual(t *testing.T, format models.BackupFormat, encrypt bool) *models.Backup {
	t.Helper()
	b, err := f.manager.Create(context.Background(), CreateOptions{
		Actor:           admin,
		Type:            models.BackupTypeManual,
		Format:          format,
		IncludeUsers:    true,
		IncludeSettings: true,
		Encrypt:         encrypt,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return b
}

func (f *fixture) flipByte(t *testing.T, b *models.Backup) {
	t.Helper()
	path := backupRoot + "/" + b.Filename
	data, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, afero.WriteFile(f.fs, path, data, 0o600))
}

func (f *fixture) countType(t *testing.T, typ models.BackupType) int {
	t.Helper()
	backups, err := f.manager.List(context.Background(), models.BackupFilter{Type: &typ})
	require.NoError(t, err)
	return len(backups)
}

func TestCreateAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.createManual(t, models.FormatJSON, false)
	assert.Equal(t, models.BackupStatusCompleted, b.Status)
	assert.Equal(t, int64(10), b.RecordCount)

	raw, err := afero.ReadFile(f.fs, backupRoot+"/"+b.Filename)
	require.NoError(t, err)
	snap, err := artifact.Decode(raw, models.FormatJSON)
	require.NoError(t, err)
	assert.True(t, b.CreatedAt.Equal(snap.GeneratedAt), "stamped from the manager clock")
	assert.Len(t, b.Checksum, 64)
	assert.NotNil(t, b.CompletedAt)
	assert.Equal(t, "20260302T093000.000Z-manual.json", b.Filename)

	exists, err := afero.Exists(f.fs, backupRoot+"/"+b.Filename)
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err := f.manager.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.manager.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.Validated)
	assert.NotNil(t, stored.ValidatedAt)

	f.flipByte(t, b)
	ok, err = f.manager.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err = f.manager.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCorrupted, stored.Status)
	assert.False(t, stored.Validated)

	// Stays corrupted without re-reading
	ok, err = f.manager.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := f.store.QueryAuditEntries(ctx, models.AuditFilter{Actions: []models.AuditAction{models.ActionBackup}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, b.ID, entries[0].EntityID)
}

func TestMissingArtifactIsCorrupted(t *testing.T) {
	f := newFixture(t)
	b := f.createManual(t, models.FormatCSV, false)
	require.NoError(t, f.fs.Remove(backupRoot+"/"+b.Filename))

	ok, err := f.manager.Validate(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.manager.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCorrupted, stored.Status)
	assert.Equal(t, "artifact missing from storage", stored.ErrorMessage)
}

func TestCreateRejectsBadOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, CreateOptions{Actor: models.Actor{ID: "s", Role: models.RoleSupervisor}, Type: models.BackupTypeManual})
	assert.True(t, utils.IsCode(err, utils.ErrCodeForbidden))

	_, err = f.manager.Create(ctx, CreateOptions{Actor: admin, Type: "WEEKLY"})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

	_, err = f.manager.Create(ctx, CreateOptions{Actor: admin, Type: models.BackupTypeManual, Format: "XML"})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, err = f.manager.Create(ctx, CreateOptions{Actor: admin, Type: models.BackupTypeManual, DateFrom: &from, DateTo: &to})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

	require.NoError(t, f.store.SaveBackupConfig(ctx, &models.BackupConfig{
		ScheduleTime: "02:00", AllowedFormats: []models.BackupFormat{models.FormatJSON},
		DefaultFormat: models.FormatJSON, RetentionDailyDays: 30, UpdatedAt: f.clock.Now(),
	}))
	_, err = f.manager.Create(ctx, CreateOptions{Actor: admin, Type: models.BackupTypeManual, Format: models.FormatSQL})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation), "disabled format")

	backups, err := f.manager.List(ctx, models.BackupFilter{})
	require.NoError(t, err)
	assert.Empty(t, backups, "rejected options never create a row")
}

func TestCreateFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.store.loadSnapshot = func(context.Context, models.Selection) (*models.Snapshot, error) {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load snapshot", "disk I/O error")
	}

	b, err := f.manager.Create(context.Background(), CreateOptions{Actor: admin, Type: models.BackupTypeManual})
	require.Error(t, err)
	require.NotNil(t, b)

	stored, err := f.manager.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "disk I/O error")

	exists, err := afero.Exists(f.fs, backupRoot+"/"+b.Filename)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConcurrentCreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.store.loadSnapshot = func(ctx context.Context, sel models.Selection) (*models.Snapshot, error) {
		close(entered)
		<-proceed
		return f.store.Storage.LoadSnapshot(ctx, sel)
	}

	var (
		wg    sync.WaitGroup
		first *models.Backup
		err1  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, err1 = f.manager.Create(ctx, CreateOptions{Actor: admin, Type: models.BackupTypeManual})
	}()

	<-entered
	_, err2 := f.manager.Create(ctx, CreateOptions{Actor: admin, Type: models.BackupTypeManual})
	assert.True(t, utils.IsCode(err2, utils.ErrCodeConcurrency))

	_, err3 := f.manager.Restore(ctx, "anything", RestoreOptions{Actor: admin})
	assert.True(t, utils.IsCode(err3, utils.ErrCodeConcurrency), "restore shares the lock")

	close(proceed)
	wg.Wait()
	require.NoError(t, err1)
	assert.Equal(t, models.BackupStatusCompleted, first.Status)

	holder, held := f.manager.lock.Holder()
	assert.False(t, held)
	assert.Empty(t, holder)
}

func TestRestore(t *testing.T) {
	for _, format := range []models.BackupFormat{models.FormatJSON, models.FormatCSV, models.FormatSQL} {
		for _, encrypt := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s encrypted=%v", format, encrypt), func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				original, err := f.store.LoadSnapshot(ctx, models.Selection{IncludeUsers: true, IncludeSettings: true})
				require.NoError(t, err)

				b := f.createManual(t, format, encrypt)

				// Drift the live data
				later := f.clock.Now()
				require.NoError(t, f.store.SaveInventoryItem(ctx, &models.InventoryItem{
					ID: "item-1", Name: "Item 1", Quantity: 0, Destination: "ward-a", CreatedAt: later, UpdatedAt: later,
				}))
				require.NoError(t, f.store.SaveInventoryItem(ctx, &models.InventoryItem{
					ID: "item-99", Name: "Stray", Quantity: 1, Destination: "ward-b", CreatedAt: later, UpdatedAt: later,
				}))
				require.NoError(t, f.store.SaveSetting(ctx, &models.Setting{Key: "low_stock_threshold", Value: "50", UpdatedAt: later}))

				outcome, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
				require.NoError(t, err)
				assert.Equal(t, OutcomeSucceeded, outcome.Outcome)
				assert.NotEmpty(t, outcome.PreRestoreBackupID)
				assert.Equal(t, 1, f.countType(t, models.BackupTypePreRestore))

				restored, err := f.store.LoadSnapshot(ctx, models.Selection{IncludeUsers: true, IncludeSettings: true})
				require.NoError(t, err)
				assert.Equal(t, original.InventoryItems, restored.InventoryItems)
				assert.Equal(t, original.Users, restored.Users)
				assert.Equal(t, original.Settings, restored.Settings)

				pre, err := f.manager.Get(ctx, outcome.PreRestoreBackupID)
				require.NoError(t, err)
				assert.Equal(t, models.BackupStatusCompleted, pre.Status)
				assert.Equal(t, models.FormatJSON, pre.Format)
				assert.Equal(t, int64(11), pre.RecordCount, "pre-restore captured the drifted state")

				entries, err := f.store.QueryAuditEntries(ctx, models.AuditFilter{Actions: []models.AuditAction{models.ActionRestore}})
				require.NoError(t, err)
				assert.Len(t, entries, 2, "started and finished")

				report, err := f.verifier.VerifyChain(ctx, nil)
				require.NoError(t, err)
				assert.True(t, report.Valid)
			})
		}
	}
}

func TestRestorePreservesCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.createManual(t, models.FormatJSON, false)

	_, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
	require.NoError(t, err)

	db := f.store.Storage.(interface{ DB() *sql.DB }).DB()
	var hash string
	require.NoError(t, db.QueryRow(`SELECT password_hash FROM users WHERE id = 'u-1'`).Scan(&hash))
	assert.Equal(t, "hash-1", hash)
}

func TestRestoreFailureKeepsPreRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.createManual(t, models.FormatJSON, false)

	f.store.applyRestore = func(context.Context, *models.RestorePlan) error {
		return errors.New("constraint violation")
	}

	outcome, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeFailed, outcome.Outcome)
	assert.Equal(t, "constraint violation", outcome.Error)
	assert.Equal(t, 1, f.countType(t, models.BackupTypePreRestore))

	pre, err := f.manager.Get(ctx, outcome.PreRestoreBackupID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, pre.Status)
}

func TestRestoreTimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	f.manager.restoreTimeout = 10 * time.Millisecond
	ctx := context.Background()
	b := f.createManual(t, models.FormatJSON, false)

	f.store.applyRestore = func(ctx context.Context, _ *models.RestorePlan) error {
		<-ctx.Done()
		return ctx.Err()
	}

	outcome, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeStorage))
	assert.Equal(t, OutcomeFailed, outcome.Outcome)
	assert.Equal(t, 1, f.countType(t, models.BackupTypePreRestore))
}

// MANUAL/JSON with ten records, validated, then corrupted on disk
func TestCorruptedBackupCannotBeRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.createManual(t, models.FormatJSON, false)
	assert.Equal(t, int64(10), b.RecordCount)

	ok, err := f.manager.Validate(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.flipByte(t, b)
	ok, err = f.manager.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.manager.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCorrupted, stored.Status)

	outcome, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeRejected, outcome.Outcome)
	assert.Zero(t, f.countType(t, models.BackupTypePreRestore), "rejected before any mutation")

	entries, err := f.store.QueryAuditEntries(ctx, models.AuditFilter{Actions: []models.AuditAction{models.ActionRestore}})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the rejected attempt is still audited")
}

func TestRestoreDetectsCorruptionOfUnvalidatedBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.createManual(t, models.FormatSQL, false)
	f.flipByte(t, b)

	_, err := f.manager.Restore(ctx, b.ID, RestoreOptions{Actor: admin})
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))

	stored, err := f.manager.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCorrupted, stored.Status)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SeedConfig(ctx, &models.BackupConfig{
		Enabled: true, ScheduleTime: "02:00", DefaultFormat: models.FormatJSON,
		RetentionDailyDays: 30, RetentionWeeklyWeeks: 12, RetentionMonthlyMonths: 12,
	}))

	old := f.createManual(t, models.FormatJSON, false)

	err := f.manager.Delete(ctx, old.ID, DeleteOptions{Actor: admin})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation), "still inside the daily window")

	err = f.manager.Delete(ctx, old.ID, DeleteOptions{Actor: models.Actor{ID: "c", Role: models.RoleCompliance}, Superseded: true})
	assert.True(t, utils.IsCode(err, utils.ErrCodeForbidden))

	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, f.manager.Delete(ctx, old.ID, DeleteOptions{Actor: admin}))

	_, err = f.manager.Get(ctx, old.ID)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
	exists, err := afero.Exists(f.fs, backupRoot+"/"+old.Filename)
	require.NoError(t, err)
	assert.False(t, exists)

	fresh := f.createManual(t, models.FormatCSV, false)
	require.NoError(t, f.manager.Delete(ctx, fresh.ID, DeleteOptions{Actor: admin, Superseded: true}))

	corrupt := f.createManual(t, models.FormatJSON, false)
	f.flipByte(t, corrupt)
	_, err = f.manager.Validate(ctx, corrupt.ID)
	require.NoError(t, err)
	f.clock.Advance(31 * 24 * time.Hour)
	err = f.manager.Delete(ctx, corrupt.ID, DeleteOptions{Actor: admin})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation), "corrupted backups need superseded")
	require.NoError(t, f.manager.Delete(ctx, corrupt.ID, DeleteOptions{Actor: admin, Superseded: true}))

	err = f.manager.Delete(ctx, "missing", DeleteOptions{Actor: admin, Superseded: true})
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}

func TestDeleteFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.createManual(t, models.FormatJSON, false)

	f.store.deleteBackup = func(context.Context, string) error {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete backup", "disk I/O error")
	}
	err := f.manager.Delete(ctx, b.ID, DeleteOptions{Actor: admin, Superseded: true})
	assert.True(t, utils.IsCode(err, utils.ErrCodeDatabase))

	entries, err := f.store.QueryAuditEntries(ctx, models.AuditFilter{Actions: []models.AuditAction{models.ActionBackup}})
	require.NoError(t, err)
	phases := map[string]string{}
	for _, e := range entries {
		var changes map[string]interface{}
		require.NoError(t, json.Unmarshal(e.Changes, &changes))
		if changes["operation"] != "delete" {
			continue
		}
		phase, _ := changes["phase"].(string)
		outcome, _ := changes["outcome"].(string)
		phases[phase] = outcome
	}
	assert.Equal(t, map[string]string{"started": "", "finished": "failed"}, phases)

	f.store.deleteBackup = nil
	require.NoError(t, f.manager.Delete(ctx, b.ID, DeleteOptions{Actor: admin, Superseded: true}))

	report, err := f.verifier.VerifyChain(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	stale := &models.Backup{
		ID: "stale", Filename: "backup_manual_stale.json", Type: models.BackupTypeManual,
		Format: models.FormatJSON, Status: models.BackupStatusInProgress,
		CreatedAt: now.Add(-2 * time.Hour), CreatedBy: admin.ID,
	}
	running := &models.Backup{
		ID: "running", Filename: "backup_manual_running.json", Type: models.BackupTypeManual,
		Format: models.FormatJSON, Status: models.BackupStatusInProgress,
		CreatedAt: now.Add(-time.Minute), CreatedBy: admin.ID,
	}
	require.NoError(t, f.store.CreateBackup(ctx, stale))
	require.NoError(t, f.store.CreateBackup(ctx, running))
	partial := backupRoot + "/" + stale.Filename + ".partial"
	require.NoError(t, afero.WriteFile(f.fs, partial, []byte("half"), 0o600))

	err := f.manager.Delete(ctx, stale.ID, DeleteOptions{Actor: admin, Superseded: true})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation), "in progress rows are not deletable")

	n, err := f.manager.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.manager.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.ErrorMessage)
	exists, err := afero.Exists(f.fs, partial)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err = f.manager.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusInProgress, got.Status, "a recent create may still be running elsewhere")

	n, err = f.manager.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.manager.Delete(ctx, stale.ID, DeleteOptions{Actor: admin, Superseded: true}))

	release, err := f.manager.lock.TryAcquire("restore")
	require.NoError(t, err)
	_, err = f.manager.RecoverInterrupted(ctx)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConcurrency))
	release()
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := f.createManual(t, models.FormatCSV, false)
	dl, err := f.manager.Download(ctx, plain.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", dl.ContentType)
	assert.Equal(t, plain.Filename, dl.Filename)
	assert.Equal(t, plain.Checksum, ComputeChecksum(dl.Data))

	sealed := f.createManual(t, models.FormatSQL, true)
	dl, err = f.manager.Download(ctx, sealed.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", dl.ContentType)
	assert.True(t, artifact.IsEncrypted(dl.Data))

	_, err = f.manager.Download(ctx, plain.ID, models.Actor{ID: "a", Role: models.RoleAnalyst})
	assert.True(t, utils.IsCode(err, utils.ErrCodeForbidden))

	f.flipByte(t, plain)
	_, err = f.manager.Download(ctx, plain.ID, admin)
	assert.True(t, utils.IsCode(err, utils.ErrCodeIntegrity))
	stored, err := f.manager.Get(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCorrupted, stored.Status)

	exports, err := f.store.CountAuditEntries(ctx, models.AuditFilter{Actions: []models.AuditAction{models.ActionExport}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), exports)
}

func TestConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.GetConfig(ctx)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

	initial := &models.BackupConfig{
		Enabled: true, ScheduleTime: "02:00", DefaultFormat: "json",
		AllowedFormats:     []models.BackupFormat{"json", "csv"},
		RetentionDailyDays: 30, RetentionWeeklyWeeks: 12, RetentionMonthlyMonths: 12,
	}
	require.NoError(t, f.manager.SeedConfig(ctx, initial))
	require.NoError(t, f.manager.SeedConfig(ctx, &models.BackupConfig{ScheduleTime: "bogus"}), "seeding is a no-op once stored")

	cfg, err := f.manager.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FormatJSON, cfg.DefaultFormat)

	cfg.ScheduleTime = "03:15"
	updated, err := f.manager.UpdateConfig(ctx, admin, cfg)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, updated.UpdatedBy)

	_, err = f.manager.UpdateConfig(ctx, admin, &models.BackupConfig{ScheduleTime: "25:99", DefaultFormat: "JSON", RetentionDailyDays: 1})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	_, err = f.manager.UpdateConfig(ctx, admin, &models.BackupConfig{
		ScheduleTime: "02:00", DefaultFormat: "SQL", AllowedFormats: []models.BackupFormat{"JSON"}, RetentionDailyDays: 1,
	})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	_, err = f.manager.UpdateConfig(ctx, models.Actor{ID: "s", Role: models.RoleSupervisor}, cfg)
	assert.True(t, utils.IsCode(err, utils.ErrCodeForbidden))

	entries, err := f.store.QueryAuditEntries(ctx, models.AuditFilter{EntityTypes: []string{models.EntityBackupConfig}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Changes), "03:15")
}

func TestOperationLock(t *testing.T) {
	lock := NewOperationLock()
	release, err := lock.TryAcquire("restore")
	require.NoError(t, err)

	_, err = lock.TryAcquire("create")
	assert.True(t, utils.IsCode(err, utils.ErrCodeConcurrency))
	var appErr *utils.AppError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.Retryable())

	release()
	release()
	again, err := lock.TryAcquire("create")
	require.NoError(t, err)
	again()
}
