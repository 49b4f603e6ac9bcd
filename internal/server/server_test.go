package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrack/integrity-core/internal/auth"
	"github.com/medtrack/integrity-core/internal/backup"
	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/core"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const jwtSecret = "jwt-secret"

type harness struct {
	handler http.Handler
	signer  *auth.Signer
	clock   *clock.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, utils.InitLogger("error", "text", "discard", ""))

	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type:             "sqlite",
			ConnectionString: filepath.Join(t.TempDir(), "server.db"),
			MaxConnections:   1,
			MaxIdleTime:      time.Minute,
		},
		Audit:  config.AuditConfig{SigningKey: "audit-key", QueueSize: 16},
		Backup: config.BackupConfig{StorageLocation: "/backups", EncryptionSecret: "backup-secret", RestoreTimeout: time.Minute, StaleAfter: 30 * time.Minute},
		Scheduler: config.SchedulerConfig{
			Enabled:                true,
			CheckInterval:          time.Hour,
			ScheduleTime:           "02:00",
			AllowedFormats:         []string{"CSV", "JSON", "SQL"},
			DefaultFormat:          "JSON",
			RetentionDailyDays:     30,
			RetentionWeeklyWeeks:   12,
			RetentionMonthlyMonths: 12,
		},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, EnableHealth: true, EnableMetrics: true},
		Auth:   config.AuthConfig{JWTSecret: jwtSecret, Issuer: "medtrack"},
		Alerts: config.AlertsConfig{Timeout: time.Second},
	}
	seedInventory(t, &cfg.Storage)

	clk := clock.NewManualClock(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	svc, err := core.Open(context.Background(), cfg, core.WithFs(afero.NewMemMapFs()), core.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv, err := NewHTTPServer(cfg, svc)
	require.NoError(t, err)
	return &harness{handler: srv.Handler(), signer: auth.NewSigner(jwtSecret, "medtrack"), clock: clk}
}

func seedInventory(t *testing.T, cfg *config.StorageConfig) {
	t.Helper()
	store, err := storage.NewStorage(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	defer store.Close()
	require.NoError(t, store.Migrate())

	at := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveInventoryItem(context.Background(), &models.InventoryItem{
		ID: "item-1", Name: "Saline", Category: "fluid", BatchNumber: "B-001",
		Quantity: 40, Unit: "bag", Destination: "ward-a", ExpiryDate: "2027-01-31",
		CreatedAt: at, UpdatedAt: at,
	}))
}

func (h *harness) do(t *testing.T, method, path string, role models.Role, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("User-Agent", "server-test")
	if role != "" {
		token, err := h.signer.SignActor(models.Actor{ID: "user-" + strings.ToLower(string(role)), Role: role}, time.Now(), time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health core.HealthStatus
	decodeBody(t, rec, &health)
	assert.True(t, health.StorageHealthy)

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medtrack_")
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/backups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, utils.ErrCodeUnauthorized, body["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/backups", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/audit", models.RoleDataEntry, map[string]interface{}{
		"action":      "update",
		"entity_type": "inventory_item",
		"entity_id":   "item-1",
		"before":      map[string]interface{}{"quantity": 40},
		"after":       map[string]interface{}{"quantity": 35},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]string
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created["id"])

	rec = h.do(t, http.MethodPost, "/api/v1/audit", models.RoleDataEntry, map[string]interface{}{
		"action": "launch", "entity_type": "inventory_item",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/audit", models.RoleDataEntry, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/audit?from=yesterday", models.RoleCompliance, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/audit?action=UPDATE&entity_type=inventory_item", models.RoleCompliance, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []*models.AuditEntry `json:"entries"`
		Total   int64                `json:"total"`
	}
	decodeBody(t, rec, &page)
	require.Equal(t, int64(1), page.Total)
	assert.Equal(t, "user-data_entry", page.Entries[0].ActorID)
	assert.Equal(t, "server-test", page.Entries[0].UserAgent)
	assert.JSONEq(t, `{"quantity":{"before":40,"after":35}}`, string(page.Entries[0].Changes))

	rec = h.do(t, http.MethodGet, "/api/v1/audit/verify", models.RoleSupervisor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report map[string]interface{}
	decodeBody(t, rec, &report)
	assert.Equal(t, true, report["valid"])

	rec = h.do(t, http.MethodGet, "/api/v1/audit/verify", models.RoleAnalyst, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBackupEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/backups", models.RoleSupervisor, map[string]interface{}{"format": "json"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/backups", models.RoleAdmin, map[string]interface{}{"format": "xml"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/backups", models.RoleAdmin, map[string]interface{}{"format": "json"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b models.Backup
	decodeBody(t, rec, &b)
	assert.Equal(t, models.BackupStatusCompleted, b.Status)
	assert.Equal(t, int64(1), b.RecordCount)
	h.clock.Advance(time.Second)

	rec = h.do(t, http.MethodGet, "/api/v1/backups?type=manual", models.RoleCompliance, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Backups []*models.Backup `json:"backups"`
		Count   int              `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = h.do(t, http.MethodGet, "/api/v1/backups?status=broken", models.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/backups/"+b.ID, models.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/backups/missing", models.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/backups/"+b.ID+"/validate", models.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var validation map[string]interface{}
	decodeBody(t, rec, &validation)
	assert.Equal(t, true, validation["valid"])

	rec = h.do(t, http.MethodGet, "/api/v1/backups/"+b.ID+"/download", models.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), b.Filename)
	assert.Equal(t, b.FileSize, int64(rec.Body.Len()))

	rec = h.do(t, http.MethodPost, "/api/v1/backups/"+b.ID+"/restore", models.RoleSupervisor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/backups/"+b.ID+"/restore", models.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome backup.RestoreOutcome
	decodeBody(t, rec, &outcome)
	assert.Equal(t, backup.OutcomeSucceeded, outcome.Outcome)
	assert.NotEmpty(t, outcome.PreRestoreBackupID)
	assert.Equal(t, int64(1), outcome.RecordsRestored)

	// Still inside the daily retention window
	rec = h.do(t, http.MethodDelete, "/api/v1/backups/"+b.ID, models.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/v1/backups/"+b.ID+"?superseded=true", models.RoleAdmin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/backups/"+b.ID, models.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupConfigEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/backup-config", models.RoleSupervisor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.BackupConfig
	decodeBody(t, rec, &cfg)
	assert.Equal(t, "02:00", cfg.ScheduleTime)

	cfg.ScheduleTime = "25:00"
	rec = h.do(t, http.MethodPut, "/api/v1/backup-config", models.RoleAdmin, cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg.ScheduleTime = "03:15"
	rec = h.do(t, http.MethodPut, "/api/v1/backup-config", models.RoleSupervisor, cfg)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/v1/backup-config", models.RoleAdmin, cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved models.BackupConfig
	decodeBody(t, rec, &saved)
	assert.Equal(t, "03:15", saved.ScheduleTime)
	assert.Equal(t, "user-admin", saved.UpdatedBy)
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		utils.ErrCodeValidation:   http.StatusBadRequest,
		utils.ErrCodeUnauthorized: http.StatusUnauthorized,
		utils.ErrCodeForbidden:    http.StatusForbidden,
		utils.ErrCodeNotFound:     http.StatusNotFound,
		utils.ErrCodeConcurrency:  http.StatusConflict,
		utils.ErrCodeIntegrity:    http.StatusUnprocessableEntity,
		utils.ErrCodeStorage:      http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(utils.NewAppError(code, "x")), code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}

func TestNewHTTPServerRequiresSecret(t *testing.T) {
	_, err := NewHTTPServer(&config.Config{}, nil)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}
