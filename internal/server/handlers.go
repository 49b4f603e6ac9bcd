// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/auth"
	"github.com/medtrack/integrity-core/internal/backup"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const maxBodyBytes = 1 << 20

type recordAuditRequest struct {
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Changes    json.RawMessage `json:"changes,omitempty"`
}

type createBackupRequest struct {
	Format           string     `json:"format"`
	IncludeUsers     bool       `json:"include_users"`
	IncludeSettings  bool       `json:"include_settings"`
	IncludeAuditLogs bool       `json:"include_audit_logs"`
	DateFrom         *time.Time `json:"date_from,omitempty"`
	DateTo           *time.Time `json:"date_to,omitempty"`
	Encrypt          bool       `json:"encrypt"`
}

// Health

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

// Audit

func (s *HTTPServer) recordAuditHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req recordAuditRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, valid := models.ParseAuditAction(req.Action)
	if !valid {
		s.writeError(w, r, utils.NewAppError(utils.ErrCodeValidation, "Unknown audit action", req.Action), nil)
		return
	}

	in := audit.RecordInput{
		ActorID:    actor.ID,
		Action:     action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Changes:    req.Changes,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}
	if len(req.Before) > 0 {
		in.Before = req.Before
	}
	if len(req.After) > 0 {
		in.After = req.After
	}

	id, err := s.service.RecordAudit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *HTTPServer) queryAuditHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	page, err := s.service.QueryAudit(r.Context(), actor, filter)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) verifyChainHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var rng audit.Range
	var err error
	if rng.From, err = int64Param(q, "from"); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if rng.To, err = int64Param(q, "to"); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	report, err := s.service.VerifyAuditChain(r.Context(), actor, &rng)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Backups

func (s *HTTPServer) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	filter, err := parseBackupFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	backups, err := s.service.ListBackups(r.Context(), actor, filter)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (s *HTTPServer) createBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req createBackupRequest
	if !s.decode(w, r, &req) {
		return
	}

	b, err := s.service.CreateBackup(r.Context(), backup.CreateOptions{
		Actor:            actor,
		Type:             models.BackupTypeManual,
		Format:           models.BackupFormat(strings.ToUpper(strings.TrimSpace(req.Format))),
		IncludeUsers:     req.IncludeUsers,
		IncludeSettings:  req.IncludeSettings,
		IncludeAuditLogs: req.IncludeAuditLogs,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
		Encrypt:          req.Encrypt,
	})
	if err != nil {
		var extra map[string]interface{}
		if b != nil {
			extra = map[string]interface{}{"backup": b}
		}
		s.writeError(w, r, err, extra)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *HTTPServer) getBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	b, err := s.service.GetBackup(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) deleteBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	superseded, _ := strconv.ParseBool(r.URL.Query().Get("superseded"))

	err := s.service.DeleteBackup(r.Context(), mux.Vars(r)["id"], backup.DeleteOptions{
		Actor:      actor,
		Superseded: superseded,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) validateBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	valid, err := s.service.ValidateBackup(r.Context(), actor, id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	b, err := s.service.GetBackup(r.Context(), actor, id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"valid": valid, "backup": b})
}

func (s *HTTPServer) restoreBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	outcome, err := s.service.RestoreBackup(r.Context(), mux.Vars(r)["id"], backup.RestoreOptions{Actor: actor})
	if err != nil {
		var extra map[string]interface{}
		if outcome != nil {
			extra = map[string]interface{}{"outcome": outcome}
		}
		s.writeError(w, r, err, extra)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) downloadBackupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	dl, err := s.service.DownloadBackup(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Data); err != nil {
		s.logger.WithError(err).WithField("filename", dl.Filename).Warn("Failed to stream backup download")
	}
}

// Backup configuration

func (s *HTTPServer) getBackupConfigHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	cfg, err := s.service.GetBackupConfig(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *HTTPServer) updateBackupConfigHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var cfg models.BackupConfig
	if !s.decode(w, r, &cfg) {
		return
	}

	saved, err := s.service.UpdateBackupConfig(r.Context(), actor, &cfg)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

// Helpers

func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		s.writeError(w, r, utils.NewAppError(utils.ErrCodeUnauthorized, "Missing actor"), nil)
	}
	return actor, ok
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.writeError(w, r, utils.NewAppError(utils.ErrCodeValidation, "Invalid request body", err.Error()), nil)
		return false
	}
	return true
}

func parseAuditFilter(q url.Values) (models.AuditFilter, error) {
	filter := models.AuditFilter{
		ActorIDs:    q["actor_id"],
		EntityTypes: q["entity_type"],
		Search:      q.Get("search"),
	}
	for _, raw := range q["action"] {
		action, ok := models.ParseAuditAction(raw)
		if !ok {
			return filter, utils.NewAppError(utils.ErrCodeValidation, "Unknown audit action", raw)
		}
		filter.Actions = append(filter.Actions, action)
	}

	var err error
	if filter.From, err = timeParam(q, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = timeParam(q, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseBackupFilter(q url.Values) (models.BackupFilter, error) {
	var filter models.BackupFilter
	if raw := q.Get("type"); raw != "" {
		t := models.BackupType(strings.ToUpper(raw))
		if !t.Valid() {
			return filter, utils.NewAppError(utils.ErrCodeValidation, "Unknown backup type", raw)
		}
		filter.Type = &t
	}
	if raw := q.Get("status"); raw != "" {
		status := models.BackupStatus(strings.ToUpper(raw))
		switch status {
		case models.BackupStatusInProgress, models.BackupStatusCompleted,
			models.BackupStatusFailed, models.BackupStatusCorrupted:
		default:
			return filter, utils.NewAppError(utils.ErrCodeValidation, "Unknown backup status", raw)
		}
		filter.Status = &status
	}

	var err error
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid "+name+" timestamp", raw)
	}
	t = t.UTC()
	return &t, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid "+name, raw)
	}
	return n, nil
}

func int64Param(q url.Values, name string) (int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid "+name, raw)
	}
	return n, nil
}
