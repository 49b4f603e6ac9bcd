// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/auth"
	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/core"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const (
	healthPath  = "/api/v1/health"
	metricsPath = "/metrics"
)

// HTTPServer exposes the integrity core over HTTP
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	service        *core.Service
	verifier       *auth.Verifier
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, service *core.Service) (*HTTPServer, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Auth JWT secret is required",
			"set auth.jwt_secret or MEDTRACK_AUTH_JWT_SECRET")
	}

	s := &HTTPServer{
		config:         &cfg.Server,
		service:        service,
		verifier:       auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		metricsManager: service.Metrics(),
		logger:         utils.ComponentLogger("http_server"),
		stopChan:       make(chan struct{}),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}
	s.router.Use(auth.Middleware(s.verifier, s.writeAuthError, healthPath, metricsPath))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}
	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle(metricsPath, s.metricsManager.Handler()).Methods("GET")
	}

	// Audit trail
	api.HandleFunc("/audit", s.recordAuditHandler).Methods("POST")
	api.HandleFunc("/audit", s.queryAuditHandler).Methods("GET")
	api.HandleFunc("/audit/verify", s.verifyChainHandler).Methods("GET")

	// Backups
	api.HandleFunc("/backups", s.listBackupsHandler).Methods("GET")
	api.HandleFunc("/backups", s.createBackupHandler).Methods("POST")
	api.HandleFunc("/backups/{id}", s.getBackupHandler).Methods("GET")
	api.HandleFunc("/backups/{id}", s.deleteBackupHandler).Methods("DELETE")
	api.HandleFunc("/backups/{id}/validate", s.validateBackupHandler).Methods("POST")
	api.HandleFunc("/backups/{id}/restore", s.restoreBackupHandler).Methods("POST")
	api.HandleFunc("/backups/{id}/download", s.downloadBackupHandler).Methods("GET")

	// Backup configuration
	api.HandleFunc("/backup-config", s.getBackupConfigHandler).Methods("GET")
	api.HandleFunc("/backup-config", s.updateBackupConfigHandler).Methods("PUT")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.metricsManager.UpdateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.metricsManager.UpdateSystemMetrics()
			s.service.Health(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError maps err to a status code and writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]interface{}) {
	status := statusFor(err)
	body := map[string]interface{}{
		"error":     err.Error(),
		"code":      utils.ErrorCode(err),
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		body[k] = v
	}

	entry := s.logger.WithFields(logrus.Fields{
		"status": status,
		"method": r.Method,
		"path":   r.URL.Path,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("HTTP error")
	} else {
		entry.Debug("HTTP request rejected")
	}

	s.writeJSON(w, status, body)
}

func (s *HTTPServer) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, err, nil)
}

func statusFor(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case utils.ErrCodeForbidden:
		return http.StatusForbidden
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeConcurrency:
		return http.StatusConflict
	case utils.ErrCodeIntegrity:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
