// File: cmd/integrityd/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medtrack/integrity-core/internal/config"
	"github.com/medtrack/integrity-core/internal/core"
	"github.com/medtrack/integrity-core/internal/server"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application is the long-running daemon: the core plus its HTTP surface
type Application struct {
	config  *config.Config
	logger  *logrus.Entry
	service *core.Service
	server  *server.HTTPServer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: utils.ComponentLogger("integrityd"),
		ctx:    ctx,
		cancel: cancel,
	}

	svc, err := core.New(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize integrity core: %w", err)
	}
	app.service = svc

	srv, err := server.NewHTTPServer(cfg, svc)
	if err != nil {
		svc.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	app.server = srv

	app.logger.Info("All components initialized successfully")
	return app, nil
}

// Start starts the core and the HTTP server
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting integrity core")

	if err := app.service.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start integrity core: %w", err)
	}
	if err := app.server.Start(); err != nil {
		return err
	}
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping integrity core")
	app.cancel()

	if err := app.server.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop HTTP server")
	}
	app.service.Close()

	app.logger.Info("Integrity core stopped successfully")
	return nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "integrityd",
	Short:   "Medical inventory integrity core",
	Long:    `Tamper-evident audit trail, verified backups and retention for the medical inventory system.`,
	Version: AppVersion,
	RunE:    runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		_ = app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")
	return app.Stop()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("integrityd %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file and environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Backups: %s\n", cfg.Backup.StorageLocation)
		fmt.Printf("Schedule: %s UTC (enabled: %t)\n", cfg.Scheduler.ScheduleTime, cfg.Scheduler.Enabled)
		fmt.Printf("Alert webhook: %t\n", cfg.Alerts.WebhookURL != "")
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	logCfg := cfg.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateConfigCmd)
	addOperatorCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
