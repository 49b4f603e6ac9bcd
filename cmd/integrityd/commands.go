// File: cmd/integrityd/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medtrack/integrity-core/internal/audit"
	"github.com/medtrack/integrity-core/internal/auth"
	"github.com/medtrack/integrity-core/internal/backup"
	"github.com/medtrack/integrity-core/internal/core"
	"github.com/medtrack/integrity-core/internal/models"
)

// Operator commands run on the host that holds the secrets, so they act with
// the administrator role under the name given by --actor.
var operatorID string

func operator() models.Actor {
	return models.Actor{
		ID:        operatorID,
		Role:      models.RoleAdmin,
		IPAddress: "local",
		UserAgent: "integrityd/" + AppVersion,
	}
}

func withService(fn func(ctx context.Context, svc *core.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx := context.Background()
	svc, err := core.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open integrity core: %w", err)
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return &t, nil
}

func addOperatorCommands(root *cobra.Command) {
	root.PersistentFlags().StringVar(&operatorID, "actor", "cli:operator", "actor id recorded for operator commands")

	auditCmd := &cobra.Command{Use: "audit", Short: "Audit trail commands"}
	auditCmd.AddCommand(newVerifyCmd())

	backupCmd := &cobra.Command{Use: "backup", Short: "Backup commands"}
	backupCmd.AddCommand(newBackupCreateCmd(), newBackupListCmd(), newBackupValidateCmd(),
		newBackupRestoreCmd(), newBackupDeleteCmd())

	retentionCmd := &cobra.Command{Use: "retention", Short: "Retention commands"}
	retentionCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Take the scheduled backup if due and prune expired automatic backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *core.Service) error {
				result, err := svc.RunRetention(ctx)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	})

	root.AddCommand(auditCmd, backupCmd, retentionCmd, newTokenCmd())
}

func newVerifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit chain signatures and sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *core.Service) error {
				report, err := svc.VerifyAuditChain(ctx, operator(), &audit.Range{From: from, To: to})
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("audit chain broken at sequence %d: %s", report.FirstBrokenAt, report.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence to verify")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence to verify")
	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	var (
		format, from, to                    string
		users, settings, auditLogs, encrypt bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Take a manual backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateFrom, err := parseDate(from)
			if err != nil {
				return err
			}
			dateTo, err := parseDate(to)
			if err != nil {
				return err
			}
			return withService(func(ctx context.Context, svc *core.Service) error {
				b, err := svc.CreateBackup(ctx, backup.CreateOptions{
					Actor:            operator(),
					Type:             models.BackupTypeManual,
					Format:           models.BackupFormat(strings.ToUpper(format)),
					IncludeUsers:     users,
					IncludeSettings:  settings,
					IncludeAuditLogs: auditLogs,
					DateFrom:         dateFrom,
					DateTo:           dateTo,
					Encrypt:          encrypt,
				})
				if b != nil {
					_ = printJSON(b)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "CSV, JSON or SQL (default from backup config)")
	cmd.Flags().BoolVar(&users, "users", true, "include users")
	cmd.Flags().BoolVar(&settings, "settings", true, "include settings")
	cmd.Flags().BoolVar(&auditLogs, "audit-logs", false, "include the audit trail")
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "encrypt the artifact")
	cmd.Flags().StringVar(&from, "from", "", "only rows created on or after this date")
	cmd.Flags().StringVar(&to, "to", "", "only rows created on or before this date")
	return cmd
}

func newBackupListCmd() *cobra.Command {
	var (
		backupType, status string
		limit              int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.BackupFilter{Limit: limit}
			if backupType != "" {
				t := models.BackupType(strings.ToUpper(backupType))
				filter.Type = &t
			}
			if status != "" {
				s := models.BackupStatus(strings.ToUpper(status))
				filter.Status = &s
			}
			return withService(func(ctx context.Context, svc *core.Service) error {
				backups, err := svc.ListBackups(ctx, operator(), filter)
				if err != nil {
					return err
				}
				return printJSON(backups)
			})
		},
	}
	cmd.Flags().StringVar(&backupType, "type", "", "MANUAL, AUTOMATIC or PRE_RESTORE")
	cmd.Flags().StringVar(&status, "status", "", "IN_PROGRESS, COMPLETED, FAILED or CORRUPTED")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum backups to list, 0 for all")
	return cmd
}

func newBackupValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Re-check a backup artifact against its checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *core.Service) error {
				valid, err := svc.ValidateBackup(ctx, operator(), args[0])
				if err != nil {
					return err
				}
				if !valid {
					return fmt.Errorf("backup %s is corrupted", args[0])
				}
				fmt.Printf("Backup %s is intact\n", args[0])
				return nil
			})
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace live data with a backup, taking a pre-restore backup first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("restore replaces live data; rerun with --yes to confirm")
			}
			return withService(func(ctx context.Context, svc *core.Service) error {
				outcome, err := svc.RestoreBackup(ctx, args[0], backup.RestoreOptions{Actor: operator()})
				if outcome != nil {
					_ = printJSON(outcome)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the restore")
	return cmd
}

func newBackupDeleteCmd() *cobra.Command {
	var superseded bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup no longer held by the retention policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *core.Service) error {
				if err := svc.DeleteBackup(ctx, args[0], backup.DeleteOptions{Actor: operator(), Superseded: superseded}); err != nil {
					return err
				}
				fmt.Printf("Backup %s deleted\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&superseded, "superseded", false, "delete even if retention would keep it")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject, role string
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			actor := models.Actor{ID: subject, Role: models.Role(strings.ToUpper(role))}
			switch actor.Role {
			case models.RoleAdmin, models.RoleSupervisor, models.RoleDataEntry, models.RoleAnalyst, models.RoleCompliance:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer).SignActor(actor, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id the token names")
	cmd.Flags().StringVar(&role, "role", string(models.RoleAdmin), "actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
