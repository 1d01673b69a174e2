package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/telehealth/internal/config"
	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/domain/reconcile"
	"github.com/ehr/telehealth/internal/domain/scheduling"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
	"github.com/ehr/telehealth/migrations"
)

// cliActor is the audit user id of maintenance commands run by an operator.
const cliActor = "system:cli"

func main() {
	rootCmd := &cobra.Command{
		Use:           "telehealth-server",
		Short:         "Telehealth patient and appointment sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(patientsCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(parseLevel(cfg.LogLevel)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// migrationSource returns the embedded migrations unless MIGRATIONS_DIR
// points somewhere else.
func migrationSource(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(cfg)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Local patient maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge-orphans",
		Short: "Delete local patients that no account owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				svc := identity.NewService(identity.NewPatientRepo(d.pool), d.remote, d.codec, d.audit, d.logger)
				n, err := svc.PurgeOrphans(ctx, cliActor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d orphaned patient(s).\n", n)
				return nil
			})
		},
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass between local rows and the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, d *deps) error {
				report, err := d.reconciler().Run(ctx, dryRun)
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report drift without repairing it")
	return cmd
}

func printReport(w io.Writer, report *reconcile.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// withDeps opens the pool and remote client a maintenance command needs and
// cancels fn on SIGINT or SIGTERM.
func withDeps(ctx context.Context, fn func(ctx context.Context, d *deps) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer d.close()
	return fn(ctx, d)
}

func (d *deps) reconciler() *reconcile.Service {
	return reconcile.NewService(
		identity.NewPatientRepo(d.pool),
		scheduling.NewAppointmentRepo(d.pool),
		d.remote, d.codec, d.audit, d.logger,
	)
}

var (
	_ identity.RemotePatients       = (*fhir.Client)(nil)
	_ scheduling.RemoteAppointments = (*fhir.Client)(nil)
	_ reconcile.Remote              = (*fhir.Client)(nil)
	_ reconcile.Recoder             = (*hipaa.FieldCodec)(nil)
	_ hipaa.AuditHistory            = (*hipaa.AuditLogger)(nil)
	_ scheduling.PatientLookup      = identity.PatientRepository(nil)
)
