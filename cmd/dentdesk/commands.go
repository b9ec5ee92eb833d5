package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/domain/account"
	"github.com/dentdesk/dentdesk/internal/domain/clinic"
	"github.com/dentdesk/dentdesk/internal/platform/db"
	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres backend)",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       2,
		MinConns:       0,
		ConnectTimeout: cfg.RemoteTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Env, os.Stderr)
	return db.NewMigrator(pool, dir).WithLogger(logger), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
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

// session is a signed-in remote client for one-off commands.
type session struct {
	loc    *time.Location
	be     *backends
	client *remote.Client
	auth   *account.AuthStore
	opts   []entitystore.Option
}

func signIn(ctx context.Context, email, password string) (*session, error) {
	if email == "" || password == "" {
		return nil, errors.New("--email and --password are required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env, os.Stderr)

	be, err := openBackends(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	client, err := be.NewClient()
	if err != nil {
		be.Close()
		return nil, err
	}
	as := account.NewAuthStore(client, account.Config{SiteURL: cfg.SiteURL, Pending: be.Pending(), Logger: logger})
	if _, err := as.SignIn(ctx, email, password); err != nil {
		be.Close()
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return &session{
		loc:    loc,
		be:     be,
		client: client,
		auth:   as,
		opts:   []entitystore.Option{entitystore.WithLogger(logger)},
	}, nil
}

func (s *session) Close(ctx context.Context) {
	_ = s.auth.SignOut(ctx)
	s.be.Close()
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records to an .xlsx spreadsheet",
	}
	cmd.PersistentFlags().String("email", "", "Staff account email")
	cmd.PersistentFlags().String("password", "", "Staff account password")
	cmd.PersistentFlags().String("out", "", "Output file (.xlsx)")

	cmd.AddCommand(&cobra.Command{
		Use:   "patients",
		Short: "Export all patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, func(ctx context.Context, s *session) ([]byte, int, error) {
				patients, err := clinic.NewPatientStore(s.client.Tables, s.opts...).FetchAll(ctx)
				if err != nil {
					return nil, 0, err
				}
				data, err := clinic.ExportPatients(patients, s.loc)
				return data, len(patients), err
			})
		},
	})

	apptCmd := &cobra.Command{
		Use:   "appointments",
		Short: "Export appointments, optionally filtered by local date range and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			status, _ := cmd.Flags().GetString("status")
			filters := clinic.AppointmentFilters{StartDate: start, EndDate: end, Status: clinic.Status(status)}

			return runExport(cmd, func(ctx context.Context, s *session) ([]byte, int, error) {
				store := clinic.NewAppointmentStore(s.client.Tables, s.opts, clinic.WithLocation(s.loc))
				appts, err := store.FetchAll(ctx, filters)
				if err != nil {
					return nil, 0, err
				}
				data, err := clinic.ExportAppointments(appts, s.loc)
				return data, len(appts), err
			})
		},
	}
	apptCmd.Flags().String("start", "", "First local day (YYYY-MM-DD)")
	apptCmd.Flags().String("end", "", "Last local day (YYYY-MM-DD)")
	apptCmd.Flags().String("status", "", "Appointment status")
	cmd.AddCommand(apptCmd)

	return cmd
}

type exportFunc func(ctx context.Context, s *session) ([]byte, int, error)

func runExport(cmd *cobra.Command, export exportFunc) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		return errors.New("--out is required")
	}

	ctx := cmd.Context()
	s, err := signIn(ctx, email, password)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	data, n, err := export(ctx, s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d row(s) to %s\n", n, out)
	return nil
}

func profilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage staff profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Retry profile rows that failed at sign-up",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("REDIS_URL is required: pending profiles are only shared through redis")
			}
			logger := newLogger(cfg.Env, os.Stderr)

			ctx := cmd.Context()
			be, err := openBackends(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer be.Close()

			res, err := account.NewProfileReconciler(be.ServiceTables(), be.Pending(), logger).Retry(ctx)
			if err != nil {
				return err
			}
			printRetryResult(cmd.OutOrStdout(), res)
			if res.Failed > 0 {
				return fmt.Errorf("%d profile(s) still pending", res.Failed)
			}
			return nil
		},
	})
	return cmd
}

func printRetryResult(w io.Writer, res account.RetryResult) {
	fmt.Fprintf(w, "Created %d profile(s), %d failed.\n", res.Created, res.Failed)
}
