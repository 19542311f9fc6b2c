package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
	"github.com/edgekit/edgekit-core/pkg/migrate"
)

// migrateConfig is the environment-supplied configuration of the migrate
// subcommands. Flags override it.
type migrateConfig struct {
	DatabaseDSN   string `env:"DATABASE_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`
}

// NewMigrateCmd creates the migrate command with up and status
// subcommands.
func NewMigrateCmd() *cobra.Command {
	var dsn, dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
		Long:  "Apply ordered SQL migrations from a directory and record them in the schema_migrations ledger.",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to EDGECTL_DATABASE_DSN)")
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (defaults to EDGECTL_MIGRATIONS_DIR)")

	cmd.AddCommand(newMigrateUpCmd(&dsn, &dir))
	cmd.AddCommand(newMigrateStatusCmd(&dsn, &dir))
	return cmd
}

func newMigrateUpCmd(dsn, dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, migrations, err := migrateSetup(cmd, *dsn, *dir)
			if err != nil {
				return err
			}

			applied, err := runner.Up(cmd.Context(), migrations)
			for _, name := range applied {
				slog.Info("applied migration", "name", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", len(applied))
			}
			return nil
		},
	}
}

func newMigrateStatusCmd(dsn, dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, migrations, err := migrateSetup(cmd, *dsn, *dir)
			if err != nil {
				return err
			}

			entries, err := runner.Status(cmd.Context(), migrations)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.AppliedAt.IsZero() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", e.State, e.Name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s (applied %s)\n",
						e.State, e.Name, e.AppliedAt.Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}
}

// migrateSetup resolves flags against the environment, loads the
// migration files, and connects the runner.
func migrateSetup(cmd *cobra.Command, dsn, dir string) (*migrate.Runner, []migrate.Migration, error) {
	var cfg migrateConfig
	if err := loadEnv(&cfg); err != nil {
		return nil, nil, err
	}
	if dsn == "" {
		dsn = cfg.DatabaseDSN
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if dsn == "" {
		return nil, nil, ekerr.New(ekerr.CodeValidationRequired,
			"edgectl: database DSN is required (--dsn or EDGECTL_DATABASE_DSN)")
	}

	migrations, err := LoadMigrationsDir(dir)
	if err != nil {
		return nil, nil, err
	}

	runner, err := migrate.Connect(cmd.Context(), dsn, migrate.Options{})
	if err != nil {
		return nil, nil, err
	}
	return runner, migrations, nil
}

// LoadMigrationsDir reads every .sql file in dir, in lexical filename
// order, as one migration per file named after the file without its
// extension.
func LoadMigrationsDir(dir string) ([]migrate.Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ekerr.Wrapf(err, ekerr.CodeNotFound,
			"edgectl: failed to read migrations directory %s", dir)
	}

	var migrations []migrate.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, ekerr.Wrapf(err, ekerr.CodeInternal,
				"edgectl: failed to read migration %s", entry.Name())
		}
		migrations = append(migrations, migrate.Migration{
			Name: strings.TrimSuffix(entry.Name(), ".sql"),
			SQL:  string(data),
		})
	}
	if len(migrations) == 0 {
		return nil, ekerr.Newf(ekerr.CodeNotFound,
			"edgectl: no .sql migrations in %s", dir)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})
	return migrations, nil
}
