package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/memonexus/syncd/internal/db"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
)

// =====================================================
// migrate
// =====================================================

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the record store schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return errors.New(errors.ErrInvalid, "--steps must be at least 1")
			}
			return withMigrator(opts, cmd.OutOrStdout(), func(m *db.Migrator) error {
				for i := 0; i < steps; i++ {
					if err := m.Down(); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending schema migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(opts, cmd.OutOrStdout(), (*db.Migrator).Up)
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "List applied schema migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(opts, cmd.OutOrStdout(), func(m *db.Migrator) error {
					applied, err := m.GetAppliedMigrations()
					if err != nil {
						return err
					}
					for _, mig := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "V%d %-24s %s\n", mig.Version, mig.Description, mig.AppliedAt.UTC().Format("2006-01-02 15:04:05"))
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withMigrator opens the configured database, runs fn and prints the
// resulting schema version.
func withMigrator(opts *rootOptions, out io.Writer, fn func(*db.Migrator) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	database, err := db.OpenDSN(cfg.Database.DSN)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "open database", err)
	}
	defer database.Close()

	m, err := db.NewEmbeddedMigrator(database)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "load migrations", err)
	}
	if err := m.Initialize(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "initialize migrations", err)
	}
	if err := fn(m); err != nil {
		return errors.Wrap(errors.ErrDatabase, "migrate", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "read schema version", err)
	}
	fmt.Fprintf(out, "schema version %d\n", version)
	return nil
}
