package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/migrate"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, rootOpts, func(m *migrate.Manager) error {
				applied, err := m.Up(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, rootOpts, map[string]any{"applied": applied}, func(w io.Writer) {
					if len(applied) == 0 {
						fmt.Fprintln(w, "schema is up to date")
						return
					}
					for _, name := range applied {
						fmt.Fprintln(w, "applied", name)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, rootOpts, func(m *migrate.Manager) error {
				name, err := m.Down(cmd.Context())
				if errors.Is(err, migrate.ErrNothingApplied) {
					return emit(cmd, rootOpts, map[string]any{"rolled_back": nil}, func(w io.Writer) {
						fmt.Fprintln(w, "nothing to roll back")
					})
				}
				if err != nil {
					return err
				}
				return emit(cmd, rootOpts, map[string]any{"rolled_back": name}, func(w io.Writer) {
					fmt.Fprintln(w, "rolled back", name)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, rootOpts, func(m *migrate.Manager) error {
				history, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, rootOpts, map[string]any{"applied": history}, func(w io.Writer) {
					for _, name := range history {
						fmt.Fprintln(w, name)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Load development seed data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, rootOpts, func(m *migrate.Manager) error {
				if err := m.Seed(cmd.Context()); err != nil {
					return err
				}
				return emit(cmd, rootOpts, map[string]any{"seeded": true}, func(w io.Writer) {
					fmt.Fprintln(w, "seed data loaded")
				})
			})
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, opts *RootOptions, fn func(*migrate.Manager) error) error {
	e, err := openEnv(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer e.Close()
	m, err := e.handle.Migrator()
	if err != nil {
		return err
	}
	return fn(m)
}
