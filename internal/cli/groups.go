package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/rotation"
)

// NewGroupsCommand creates the groups command group.
func NewGroupsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage prayer groups",
	}

	var maxMembers int
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a prayer group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			g, err := e.handle.Backend.CreateGroup(cmd.Context(), args[0], maxMembers)
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, g, func(w io.Writer) {
				fmt.Fprintf(w, "created group %s (%s, up to %d members)\n", g.ID, g.Name, g.MaxMembers)
			})
		},
	}
	create.Flags().IntVar(&maxMembers, "max-members", 20, "member limit")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "members <group-id>",
		Short: "List the memberships of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			ok, err := e.handle.Backend.GroupExists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("group %s: %w", args[0], rotation.ErrNotFound)
			}
			list, err := e.handle.Backend.ListGroupMemberships(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, list, func(w io.Writer) {
				for _, m := range list {
					current := m.CurrentMysteryID
					if current == "" {
						current = "-"
					}
					fmt.Fprintf(w, "%2d  %s  %-20s  %s  confirmed=%t\n", m.OrderIndex, m.ID, m.UserID, current, m.Confirmed())
				}
			})
		},
	})

	return cmd
}

// NewMembersCommand creates the members command group.
func NewMembersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage memberships",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <group-id> <user-id>",
		Short: "Add a user to a prayer group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			m, err := e.handle.Backend.AddMembership(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, m, func(w io.Writer) {
				fmt.Fprintf(w, "added %s to group %s as membership %s (position %d)\n", m.UserID, m.GroupID, m.ID, m.OrderIndex)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <membership-id>",
		Short: "Remove a membership and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.handle.Backend.RemoveMembership(cmd.Context(), args[0]); err != nil {
				return err
			}
			return emit(cmd, rootOpts, map[string]any{"removed": args[0]}, func(w io.Writer) {
				fmt.Fprintln(w, "removed", args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history <membership-id>",
		Short: "Show the assignment history of a membership, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			if _, err := e.handle.Backend.GetMembership(cmd.Context(), args[0]); err != nil {
				return err
			}
			hist, err := e.handle.Backend.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, hist, func(w io.Writer) {
				for _, h := range hist {
					name := h.MysteryID
					if m, ok := e.catalog.Lookup(h.MysteryID); ok {
						name = m.Name
					}
					fmt.Fprintf(w, "%04d-%02d  %s  %s\n", h.Year, h.Month, h.AssignedAt.Format("2006-01-02 15:04"), name)
				}
			})
		},
	})

	return cmd
}
