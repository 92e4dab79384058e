package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/rotation"
)

// NewRotateCommand creates the rotate command group. Rotations run in the
// foreground and report their counts when done.
func NewRotateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Assign new mysteries now",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Rotate every membership of every group",
		Long: `Rotate every membership of every group immediately. A successful run is
recorded for today, so a scheduled tick later today is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			r := e.rotator()
			res, err := e.trigger(r).RunManual(cmd.Context(), "cli", r.RotateAll)
			if err != nil {
				return err
			}
			return printResult(cmd, rootOpts, "all", res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "group <group-id>",
		Short: "Rotate the memberships of one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			res, err := e.rotator().RotateGroup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("rotate group %s: %w", args[0], err)
			}
			return printResult(cmd, rootOpts, "group "+args[0], res)
		},
	})

	return cmd
}

func printResult(cmd *cobra.Command, opts *RootOptions, scope string, res rotation.Result) error {
	if err := emit(cmd, opts, res, func(w io.Writer) {
		fmt.Fprintf(w, "rotated %s: %d of %d memberships, %d failed\n", scope, res.Succeeded, res.Total, res.Failed)
	}); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d assignments failed; see log", res.Failed, res.Total)
	}
	return nil
}
