package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/mystery"
)

// NewMysteriesCommand lists the catalog.
func NewMysteriesCommand(rootOpts *RootOptions) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "mysteries",
		Short: "List the mystery catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := mystery.Default()
			items := catalog.All()
			if set != "" {
				s, err := mystery.ParseSet(set)
				if err != nil {
					return err
				}
				items = catalog.BySet(s)
			}
			return emit(cmd, rootOpts, items, func(w io.Writer) {
				for _, m := range items {
					fmt.Fprintf(w, "%-28s %-10s %s\n", m.ID, m.Set, m.Name)
				}
			})
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "only list one set (joyful, light, sorrowful, glorious)")
	return cmd
}
