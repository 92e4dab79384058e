package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/auth"
)

// NewTokenCommand mints a bearer token signed with the configured secret,
// for operators and local testing.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openConfig(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			signer, err := auth.NewSigner(e.cfg.Auth.Secret, e.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = e.cfg.Auth.TokenTTL
			}
			token, expires, err := signer.GenerateToken(args[0], roles, ttl)
			if err != nil {
				return err
			}
			out := map[string]any{"token": token, "expires_at": expires}
			return emit(cmd, rootOpts, out, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleMember}, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
