package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vultisig/autotransfer/service"
)

// NewTokenCommand mints an API token for a user.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Generate an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no jwt secret configured")
			}
			token, err := service.NewAuthService(secret).GenerateToken(args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"token": token})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "jwt secret, defaults to auth.jwt_secret from config")
	return cmd
}
