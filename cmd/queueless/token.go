package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"queueless/internal/httpapi"

	"github.com/spf13/cobra"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed owner token for local use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to sign tokens")
			}
			owner = strings.TrimSpace(owner)
			if owner == "" {
				return errors.New("--owner is required")
			}
			token, err := httpapi.NewAuthenticator(cfg.JWTSecret).IssueToken(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
