package main

import (
	"fmt"
	"time"

	"procurebot/internal/model"
	"procurebot/internal/service"

	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a chat gateway or service account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !model.IsValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := service.SignToken([]byte(cfg.JWT.Secret), subject, role, "", ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", model.RoleGateway, "role claim")
	cmd.Flags().StringVar(&subject, "sub", "gateway", "subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "token lifetime")
	return cmd
}
