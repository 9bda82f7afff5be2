package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/zapdesk/internal/auth"
)

var (
	tokenAgentID   string
	tokenAgentName string
	tokenExpiresIn string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a panel JWT for an agent",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		raw := strings.TrimSpace(tokenExpiresIn)
		if raw == "" {
			raw = cfg.Auth.JWTExpiresIn
		}
		expiresIn, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid expires-in %q: %w", raw, err)
		}
		token, expiresAt, err := auth.GenerateToken(auth.Agent{ID: tokenAgentID, Name: tokenAgentName}, cfg.Auth.JWTSecret, expiresIn)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAgentID, "agent-id", "", "agent id (required)")
	tokenCmd.Flags().StringVar(&tokenAgentName, "name", "", "agent display name")
	tokenCmd.Flags().StringVar(&tokenExpiresIn, "expires-in", "", "token lifetime, e.g. 8h (default auth.jwt_expires_in)")
	_ = tokenCmd.MarkFlagRequired("agent-id")
}
