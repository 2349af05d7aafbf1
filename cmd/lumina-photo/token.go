package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/identity"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		Long: `Signs an HS256 token with auth.jwt_secret so the API can be called from
curl or a test client.`,
		RunE: runToken,
	}
	cmd.Flags().String("subject", "", "Subject id the token is issued to")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	subject, _ := cmd.Flags().GetString("subject")
	if subject == "" {
		return errors.New("--subject is required")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	provider, err := identity.NewJWTProvider(identity.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	token, err := provider.Issue(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
