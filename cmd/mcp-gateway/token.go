package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-gateway-go/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject     string
		ttl         time.Duration
		permissions []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		Long: `Mint an HS256 access token signed with JWT_SECRET.

The token carries the configured JWT_ISSUER and audience and is accepted by
"mcp-gateway serve" running with the same environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := mintToken(cfg, subject, ttl, permissions)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "dev", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", []string{"mapbox:*"}, "Granted permission (repeatable)")
	return cmd
}

func mintToken(cfg *Config, subject string, ttl time.Duration, permissions []string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("JWT_SECRET is required to mint tokens")
	}
	return auth.MintHMAC([]byte(cfg.JWTSecret), auth.MintOptions{
		Subject:     subject,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.audience(),
		Permissions: permissions,
		TTL:         ttl,
	})
}
