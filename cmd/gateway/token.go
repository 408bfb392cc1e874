package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"edgegate/internal/domain"
	"edgegate/internal/gateway/adapter/statickey"
	"edgegate/internal/gateway/authn"
)

var tokenFlags struct {
	secret   string
	issuer   string
	audience string
	userID   string
	username string
	roles    []string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 bearer token for local testing",
	Long: `token signs a token with the shared secret the gateway verifies in
static-key mode. It is meant for development against a local gateway.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := statickey.New(tokenFlags.secret)
		if err != nil {
			return err
		}
		id := domain.Identity{
			UserID:   tokenFlags.userID,
			Username: tokenFlags.username,
			Roles:    tokenFlags.roles,
		}
		if id.Username == "" {
			id.Username = id.UserID
		}
		claims := authn.NewClaims(id, tokenFlags.issuer, tokenFlags.audience, tokenFlags.ttl, time.Now())
		signed, err := src.Sign(claims)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret (defaults to $JWT_SECRET)")
	f.StringVar(&tokenFlags.issuer, "issuer", envOr("JWT_ISSUER", "api-gateway"), "iss claim")
	f.StringVar(&tokenFlags.audience, "audience", envOr("JWT_AUDIENCE", "mysillydreams-api"), "aud claim")
	f.StringVar(&tokenFlags.userID, "user-id", "dev-user", "userId claim")
	f.StringVar(&tokenFlags.username, "username", "", "username claim (defaults to the user id)")
	f.StringSliceVar(&tokenFlags.roles, "roles", []string{"USER"}, "roles claim")
	f.DurationVar(&tokenFlags.ttl, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
