package main

import (
	"fmt"
	"time"

	"github.com/crewdeck/crewsync"
	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and identity",
	Long:  "Display the effective configuration, the identity carried by the session token and whether the token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, crewsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "websocket"))
		if cfg.Backends.PostgresDSN != "" {
			fmt.Println("  Records:     postgres")
		}
		if cfg.Backends.ValkeyAddr != "" {
			fmt.Printf("  Channels:    valkey at %s\n", cfg.Backends.ValkeyAddr)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))

		ident, err := crewsync.IdentityFromToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Identity:    unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Identity:    %s\n", displayName(ident))
		if ident.Avatar != "" {
			fmt.Printf("  Avatar:      %s\n", ident.Avatar)
		}
		fmt.Printf("  Expiry:      %s\n", tokenExpiry(cfg.Auth.Token))
		return nil
	},
}

func tokenExpiry(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return "none set"
	}
	expires := claims.ExpiresAt.Time
	if time.Now().Before(expires) {
		return fmt.Sprintf("valid, expires %s (%s)", humanize.Time(expires), expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED %s (%s)", humanize.Time(expires), expires.Format(time.RFC3339))
}
