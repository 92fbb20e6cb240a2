package main

import (
	"fmt"

	"github.com/crewdeck/crewsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.crewsync/config.toml",
	Long:  "Initialize the CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		ident, err := crewsync.IdentityFromToken(token)
		if err != nil {
			return fmt.Errorf("not a usable session token: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = crewsync.DefaultBaseURL
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", displayName(ident), path)
		return nil
	},
}
