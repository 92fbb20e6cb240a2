package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.crewsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Backends ConfigBackends `toml:"backends"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	// Transport is "websocket" (default) or "sse".
	Transport string `toml:"transport"`
}

// ConfigAuth holds the session token.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigBackends points the CLI at self-hosted backends instead of the API.
type ConfigBackends struct {
	PostgresDSN string `toml:"postgres_dsn"`
	ValkeyAddr  string `toml:"valkey_addr"`
}

// envOverrides maps CREWSYNC_* variables onto config keys.
var envOverrides = map[string]string{
	"CREWSYNC_BASE_URL":     "default.base_url",
	"CREWSYNC_TRANSPORT":    "default.transport",
	"CREWSYNC_TOKEN":        "auth.token",
	"CREWSYNC_POSTGRES_DSN": "backends.postgres_dsn",
	"CREWSYNC_VALKEY_ADDR":  "backends.valkey_addr",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.crewsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".crewsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file alone. A missing file yields a
// zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CREWSYNC_* overrides on top.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	for env, key := range envOverrides {
		if v, ok := os.LookupEnv(env); ok {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "" && value != "websocket" && value != "sse" {
				return fmt.Errorf("transport must be websocket or sse, got %q", value)
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "backends":
		switch field {
		case "postgres_dsn":
			cfg.Backends.PostgresDSN = value
		case "valkey_addr":
			cfg.Backends.ValkeyAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [backends]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, backends)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "crewsync",
	Short: "Crewsync messaging CLI",
	Long:  "Command-line client for crewsync conversations.\nWatch a conversation live, send messages and reactions, and see who is online.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
