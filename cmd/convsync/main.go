package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync/internal/logging"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.convsync/config.toml.
type Config struct {
	Remote ConfigRemote `toml:"remote"`
	Store  ConfigStore  `toml:"store"`
	Log    ConfigLog    `toml:"log"`
	Media  ConfigMedia  `toml:"media"`
}

// ConfigRemote holds the service endpoint and credentials.
type ConfigRemote struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token"`
	Identity string `toml:"identity"`
}

// ConfigStore holds the local cache location.
type ConfigStore struct {
	Path string `toml:"path"`
}

type ConfigLog struct {
	Mode string `toml:"mode"`
}

type ConfigMedia struct {
	Dir string `toml:"dir"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.convsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// loadEffectiveConfig is loadConfig with environment overrides applied. A .env
// file in the working directory is read first when present.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read .env: %w", err)
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CONVSYNC_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := getenv("CONVSYNC_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := getenv("CONVSYNC_IDENTITY"); v != "" {
		cfg.Remote.Identity = v
	}
}

// saveConfig writes the config struct back to disk as TOML.
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

// setConfigValue sets a config field using dot notation (e.g. "remote.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. remote.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "remote":
		switch field {
		case "base_url":
			cfg.Remote.BaseURL = value
		case "token":
			cfg.Remote.Token = value
		case "identity":
			cfg.Remote.Identity = value
		default:
			return fmt.Errorf("unknown field %q in section [remote]", field)
		}
	case "store":
		if field != "path" {
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
		cfg.Store.Path = value
	case "log":
		if field != "mode" {
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
		switch value {
		case logging.ProductionMode, logging.DevelopmentMode, logging.QuietMode:
		default:
			return fmt.Errorf("invalid log mode %q (valid: %s, %s, %s)", value, logging.ProductionMode, logging.DevelopmentMode, logging.QuietMode)
		}
		cfg.Log.Mode = value
	case "media":
		if field != "dir" {
			return fmt.Errorf("unknown field %q in section [media]", field)
		}
		cfg.Media.Dir = value
	default:
		return fmt.Errorf("unknown config section %q (valid: remote, store, log, media)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "convsync",
	Short:        "Conversation sync CLI",
	Long:         "Command-line client for the conversation sync engine.\nKeeps a local cache of conversations, messages and participants in step with the service.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
