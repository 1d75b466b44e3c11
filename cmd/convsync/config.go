package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync/internal/logging"
)

func init() {
	configShowCmd.Flags().Bool("raw", false, "print the file as stored, without environment overrides")
	configShowCmd.Flags().Bool("reveal", false, "print the token unmasked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage convsync configuration",
	Long:  "View or modify the configuration stored in ~/.convsync/config.toml.\nCONVSYNC_TOKEN, CONVSYNC_BASE_URL and CONVSYNC_IDENTITY override the file.",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		reveal, _ := cmd.Flags().GetBool("reveal")

		load := loadEffectiveConfig
		if raw {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg, reveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// renderConfig encodes cfg as TOML with defaults filled in for display.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if shown.Remote.Token != "" && !reveal {
		shown.Remote.Token = maskKey(shown.Remote.Token)
	}
	if shown.Store.Path == "" {
		if path, err := storePath(&shown); err == nil {
			shown.Store.Path = path
		}
	}
	shown.Log.Mode = valueOrDefault(shown.Log.Mode, logging.DevelopmentMode)
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot encode config: %w", err)
	}
	return string(data), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: convsync config set remote.identity alice",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if env := overridingEnv(key); env != "" && os.Getenv(env) != "" {
			fmt.Printf("Set %s (currently overridden by %s)\n", key, env)
			return nil
		}
		fmt.Printf("Set %s\n", key)
		return nil
	},
}

// overridingEnv names the environment variable that takes precedence over key.
func overridingEnv(key string) string {
	switch key {
	case "remote.token":
		return "CONVSYNC_TOKEN"
	case "remote.base_url":
		return "CONVSYNC_BASE_URL"
	case "remote.identity":
		return "CONVSYNC_IDENTITY"
	}
	return ""
}
