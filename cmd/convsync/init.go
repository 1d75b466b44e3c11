package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync/internal/logging"
	"github.com/LuminPulse-AI/convsync/remote"
)

func init() {
	initCmd.Flags().String("identity", "", "identity of the local user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.convsync/config.toml",
	Long:  "Initialize the CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Remote.Token = args[0]
		if identity, _ := cmd.Flags().GetString("identity"); identity != "" {
			cfg.Remote.Identity = identity
		}
		if cfg.Remote.BaseURL == "" {
			cfg.Remote.BaseURL = remote.DefaultBaseURL
		}
		if cfg.Log.Mode == "" {
			cfg.Log.Mode = logging.DevelopmentMode
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
