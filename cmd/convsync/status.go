package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync/store"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and cache contents",
	Long:  "Display the effective configuration and count what the local cache holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Remote.BaseURL, "(default)"))
		fmt.Printf("  Identity:    %s\n", valueOrDefault(cfg.Remote.Identity, "(not set)"))
		if cfg.Remote.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Remote.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Log mode:    %s\n", valueOrDefault(cfg.Log.Mode, "(development)"))

		path, err := storePath(cfg)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Path:          %s\n", path)

		st, err := store.Open(path)
		if err != nil {
			fmt.Printf("  Error opening cache: %v\n", err)
			return nil
		}
		defer st.Close()

		stats, err := st.Stats()
		if err != nil {
			fmt.Printf("  Error reading cache: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(stats.Conversations)))
		fmt.Printf("  Messages:      %s\n", humanize.Comma(int64(stats.Messages)))
		fmt.Printf("  Reactions:     %s\n", humanize.Comma(int64(stats.Reactions)))
		fmt.Printf("  Participants:  %s\n", humanize.Comma(int64(stats.Participants)))
		fmt.Printf("  Disk usage:    %s\n", humanize.Bytes(stats.DiskBytes))
		return nil
	},
}
