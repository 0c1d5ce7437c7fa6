package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("token", "", "Bearer token for the remote backend")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> <base-url>",
	Short: "Store the user and backend in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the signed-in user and the HTTP backend in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.User.ID = args[0]
		cfg.Remote.BaseURL = args[1]
		if cfg.Remote.Backend == "" {
			cfg.Remote.Backend = "http"
		}
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			cfg.User.Token = token
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
