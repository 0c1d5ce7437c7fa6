package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configShowCmd.Flags().Bool("effective", false, "Show the merged configuration after .env, environment overrides and defaults")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		effective, _ := cmd.Flags().GetBool("effective")

		var cfg *Config
		if effective {
			c, _, err := loadRuntimeConfig()
			if err != nil {
				return err
			}
			cfg = c
		} else {
			path, err := configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <user-id> <base-url>' to create one.")
				return nil
			}
			c, err := readConfig(path)
			if err != nil {
				return err
			}
			cfg = c
		}

		data, err := toml.Marshal(redacted(*cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set delivery.max_attempts 5",
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

		if isSecretKey(key) {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys and their environment overrides",
	Run: func(cmd *cobra.Command, args []string) {
		for _, key := range configKeys {
			fmt.Printf("%-30s %s\n", key, envName(key))
		}
	},
}

func isSecretKey(key string) bool {
	return key == "user.token" || key == "notify.webhook_secret"
}

// redacted returns cfg with every secret masked.
func redacted(cfg Config) Config {
	if cfg.User.Token != "" {
		cfg.User.Token = maskKey(cfg.User.Token)
	}
	if cfg.Notify.WebhookSecret != "" {
		cfg.Notify.WebhookSecret = maskKey(cfg.Notify.WebhookSecret)
	}
	return cfg
}
