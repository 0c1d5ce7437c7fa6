package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and local store status",
	Long:  "Display the effective configuration and summarize the local store: pending and failed messages and the conversation count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntimeConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.User.ID, "(not set)"))
		if cfg.User.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.User.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Backend:     %s\n", cfg.Remote.Backend)
		switch cfg.Remote.Backend {
		case "firestore":
			fmt.Printf("  Project:     %s\n", cfg.Remote.Project)
		default:
			fmt.Printf("  Base URL:    %s\n", cfg.Remote.BaseURL)
		}
		fmt.Printf("  Store:       %s %s\n", cfg.Store.Driver, cfg.Store.Path)
		fmt.Printf("  Delivery:    base %s, max %s, %d attempts\n", cfg.Delivery.RetryBase, cfg.Delivery.RetryMax, cfg.Delivery.MaxAttempts)

		ctx := context.Background()
		rt := mustRuntime(ctx)
		defer rt.Close()

		pending, err := rt.engine.Outbox(ctx)
		if err != nil {
			return err
		}
		failed := 0
		for _, m := range pending {
			if m.Status == chatsync.StatusFailed {
				failed++
			}
		}
		convs, err := rt.engine.Conversations(ctx, 0)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Local store:")
		fmt.Printf("  Outbox:        %s (%s failed)\n", humanize.Comma(int64(len(pending))), humanize.Comma(int64(failed)))
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(convs))))
		if len(convs) > 0 && !convs[0].LastMessageTimestamp.IsZero() {
			fmt.Printf("  Last activity: %s\n", humanize.Time(convs[0].LastMessageTimestamp))
		}
		return nil
	},
}
