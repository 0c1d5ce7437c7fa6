package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(conversationsCmd)

	runCmd.Flags().StringP("conversation", "c", "", "Conversation to open and follow")
	sendCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the backend to acknowledge")
	retryCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the backend to acknowledge")
	conversationsCmd.Flags().IntP("limit", "n", 20, "Maximum number of conversations")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	Long:  "Start the engine for the configured user, deliver pending messages, and follow the conversation list (and one conversation with --conversation).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var rt *runtime
		printMessages := func() {}
		rt = mustRuntime(ctx, chatsync.OnMessagesChanged(func() { printMessages() }))
		defer rt.Close()

		conversationID, _ := cmd.Flags().GetString("conversation")
		// Runs on the owner goroutine, so it must not call back into the engine.
		printMessages = func() {
			fmt.Printf("conversation %s changed\n", conversationID)
		}

		if err := rt.start(ctx); err != nil {
			return err
		}
		if conversationID != "" {
			if err := rt.engine.OpenConversation(ctx, conversationID); err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
		}
		fmt.Printf("Running as %s (reachable: %v). Press Ctrl+C to stop.\n", rt.cfg.User.ID, rt.engine.IsReachable())
		<-ctx.Done()
		fmt.Println("Stopping...")
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message",
	Long:  "Store a message locally and wait for the backend to acknowledge it. Unacknowledged messages stay in the outbox and are delivered by the next run.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt := mustRuntime(ctx)
		defer rt.Close()
		if err := rt.start(ctx); err != nil {
			return err
		}

		m, err := rt.engine.Send(ctx, chatsync.Draft{
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetDuration("wait")
		m, err = waitDelivered(ctx, rt.engine, m.ID, wait)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", m.ID, m.Status)
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List messages not yet acknowledged by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt := mustRuntime(ctx)
		defer rt.Close()

		msgs, err := rt.engine.Outbox(ctx)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, m := range msgs {
			next := "now"
			if !m.Delivery.NextRetryAt.IsZero() {
				next = humanize.Time(m.Delivery.NextRetryAt)
			}
			fmt.Printf("%-8s %s  %s  written %s  attempts %d  next %s\n",
				m.Status, m.ID, m.ConversationID, humanize.Time(m.Timestamp), m.Delivery.RetryCount, next)
			if m.Delivery.LastError != "" {
				fmt.Printf("         last error: %s\n", m.Delivery.LastError)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Retry delivery of a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt := mustRuntime(ctx)
		defer rt.Close()
		if err := rt.start(ctx); err != nil {
			return err
		}

		if err := rt.engine.Retry(ctx, args[0]); err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetDuration("wait")
		m, err := waitDelivered(ctx, rt.engine, args[0], wait)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", m.ID, m.Status)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List local conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt := mustRuntime(ctx)
		defer rt.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		convs, err := rt.engine.Conversations(ctx, limit)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, c := range convs {
			last := "never"
			if !c.LastMessageTimestamp.IsZero() {
				last = humanize.Time(c.LastMessageTimestamp)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%s unread)", humanize.Comma(int64(c.UnreadCount)))
			}
			fmt.Printf("%s  %s%s  %s\n", c.ID, valueOrDefault(c.Title, "(untitled)"), unread, last)
			if c.LastMessagePreview != "" {
				fmt.Printf("    %s\n", c.LastMessagePreview)
			}
		}
		return nil
	},
}
